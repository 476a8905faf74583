package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"noctuaid/backend/internal/database"
	"noctuaid/backend/internal/models"
	appconfig "noctuaid/backend/pkg/config"

	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// readInput reads a line of text from the console.
func readInput(reader *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

// readPassword reads a password from the console, masking the input.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytePassword)), nil
}

func main() {
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("--- Noctua ID Setup ---")

	fmt.Println("\n--- Database Configuration ---")
	dbHost := readInput(reader, "Enter Database Host (e.g., localhost or 'db' if using docker-compose): ")
	dbPort := readInput(reader, "Enter Database Port (e.g., 5432): ")
	dbUser := readInput(reader, "Enter Database User: ")
	dbPassword, err := readPassword("Enter Database Password: ")
	if err != nil {
		log.Fatalf("Failed to read database password: %v", err)
	}
	dbName := readInput(reader, "Enter Database Name: ")
	dbSSLMode := readInput(reader, "Enter Database SSL Mode (e.g., disable, require): ")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		dbHost, dbPort, dbUser, dbPassword, dbName, dbSSLMode)

	fmt.Println("Connecting to database...")
	if err := database.ConnectDB(dsn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	fmt.Println("Successfully connected to the database.")

	fmt.Println("\n--- Running Database Migrations ---")
	if err := database.MigrateDB(); err != nil {
		log.Fatalf("Database migration process failed: %v", err)
	}
	fmt.Println("Database migrations completed successfully.")

	fmt.Println("\n--- Creating First Directory Account (embedded backend) ---")
	username := readInput(reader, "Enter username: ")
	firstName := readInput(reader, "Enter first name: ")
	lastName := readInput(reader, "Enter last name: ")
	mail := readInput(reader, "Enter email address: ")
	password, err := readPassword("Enter password: ")
	if err != nil {
		log.Fatalf("Failed to read password: %v", err)
	}
	passwordConfirm, err := readPassword("Confirm password: ")
	if err != nil {
		log.Fatalf("Failed to read password confirmation: %v", err)
	}
	if password != passwordConfirm {
		log.Fatal("Passwords do not match.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	account := models.DirectoryAccount{
		Username:           username,
		Mail:               mail,
		FirstName:          firstName,
		LastName:           lastName,
		PasswordHash:       string(hash),
		LastPasswordChange: time.Now().UTC().Truncate(time.Second),
	}

	enableTOTP := strings.EqualFold(readInput(reader, "Enroll a TOTP second factor for this account? (y/N): "), "y")
	if enableTOTP {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      appconfig.Cfg.TOTPIssuerName,
			AccountName: username,
		})
		if err != nil {
			log.Fatalf("Failed to generate TOTP secret: %v", err)
		}
		account.TOTPSecret = key.Secret()

		qr, err := qrcode.New(key.URL(), qrcode.Medium)
		if err != nil {
			log.Fatalf("Failed to render TOTP QR code: %v", err)
		}
		fmt.Println("\nScan this QR code with your authenticator app:")
		fmt.Println(qr.ToSmallString(false))
		fmt.Printf("Or enter the secret manually: %s\n", key.Secret())
	}

	if err := database.GetDB().Create(&account).Error; err != nil {
		log.Fatalf("Failed to create directory account: %v", err)
	}
	fmt.Printf("\nAccount '%s' created successfully.\n", username)
	fmt.Println("Setup complete. Start the server with DIRECTORY_BACKEND=embedded.")
}
