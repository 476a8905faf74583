package notifications

import (
	"context"
	"errors"

	appconfig "noctuaid/backend/pkg/config"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// EmailNotifier sends a single email with HTML and plain-text bodies.
// A send failure is transient from the caller's point of view: the
// caller reports a retryable error to the user, nothing more.
type EmailNotifier interface {
	SendEmail(to, subject, bodyHTML, bodyText string) error
}

// SESEmailNotifier implements EmailNotifier using AWS SES v2.
type SESEmailNotifier struct {
	client *sesv2.Client
	sender string
}

// DefaultEmailNotifier is the notifier used by the application. Nil
// when SES is not configured; Active then falls back to a simulating
// notifier that only logs.
var DefaultEmailNotifier EmailNotifier

// InitEmailService initializes the SES notifier from configuration.
func InitEmailService() {
	log := phxlog.L.Named("InitEmailService")

	awsRegion := appconfig.Cfg.AWSRegion
	senderEmail := appconfig.Cfg.AWSSESEmailSender
	if awsRegion == "" || senderEmail == "" {
		log.Warn("AWS SES email service is not configured (missing AWS_REGION or AWS_SES_EMAIL_SENDER). Reset emails will be simulated.")
		DefaultEmailNotifier = nil
		return
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion(awsRegion))
	if err != nil {
		log.Error("Failed to load AWS SDK config for SES", zap.Error(err))
		DefaultEmailNotifier = nil
		return
	}

	DefaultEmailNotifier = &SESEmailNotifier{
		client: sesv2.NewFromConfig(cfg),
		sender: senderEmail,
	}
	log.Info("AWS SES email service initialized.", zap.String("sender", senderEmail), zap.String("region", awsRegion))
}

// SimulatingNotifier logs sends instead of performing them. Used in
// development when SES is not configured.
type SimulatingNotifier struct{}

func (SimulatingNotifier) SendEmail(to, subject, bodyHTML, bodyText string) error {
	phxlog.L.Info("--- SIMULATING EMAIL SEND ---",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", bodyText))
	return nil
}

// Active returns the configured notifier, falling back to simulation.
func Active() EmailNotifier {
	if DefaultEmailNotifier != nil {
		return DefaultEmailNotifier
	}
	return SimulatingNotifier{}
}

func (s *SESEmailNotifier) SendEmail(to, subject, bodyHTML, bodyText string) error {
	if s.client == nil {
		return errors.New("SES client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: &s.sender,
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(bodyHTML),
						Charset: aws.String("UTF-8"),
					},
					Text: &types.Content{
						Data:    aws.String(bodyText),
						Charset: aws.String("UTF-8"),
					},
				},
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	_, err := s.client.SendEmail(context.TODO(), input)
	if err != nil {
		phxlog.L.Error("Failed to send email via SES", zap.Error(err), zap.String("recipient", to))
		return err
	}

	phxlog.L.Info("Successfully sent email", zap.String("recipient", to), zap.String("subject", subject))
	return nil
}
