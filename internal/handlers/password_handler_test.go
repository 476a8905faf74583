package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"noctuaid/backend/internal/auth"
	"noctuaid/backend/internal/directory"
	"noctuaid/backend/internal/passwordflow"
	"noctuaid/backend/internal/resetlock"
	"noctuaid/backend/internal/resettoken"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// fakeDir is a minimal scriptable directory for handler tests.
type fakeDir struct {
	users     map[string]*directory.UserRecord
	passwords map[string]string
	otp       string
	authErr   error
	addErr    error
}

func newFakeDir() *fakeDir {
	return &fakeDir{users: map[string]*directory.UserRecord{}, passwords: map[string]string{}}
}

func (d *fakeDir) addUser(username, mail, password string) {
	d.users[username] = &directory.UserRecord{
		Username:           username,
		Mail:               mail,
		LastPasswordChange: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	d.passwords[username] = password
}

func (d *fakeDir) ShowUser(ctx context.Context, username string) (*directory.UserRecord, error) {
	user, ok := d.users[username]
	if !ok {
		return nil, directory.ErrNotFound
	}
	u := *user
	return &u, nil
}

func (d *fakeDir) Authenticate(ctx context.Context, username, password, otp string) error {
	if d.authErr != nil {
		return d.authErr
	}
	if d.passwords[username] != password {
		return directory.ErrInvalidCredentials
	}
	return nil
}

func (d *fakeDir) ChangePassword(ctx context.Context, username, newPassword, oldPassword, otp string) error {
	if d.passwords[username] != oldPassword {
		return directory.ErrInvalidCredentials
	}
	if d.otp != "" && otp != d.otp {
		return directory.ErrInvalidCredentials
	}
	if len(newPassword) < 8 {
		return &directory.PolicyError{Detail: "password is too short"}
	}
	d.passwords[username] = newPassword
	d.users[username].LastPasswordChange = d.users[username].LastPasswordChange.Add(time.Second)
	return nil
}

func (d *fakeDir) SetPasswordAdmin(ctx context.Context, username, newPassword string) error {
	d.passwords[username] = newPassword
	d.users[username].LastPasswordChange = d.users[username].LastPasswordChange.Add(time.Second)
	return nil
}

func (d *fakeDir) AddUser(ctx context.Context, user directory.NewUser) error {
	if d.addErr != nil {
		return d.addErr
	}
	if _, exists := d.users[user.Username]; exists {
		return directory.ErrDuplicate
	}
	d.addUser(user.Username, user.Mail, user.Password)
	return nil
}

type recordingMailer struct {
	bodies  []string
	sendErr error
}

func (m *recordingMailer) SendEmail(to, subject, bodyHTML, bodyText string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.bodies = append(m.bodies, bodyText)
	return nil
}

// lastToken extracts the token from the most recent reset email.
func (m *recordingMailer) lastToken(t *testing.T) string {
	t.Helper()
	if len(m.bodies) == 0 {
		t.Fatal("no email was sent")
	}
	body := m.bodies[len(m.bodies)-1]
	idx := strings.Index(body, "token=")
	if idx < 0 {
		t.Fatalf("no token in email body: %s", body)
	}
	rest := body[idx+len("token="):]
	if end := strings.IndexAny(rest, "\n \t"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

type memLockStore struct {
	entries map[string]time.Time
}

func (m *memLockStore) Get(ctx context.Context, username string) (*time.Time, error) {
	if t, ok := m.entries[username]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memLockStore) Put(ctx context.Context, username string, validUntil time.Time) error {
	m.entries[username] = validUntil
	return nil
}

func (m *memLockStore) Delete(ctx context.Context, username string) error {
	delete(m.entries, username)
	return nil
}

type handlerFixture struct {
	dir    *fakeDir
	mailer *recordingMailer
	store  *memLockStore
}

func setupHandlerTest(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := newFakeDir()
	mailer := &recordingMailer{}
	store := &memLockStore{entries: map[string]time.Time{}}
	locks := resetlock.NewService(store, 10*time.Minute, nil)
	tokens, err := resettoken.NewService("handler-test-key", time.Hour, nil)
	assert.NoError(t, err)

	Init(dir, passwordflow.New(passwordflow.Options{
		Directory:       dir,
		Locks:           locks,
		Tokens:          tokens,
		Mailer:          mailer,
		FrontendBaseURL: "https://id.example.test",
		TempPasswordLen: 24,
	}))
	return &handlerFixture{dir: dir, mailer: mailer, store: store}
}

func postJSON(router *gin.Engine, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func forgotRouter() *gin.Engine {
	r := gin.New()
	r.POST("/auth/forgot-password", ForgotPasswordHandler)
	r.GET("/auth/reset-password", ValidateResetTokenHandler)
	r.POST("/auth/reset-password", ResetPasswordHandler)
	return r
}

func TestForgotPasswordHandler_Success(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.mailer.bodies, 1)
	_, locked := f.store.entries["jdoe"]
	assert.True(t, locked)
}

func TestForgotPasswordHandler_UnknownUser(t *testing.T) {
	f := setupHandlerTest(t)
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "ghost"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp struct {
		FieldErrors map[string][]string `json:"field_errors"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.FieldErrors, "username")
	assert.Empty(t, f.mailer.bodies)
}

func TestForgotPasswordHandler_RateLimited(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	var resp struct {
		RetryAfterSeconds int `json:"retry_after_seconds"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Greater(t, resp.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, resp.RetryAfterSeconds, 600)
	assert.Len(t, f.mailer.bodies, 1)
}

func TestForgotPasswordHandler_AlreadyLoggedIn(t *testing.T) {
	setupHandlerTest(t)
	assert.NoError(t, auth.InitializeJWT())
	token, err := auth.GenerateToken("jdoe")
	assert.NoError(t, err)
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"},
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestForgotPasswordHandler_MailFailure(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	f.mailer.sendErr = errors.New("smtp refused")
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	// No lock was stored, so an immediate retry is allowed.
	_, locked := f.store.entries["jdoe"]
	assert.False(t, locked)
}

func TestValidateResetTokenHandler_Garbage(t *testing.T) {
	setupHandlerTest(t)
	router := forgotRouter()

	req, _ := http.NewRequest(http.MethodGet, "/auth/reset-password?token=garbage", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp struct {
		Restart bool `json:"restart"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Restart)
}

func TestResetPasswordHandler_FullFlow(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	token := f.mailer.lastToken(t)

	// The token validates for the form.
	req, _ := http.NewRequest(http.MethodGet, "/auth/reset-password?token="+token, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "jdoe")

	rr = postJSON(router, "/auth/reset-password", ResetPasswordPayload{
		Token:       token,
		NewPassword: "brand-new-password",
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "brand-new-password", f.dir.passwords["jdoe"])

	// Lock deleted; the consumed token no longer validates.
	_, locked := f.store.entries["jdoe"]
	assert.False(t, locked)
	req, _ = http.NewRequest(http.MethodGet, "/auth/reset-password?token="+token, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResetPasswordHandler_WrongOTP(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	f.dir.otp = "123456"
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	token := f.mailer.lastToken(t)

	rr = postJSON(router, "/auth/reset-password", ResetPasswordPayload{
		Token:       token,
		NewPassword: "brand-new-password",
		OTP:         "999999",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp struct {
		FieldErrors map[string][]string `json:"field_errors"`
		NewToken    string              `json:"new_token"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.FieldErrors, "otp")
	assert.NotEmpty(t, resp.NewToken)
	assert.NotEqual(t, token, resp.NewToken)

	// Lock kept; the fresh token completes with the right OTP.
	_, locked := f.store.entries["jdoe"]
	assert.True(t, locked)
	rr = postJSON(router, "/auth/reset-password", ResetPasswordPayload{
		Token:       resp.NewToken,
		NewPassword: "brand-new-password",
		OTP:         "123456",
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "brand-new-password", f.dir.passwords["jdoe"])
}

func TestResetPasswordHandler_PolicyViolation(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")
	router := forgotRouter()

	rr := postJSON(router, "/auth/forgot-password", ForgotPasswordPayload{Username: "jdoe"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	token := f.mailer.lastToken(t)

	rr = postJSON(router, "/auth/reset-password", ResetPasswordPayload{
		Token:       token,
		NewPassword: "short",
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "password_expired")

	// The account sits on the temp credential, not "short".
	assert.NotEqual(t, "short", f.dir.passwords["jdoe"])
	assert.NotEqual(t, "oldpassword", f.dir.passwords["jdoe"])
	_, locked := f.store.entries["jdoe"]
	assert.False(t, locked)
}

func TestUserSettingsPasswordHandler_Success(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")

	r := gin.New()
	// Simulate the auth middleware.
	r.Use(func(c *gin.Context) {
		c.Set("username", "jdoe")
		c.Next()
	})
	r.POST("/users/me/password", UserSettingsPasswordHandler)

	rr := postJSON(r, "/users/me/password", ChangePasswordPayload{
		CurrentPassword: "oldpassword",
		NewPassword:     "brand-new-password",
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "brand-new-password", f.dir.passwords["jdoe"])
}

func TestUserSettingsPasswordHandler_WrongCurrent(t *testing.T) {
	f := setupHandlerTest(t)
	f.dir.addUser("jdoe", "jdoe@example.com", "oldpassword")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("username", "jdoe")
		c.Next()
	})
	r.POST("/users/me/password", UserSettingsPasswordHandler)

	rr := postJSON(r, "/users/me/password", ChangePasswordPayload{
		CurrentPassword: "wrong",
		NewPassword:     "brand-new-password",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp struct {
		FieldErrors map[string][]string `json:"field_errors"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.FieldErrors, "current_password")
	assert.Equal(t, "oldpassword", f.dir.passwords["jdoe"])
}
