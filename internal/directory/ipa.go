package directory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	phxlog "noctuaid/backend/pkg/log"

	"go.uber.org/zap"
)

// FreeIPA JSON-RPC error codes this client distinguishes.
const (
	ipaErrNotFound   = 4001
	ipaErrDuplicate  = 4002
	ipaErrValidation = 3009
)

// krbTimeLayout is FreeIPA's generalized-time format for
// krblastpwdchange, e.g. "20240101123045Z".
const krbTimeLayout = "20060102150405Z"

// FreeIPAClient implements Client against a FreeIPA server. Reads and
// administrative writes go through the JSON-RPC session API with an
// admin session; password changes as the user use the dedicated
// change_password endpoint, which works without a session.
type FreeIPAClient struct {
	baseURL    string
	adminUser  string
	adminPass  string
	httpClient *http.Client
}

type FreeIPAConfig struct {
	Server      string // hostname, e.g. "ipa.example.test"
	AdminUser   string
	AdminPass   string
	InsecureTLS bool
	Timeout     time.Duration
}

func NewFreeIPAClient(cfg FreeIPAConfig) (*FreeIPAClient, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("freeipa: server not configured")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("freeipa: cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &FreeIPAClient{
		baseURL:   "https://" + cfg.Server + "/ipa",
		adminUser: cfg.AdminUser,
		adminPass: cfg.AdminPass,
		httpClient: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// login establishes an admin session. FreeIPA sessions expire, so every
// RPC retries once through a fresh login on a 401.
func (c *FreeIPAClient) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("user", c.adminUser)
	form.Set("password", c.adminPass)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/session/login_password", strings.NewReader(form.Encode()))
	if err != nil {
		return &BackendError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &BackendError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &BackendError{Op: "login", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (c *FreeIPAClient) rpc(ctx context.Context, method string, args []string, options map[string]interface{}) (json.RawMessage, error) {
	if options == nil {
		options = map[string]interface{}{}
	}
	options["version"] = "2.237"

	body, err := json.Marshal(rpcRequest{
		Method: method,
		Params: []interface{}{args, options},
		ID:     0,
	})
	if err != nil {
		return nil, &BackendError{Op: method, Err: err}
	}

	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/session/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Referer", c.baseURL)
		return c.httpClient.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, &BackendError{Op: method, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		resp, err = do()
		if err != nil {
			return nil, &BackendError{Op: method, Err: err}
		}
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, &BackendError{Op: method, Err: err}
	}
	if rpcResp.Error != nil {
		return nil, c.mapRPCError(method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *FreeIPAClient) mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case ipaErrNotFound:
		return ErrNotFound
	case ipaErrDuplicate:
		return ErrDuplicate
	case ipaErrValidation:
		// Message shape: "invalid 'field': reason"
		if parts := strings.SplitN(e.Message, "': ", 2); len(parts) == 2 {
			field := strings.TrimPrefix(parts[0], "invalid '")
			return &ValidationError{Field: field, Message: parts[1]}
		}
		return &ValidationError{Field: "", Message: e.Message}
	default:
		return &BackendError{Op: method, Err: fmt.Errorf("%s (code %d)", e.Message, e.Code)}
	}
}

type ipaUserResult struct {
	Result struct {
		UID              []string `json:"uid"`
		Mail             []string `json:"mail"`
		GivenName        []string `json:"givenname"`
		SN               []string `json:"sn"`
		KrbLastPwdChange []struct {
			DateTime string `json:"__datetime__"`
		} `json:"krblastpwdchange"`
	} `json:"result"`
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func (c *FreeIPAClient) ShowUser(ctx context.Context, username string) (*UserRecord, error) {
	raw, err := c.rpc(ctx, "user_show", []string{username}, map[string]interface{}{"all": true})
	if err != nil {
		return nil, err
	}
	var res ipaUserResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &BackendError{Op: "user_show", Err: err}
	}
	rec := &UserRecord{
		Username:  first(res.Result.UID),
		Mail:      first(res.Result.Mail),
		FirstName: first(res.Result.GivenName),
		LastName:  first(res.Result.SN),
	}
	if len(res.Result.KrbLastPwdChange) > 0 {
		t, err := time.Parse(krbTimeLayout, res.Result.KrbLastPwdChange[0].DateTime)
		if err != nil {
			return nil, &BackendError{Op: "user_show", Err: fmt.Errorf("bad krblastpwdchange: %w", err)}
		}
		rec.LastPasswordChange = t
	}
	return rec, nil
}

// changePasswordForm posts to the session-less change_password
// endpoint. The outcome is carried in the X-IPA-Pwchange-Result header.
func (c *FreeIPAClient) changePasswordForm(ctx context.Context, username, newPassword, oldPassword, otp string) error {
	form := url.Values{}
	form.Set("user", username)
	form.Set("old_password", oldPassword)
	form.Set("new_password", newPassword)
	if otp != "" {
		form.Set("otp", otp)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/session/change_password", strings.NewReader(form.Encode()))
	if err != nil {
		return &BackendError{Op: "change_password", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &BackendError{Op: "change_password", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch result := resp.Header.Get("X-IPA-Pwchange-Result"); result {
	case "ok":
		return nil
	case "invalid-password":
		return ErrInvalidCredentials
	case "policy-error":
		return &PolicyError{Detail: resp.Header.Get("X-IPA-Pwchange-Policy-Error")}
	default:
		return &BackendError{Op: "change_password", Err: fmt.Errorf("unexpected result %q (status %d)", result, resp.StatusCode)}
	}
}

func (c *FreeIPAClient) ChangePassword(ctx context.Context, username, newPassword, oldPassword, otp string) error {
	return c.changePasswordForm(ctx, username, newPassword, oldPassword, otp)
}

func (c *FreeIPAClient) SetPasswordAdmin(ctx context.Context, username, newPassword string) error {
	_, err := c.rpc(ctx, "user_mod", []string{username}, map[string]interface{}{
		"userpassword": newPassword,
	})
	return err
}

func (c *FreeIPAClient) Authenticate(ctx context.Context, username, password, otp string) error {
	form := url.Values{}
	form.Set("user", username)
	// With an OTP token enrolled the password field carries
	// password+otp concatenated, per the IPA login protocol.
	form.Set("password", password+otp)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/session/login_password", strings.NewReader(form.Encode()))
	if err != nil {
		return &BackendError{Op: "authenticate", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)

	// A fresh client without the admin cookie jar, so the admin session
	// is not clobbered by a user login.
	client := &http.Client{Timeout: c.httpClient.Timeout, Transport: c.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return &BackendError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	switch reason := resp.Header.Get("X-IPA-Rejection-Reason"); reason {
	case "password-expired":
		return ErrPasswordExpired
	case "invalid-password", "denied":
		return ErrInvalidCredentials
	default:
		phxlog.L.Warn("Unexpected FreeIPA login rejection",
			zap.String("reason", reason),
			zap.Int("status", resp.StatusCode))
		return &BackendError{Op: "authenticate", Err: fmt.Errorf("rejection %q (status %d)", reason, resp.StatusCode)}
	}
}

func (c *FreeIPAClient) AddUser(ctx context.Context, user NewUser) error {
	_, err := c.rpc(ctx, "user_add", []string{strings.TrimSpace(user.Username)}, map[string]interface{}{
		"givenname":    strings.TrimSpace(user.FirstName),
		"sn":           strings.TrimSpace(user.LastName),
		"mail":         strings.TrimSpace(user.Mail),
		"userpassword": user.Password,
	})
	return err
}
