package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/session"
	"github.com/wolfeidau/tenantgate/internal/tenant"
	"github.com/wolfeidau/tenantgate/internal/tokens"
	"golang.org/x/net/publicsuffix"
)

var (
	_ session.Source     = (*Client)(nil)
	_ session.Toucher    = (*Client)(nil)
	_ session.Terminator = (*Client)(nil)
	_ tenant.Directory   = (*Client)(nil)
	_ tokens.Refresher   = (*Client)(nil)
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	UserAgent string

	// HTTPClient overrides the transport. Its cookie jar is replaced when nil.
	HTTPClient *http.Client
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   10 * time.Second,
		UserAgent: "tenantgate",
	}
}

// Client talks to the backend-of-record. The session travels in a cookie held
// by the client's jar, so one Client represents one signed-in user.
type Client struct {
	baseURL    string
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	now        func() time.Time
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tenantgate"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		clone := *httpClient
		clone.Jar = jar
		httpClient = &clone
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// SignIn exchanges a provider ID token for a backend session.
func (c *Client) SignIn(ctx context.Context, idToken string) (*models.SessionStatus, error) {
	var resp api.SessionResponse
	if err := c.do(ctx, http.MethodPost, api.PathSignIn, &api.SignInRequest{IDToken: idToken}, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Status(), nil
}

// CurrentSession returns the backend's view of the session.
func (c *Client) CurrentSession(ctx context.Context) (*models.SessionStatus, error) {
	var resp api.SessionResponse
	if err := c.do(ctx, http.MethodPost, api.PathCurrentSession, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Status(), nil
}

// TouchSession records user activity.
func (c *Client) TouchSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, api.PathTouchSession, nil, nil, nil)
}

// Logout ends the session. An already ended session is not an error.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, api.PathLogout, nil, nil, nil)
	if errors.Is(err, autherr.ErrUnauthenticated) {
		return nil
	}
	return err
}

// Refresh exchanges a refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokens.Set, error) {
	var resp api.TokenResponse
	if err := c.do(ctx, http.MethodPost, api.PathRefresh, &api.RefreshRequest{RefreshToken: refreshToken}, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Set(c.now()), nil
}

// FindBySubject returns autherr.ErrNotFound when no user exists.
func (c *Client) FindBySubject(ctx context.Context, subject string) (*models.UserRecord, error) {
	var resp api.UserResponse
	if err := c.do(ctx, http.MethodGet, api.SubjectPath(api.PathUser, subject), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Model(), nil
}

// VerifyTenant asks the backend to confirm subject owns tenantID.
func (c *Client) VerifyTenant(ctx context.Context, subject string, tenantID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, api.SubjectPath(api.PathVerifyTenant, subject), &api.VerifyTenantRequest{TenantID: tenantID}, nil, nil)
}

// CreateUser creates the user-of-record. The idempotency key makes retries safe.
func (c *Client) CreateUser(ctx context.Context, rec *models.UserRecord, idempotencyKey string) (*models.UserRecord, error) {
	req := &api.SyncUserRequest{
		Subject:         rec.Subject,
		Email:           rec.Email,
		Name:            rec.Name,
		NeedsOnboarding: rec.NeedsOnboarding,
	}
	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set(api.HeaderIdempotency, idempotencyKey)
	}

	var resp api.UserResponse
	if err := c.do(ctx, http.MethodPost, api.PathSyncUser, req, &resp, headers); err != nil {
		return nil, err
	}
	return resp.Model(), nil
}

// BindTenant creates the subject's tenant and binds it. A subject that already
// has a tenant returns autherr.ErrTenantConflict.
func (c *Client) BindTenant(ctx context.Context, subject, name string) (*models.Tenant, error) {
	var resp api.TenantResponse
	if err := c.do(ctx, http.MethodPost, api.SubjectPath(api.PathBindTenant, subject), &api.BindTenantRequest{Name: name}, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Model(), nil
}

// UpdateOnboarding records completed onboarding steps.
func (c *Client) UpdateOnboarding(ctx context.Context, subject string, update *api.OnboardingUpdateRequest) (*models.UserRecord, error) {
	var resp api.UserResponse
	if err := c.do(ctx, http.MethodPatch, api.SubjectPath(api.PathOnboarding, subject), update, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Model(), nil
}

func (c *Client) do(parent context.Context, method, path string, body, out any, headers http.Header) error {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", api.ContentTypeJSON)
	}
	req.Header.Set("Accept", api.ContentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header[k] = v
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the caller gave up, not a backend failure
		if parent.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, parent.Err())
		}
		return autherr.Transient(0, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("backend call")

	if resp.StatusCode >= 300 {
		return mapResponseError(method, path, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}

	return nil
}

// mapResponseError converts a non-2xx response into the autherr taxonomy.
func mapResponseError(method, path string, resp *http.Response) error {
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	detail := body.Error
	if detail == "" {
		detail = resp.Status
	}

	switch {
	case body.Code == api.CodeInvalidGrant && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized):
		return fmt.Errorf("%s %s: %w: %s", method, path, autherr.ErrAuthExpired, detail)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w: %s", method, path, autherr.ErrUnauthenticated, detail)
	case resp.StatusCode == http.StatusForbidden && body.Code == api.CodeTenantVerificationFailed:
		return &autherr.TenantVerificationFailedError{SupportCode: body.SupportCode, Reason: body.Message}
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: forbidden: %w: %s", method, path, autherr.ErrUnauthenticated, detail)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", method, path, autherr.ErrNotFound, detail)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s %s: %w: %s", method, path, autherr.ErrTenantConflict, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return autherr.Transient(resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, detail))
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, detail)
	}
}
