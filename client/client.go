package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	storagesvc "github.com/trezcool/shule/services/storage"
)

// ErrAuthenticationExpired is returned when the API rejects the stored
// credentials. The client has already cleared them by the time callers
// see this error.
var ErrAuthenticationExpired = errors.New("authentication expired")

type (
	// APIError is a non-2xx API response.
	APIError struct {
		StatusCode int
		Message    string
	}

	// UploadTransportError wraps a network failure while transferring
	// file contents to object storage, as opposed to an API rejection
	// of the signing request.
	UploadTransportError struct {
		Err error
	}

	// Client talks to the API, attaching the stored access token and
	// keeping it fresh via a background renewal session.
	Client struct {
		baseURL string
		http    *http.Client
		clock   Clock
		logger  core.Logger
		store   *CredentialStore
		session *Session

		authExpiredHook func()
		hookMutex       sync.Mutex
		hookFired       bool
	}

	// Option customizes a Client.
	Option func(*Client)
)

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *UploadTransportError) Error() string {
	return "uploading file contents: " + e.Err.Error()
}

func (e *UploadTransportError) Cause() error { return e.Err }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAuthExpiredHook registers a callback invoked at most once per
// authenticated session when the API rejects the stored credentials.
func WithAuthExpiredHook(hook func()) Option {
	return func(c *Client) { c.authExpiredHook = hook }
}

// WithClock replaces the renewal scheduling clock.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a Client backed by the given Keyring. Renewal of a
// previously stored token resumes immediately.
func NewClient(baseURL string, ring Keyring, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		clock:   NewClock(),
		store:   NewCredentialStore(ring),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	c.session = NewSession(c.store, c, c.clock, c.logger)
	c.session.Resume()
	return c
}

func (c *Client) Store() *CredentialStore { return c.store }

// Login authenticates with the API and stores the returned credentials.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthPayload, error) {
	body := map[string]string{"email": email, "password": password}
	var payload AuthPayload
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &payload, false); err != nil {
		return nil, err
	}
	if err := c.session.SetAuth(payload); err != nil {
		return nil, err
	}

	// a fresh session re-arms the expired hook
	c.hookMutex.Lock()
	c.hookFired = false
	c.hookMutex.Unlock()
	return &payload, nil
}

// RefreshToken exchanges a refresh token for fresh credentials. The
// request is unauthenticated so a rejected refresh cannot trigger the
// expired-session handling it is trying to prevent.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*AuthPayload, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var payload AuthPayload
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", body, &payload, false); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Logout cancels pending renewal and clears stored credentials.
func (c *Client) Logout() error { return c.session.Clear() }

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var usr Identity
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &usr, true); err != nil {
		return nil, err
	}
	return &usr, nil
}

// SignUpload asks the API for a presigned upload for the given object key.
func (c *Client) SignUpload(ctx context.Context, objectKey, contentType string) (*storagesvc.SignedUpload, error) {
	body := map[string]string{"objectKey": objectKey, "contentType": contentType}
	var signed storagesvc.SignedUpload
	if err := c.do(ctx, http.MethodPost, "/api/uploads/sign", body, &signed, true); err != nil {
		return nil, err
	}
	return &signed, nil
}

// Upload signs an upload for the object key then PUTs the contents to
// object storage. Signing failures come back as API errors; transfer
// failures are wrapped in *UploadTransportError.
func (c *Client) Upload(ctx context.Context, objectKey, contentType string, contents io.Reader) (*storagesvc.SignedUpload, error) {
	signed, err := c.SignUpload(ctx, objectKey, contentType)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.UploadURL, contents)
	if err != nil {
		return nil, &UploadTransportError{Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UploadTransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UploadTransportError{Err: errors.Errorf("storage responded %s", resp.Status)}
	}
	return signed, nil
}

// do performs an API request. When authed, the stored access token is
// attached if present; a 401 then clears the session, fires the
// expired hook once and returns ErrAuthenticationExpired. Other non-2xx
// responses are normalized to *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, authed bool) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if token := c.store.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "performing request")
	}
	defer func() { _ = resp.Body.Close() }()

	if authed && resp.StatusCode == http.StatusUnauthorized {
		return c.expireAuth()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	return nil
}

// expireAuth clears the session and fires the hook. The stored
// credentials are gone no matter how many requests race into a 401;
// the hook only fires for the first, until the next successful login.
func (c *Client) expireAuth() error {
	if err := c.session.Clear(); err != nil {
		c.logger.Debug("client: clearing expired credentials: " + err.Error())
	}
	if c.authExpiredHook != nil {
		c.hookMutex.Lock()
		fired := c.hookFired
		c.hookFired = true
		c.hookMutex.Unlock()
		if !fired {
			c.authExpiredHook()
		}
	}
	return ErrAuthenticationExpired
}

func newAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// nopLogger discards everything; it keeps the zero-config path quiet.
type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}
