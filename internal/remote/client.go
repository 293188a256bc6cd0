// Package remote is the agent's HTTP client for the referral sync server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

const (
	tokenPath = "/api/v1/auth/token"
	pushPath  = "/api/v1/sync/push"
	pullPath  = "/api/v1/sync/pull"

	// tokens are refreshed this long before they expire
	tokenSkew = 30 * time.Second
)

// Client implements RemoteStore over the sync server's HTTP API
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	deviceID string
	secret   string
	tracing  *monitoring.TracingManager
	logger   *logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	token *types.AuthToken
}

var _ interfaces.RemoteStore = (*Client)(nil)

// NewClient creates a client for the server at baseURL
func NewClient(baseURL, deviceID, secret string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  u,
		http:     &http.Client{Timeout: timeout},
		deviceID: deviceID,
		secret:   secret,
		logger:   log,
		now:      time.Now,
	}, nil
}

// SetTracing propagates the caller's trace context to the server
func (c *Client) SetTracing(tm *monitoring.TracingManager) {
	c.tracing = tm
}

// Push sends a batch of local changes
func (c *Client) Push(ctx context.Context, req *types.PushRequest) (*types.PushResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}

	var resp types.PushResponse
	if err := c.call(ctx, http.MethodPost, pushPath, nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(req.Changes) {
		return nil, types.NewExternalError(
			types.ErrCodeRemoteUnavailable,
			fmt.Sprintf("server returned %d results for %d changes", len(resp.Results), len(req.Changes)),
			nil,
		)
	}
	return &resp, nil
}

// Pull fetches one page of remote changes after cursor
func (c *Client) Pull(ctx context.Context, cursor int64, limit int) (*types.PullResponse, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp types.PullResponse
	if err := c.call(ctx, http.MethodGet, pullPath, query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges the device credentials for a fresh access token
func (c *Client) Login(ctx context.Context) (*types.AuthToken, error) {
	creds := types.DeviceCredentials{DeviceID: c.deviceID, Secret: c.secret}

	var token types.AuthToken
	status, err := c.do(ctx, http.MethodPost, tokenPath, nil, creds, "", &token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("device %s refused by server: %w", c.deviceID, types.ErrUnauthorized)
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = c.now()
	}

	c.mu.Lock()
	c.token = &token
	c.mu.Unlock()

	c.logger.WithComponent("remote").WithField("expires_in", token.ExpiresIn).Debug("Obtained access token")
	return &token, nil
}

// accessToken returns the cached token, logging in when it is missing or about to expire
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != nil && c.now().Add(tokenSkew).Before(token.ExpiresAt()) {
		return token.AccessToken, nil
	}

	token, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// call performs an authenticated request, logging in again once when the token is refused
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		status, err := c.do(ctx, method, path, query, body, token, out)
		if err != nil {
			return err
		}
		if status != http.StatusUnauthorized {
			return nil
		}

		c.invalidate()
		if attempt > 0 {
			return fmt.Errorf("%s %s: %w", method, path, types.ErrUnauthorized)
		}
		c.logger.WithComponent("remote").Info("Access token refused, logging in again")
	}
}

// do sends one request. A 401 is returned as a status for the caller to handle;
// other non-2xx statuses and transport failures become errors.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, token string, out interface{}) (int, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.tracing != nil {
		c.tracing.InjectTraceContext(ctx, req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, types.NewExternalError(types.ErrCodeRemoteUnavailable, method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(method, path, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, types.NewExternalError(types.ErrCodeRemoteUnavailable, "invalid response from "+path, err)
		}
	}
	return resp.StatusCode, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusError(method, path string, resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	code := body.Code
	if code == "" {
		code = types.ErrCodeRemoteUnavailable
	}
	msg := fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)
	if body.Message != "" {
		msg += ": " + body.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &types.AppError{Type: types.ErrorTypeRateLimit, Code: types.ErrCodeRateLimitExceeded, Message: msg}
	case resp.StatusCode >= 500:
		return types.NewExternalError(types.ErrCodeRemoteUnavailable, msg, nil)
	default:
		return types.NewValidationError(code, msg, nil)
	}
}
