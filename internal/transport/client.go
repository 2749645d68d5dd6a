// Package transport implements the homeserver HTTP client used by the
// sync and encryption engines: to-device message delivery, read
// receipts and the server-held session key backup.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	weberr "github.com/weftchat/weft/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// apiPrefix is the client-server API version prefix.
	apiPrefix = "/_matrix/client/v3"
)

// apiError is the error body the homeserver returns alongside non-200
// statuses.
type apiError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

// Client talks to the homeserver client-server API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	accessToken   string
	backupVersion string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the access token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a homeserver client with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(httpClient *http.Client, homeserverURL, accessToken string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(homeserverURL, "/"),
		accessToken: accessToken,
	}
}

// SetBackupVersion selects the key backup version used by session
// backup fetches.
func (c *Client) SetBackupVersion(version string) {
	c.backupVersion = version
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and returns the raw response body.
func (c *Client) do(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			if resp.StatusCode == http.StatusNotFound || apiErr.Code == "M_NOT_FOUND" {
				return nil, fmt.Errorf("%s: %w", endpoint, weberr.ErrNotFound)
			}

			err := fmt.Errorf("%w: %s (%d) %s: %s", weberr.ErrAPIRequest, endpoint, resp.StatusCode, apiErr.Code, apiErr.Message)
			if isTransientStatus(resp.StatusCode) || apiErr.Code == "M_LIMIT_EXCEEDED" {
				return nil, &TransientError{Err: err}
			}

			return nil, err
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", endpoint, weberr.ErrNotFound)
		}

		err := fmt.Errorf("%w: %s returned status %d: %s", weberr.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// SendToDevice delivers device-addressed messages under the given event
// type, keyed by user id then device id.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage, txnID string) error {
	endpoint := fmt.Sprintf("/sendToDevice/%s/%s", url.PathEscape(eventType), url.PathEscape(txnID))

	body := struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}{Messages: messages}

	if _, err := c.do(ctx, http.MethodPut, endpoint, body); err != nil {
		return fmt.Errorf("sending to-device messages: %w", err)
	}

	return nil
}

// SendReceipt marks an event as read.
func (c *Client) SendReceipt(ctx context.Context, roomID, eventID string) error {
	endpoint := fmt.Sprintf("/rooms/%s/receipt/m.read/%s", url.PathEscape(roomID), url.PathEscape(eventID))

	if _, err := c.do(ctx, http.MethodPost, endpoint, struct{}{}); err != nil {
		return fmt.Errorf("sending read receipt: %w", err)
	}

	return nil
}

// BackupVersionInfo describes the server's current key backup.
type BackupVersionInfo struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Version   string          `json:"version"`
	Count     int             `json:"count"`
}

// GetLatestBackupVersion fetches the current key backup version, or
// errors.ErrNotFound (wrapped) when no backup exists.
func (c *Client) GetLatestBackupVersion(ctx context.Context) (*BackupVersionInfo, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/room_keys/version", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching backup version: %w", err)
	}

	var info BackupVersionInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding backup version: %v", weberr.ErrAPIResponse, err)
	}

	return &info, nil
}

// GetSessionBackup fetches one backed-up session, or errors.ErrNotFound
// (wrapped) when the backup has no copy of it.
func (c *Client) GetSessionBackup(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("/room_keys/keys/%s/%s", url.PathEscape(roomID), url.PathEscape(sessionID))
	if c.backupVersion != "" {
		endpoint += "?version=" + url.QueryEscape(c.backupVersion)
	}

	respBody, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching backed-up session: %w", err)
	}

	return respBody, nil
}
