package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// API endpoint roots. rpcBaseURL serves argument-and-JSON-response calls;
// contentBaseURL serves the upload/download endpoints, which move the
// request argument into the Dropbox-API-Arg header and use the body for
// raw bytes.
const (
	rpcBaseURL      = "https://api.dropboxapi.com/2"
	contentBaseURL  = "https://content.dropboxapi.com/2"
	longpollBaseURL = "https://notify.dropboxapi.com/2"
)

// Retry policy: base 1s, factor 2x, max 60s, +/-25% jitter, max 5 retries.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "dropbox-go/0.1"
)

// DefaultChunkSize is the per-request size Upload uses for a chunked
// upload session, and the largest file size it will still send as a
// single request. It matches the service's own single-shot limit.
const DefaultChunkSize int64 = 150 * 1024 * 1024

// TokenSource provides OAuth2 bearer tokens.
// Defined at the consumer (dropbox/) per "accept interfaces, return
// structs" — do not move this interface to the auth provider package.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the Dropbox API v2. It handles request
// construction, authentication, retry with exponential backoff, and error
// classification.
type Client struct {
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// chunkSize bounds both the threshold above which Upload switches to
	// a chunked session and the size of each request within that session.
	chunkSize int64

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Dropbox API client.
func NewClient(httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		chunkSize:  DefaultChunkSize,
		sleepFunc:  timeSleep,
	}
}

// SetChunkSize overrides the request size Upload uses for chunked upload
// sessions (transfers.chunk_size). Values <= 0 are ignored.
func (c *Client) SetChunkSize(bytes int64) {
	if bytes <= 0 {
		return
	}

	c.chunkSize = bytes
}

// rpcCall executes an RPC-style endpoint: the argument is JSON-encoded as
// the request body, and the response body is JSON-decoded into out.
// Returns a *Error wrapping a sentinel on non-2xx (use errors.Is to
// classify).
func (c *Client) rpcCall(ctx context.Context, path string, arg, out any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("dropbox: encoding request for %s: %w", path, err)
	}

	resp, err := c.doRetry(ctx, rpcBaseURL+path, "application/json", bytes.NewReader(body), nil)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dropbox: decoding response from %s: %w", path, err)
	}

	return nil
}

// contentUpload executes a content-style upload endpoint: the argument
// travels in the Dropbox-API-Arg header (JSON, ASCII-escaped), and r is
// streamed as the raw request body.
func (c *Client) contentUpload(ctx context.Context, path string, arg any, r io.Reader) (*http.Response, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding upload arg for %s: %w", path, err)
	}

	headers := http.Header{
		"Dropbox-API-Arg": []string{string(argJSON)},
	}

	return c.doRetry(ctx, contentBaseURL+path, "application/octet-stream", r, headers)
}

// contentDownload executes a content-style download endpoint. The argument
// travels in the Dropbox-API-Arg header; the response metadata arrives in
// the same header on the reply, and the file bytes are the response body.
func (c *Client) contentDownload(ctx context.Context, path string, arg any) (*http.Response, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding download arg for %s: %w", path, err)
	}

	headers := http.Header{
		"Dropbox-API-Arg": []string{string(argJSON)},
	}

	return c.doRetry(ctx, contentBaseURL+path, "", nil, headers)
}

// doRetry is the shared retry loop for rpcCall, contentUpload, and
// contentDownload. The caller is responsible for closing the returned
// response body on success.
func (c *Client) doRetry(
	ctx context.Context, url, contentType string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	var attempt int

	for {
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, url, contentType, body, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dropbox: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("url", url),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("dropbox: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("dropbox: %s failed after %d retries: %w", url, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		summary := extractErrorSummary(errBody)

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("dropbox: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, c.terminalError(url, resp.StatusCode, summary, attempt)
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, url, contentType string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for key, vals := range extraHeaders {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", slog.String("url", url), slog.String("error", err.Error()))
		return nil, err
	}

	c.logger.Debug("HTTP response received",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// terminalError builds an Error and logs the final failure.
func (c *Client) terminalError(url string, statusCode int, summary string, attempt int) *Error {
	sentinel := classifyStatus(statusCode)
	if statusCode == http.StatusConflict && isCursorReset(summary) {
		sentinel = ErrCursorReset
	}

	dropboxErr := &Error{
		StatusCode:   statusCode,
		Path:         url,
		ErrorSummary: summary,
		Err:          sentinel,
	}

	if attempt > 0 {
		c.logger.Error("request failed after retries",
			slog.String("url", url),
			slog.Int("status", statusCode),
			slog.Int("attempts", attempt+1),
		)
	} else {
		c.logger.Warn("request failed", slog.String("url", url), slog.Int("status", statusCode))
	}

	return dropboxErr
}

// extractErrorSummary pulls the "error_summary" field out of a Dropbox
// error response body, falling back to the raw body if parsing fails.
func extractErrorSummary(body []byte) string {
	var parsed struct {
		ErrorSummary string `json:"error_summary"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && parsed.ErrorSummary != "" {
		return parsed.ErrorSummary
	}

	return string(body)
}

// retryBackoff returns the backoff duration for a retryable response. The
// Retry-After header takes precedence over calculated backoff for 429s.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with +/-25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// rewindBody seeks an io.Reader back to offset 0 if it implements
// io.Seeker, so retries resend the full payload.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("dropbox: rewinding request body for retry: %w", err)
		}
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
