package dropbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// roundTripperFunc adapts a function to http.RoundTripper, so tests can
// serve canned responses without a network listener. The production URLs
// are compiled in; the transport never dials them.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeClient builds a Client whose transport is fn and whose retry
// sleeps are recorded instead of slept.
func newFakeClient(fn roundTripperFunc) (*Client, *[]time.Duration) {
	client := NewClient(&http.Client{Transport: fn}, staticToken("token123"), discardLogger())

	var mu sync.Mutex

	slept := &[]time.Duration{}

	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()

		*slept = append(*slept, d)

		return nil
	}

	return client, slept
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClient_AuthAndUserAgentHeaders(t *testing.T) {
	var gotAuth, gotUA string

	client, _ := newFakeClient(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		gotUA = req.Header.Get("User-Agent")

		return jsonResponse(200, `{"account_id":"dbid:x","email":"e","name":{"display_name":"d"},"country":"FI"}`), nil
	})

	if _, err := client.AccountInfo(context.Background()); err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}

	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if gotUA != userAgent {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestClient_RetriesServerErrorThenSucceeds(t *testing.T) {
	attempts := 0

	client, slept := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return jsonResponse(500, `{"error_summary":"internal_error/.."}`), nil
		}

		return jsonResponse(200, `{"cursor":"c1"}`), nil
	})

	cursor, err := client.GetLatestCursor(context.Background(), "", true)
	if err != nil {
		t.Fatalf("GetLatestCursor: %v", err)
	}

	if cursor != "c1" {
		t.Errorf("cursor = %q", cursor)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestClient_TerminalErrorAfterMaxRetries(t *testing.T) {
	attempts := 0

	client, _ := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		attempts++
		return jsonResponse(503, `{"error_summary":"unavailable"}`), nil
	})

	_, err := client.GetLatestCursor(context.Background(), "", true)
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("err = %v, want ErrServerError", err)
	}

	if attempts != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", attempts, maxRetries+1)
	}
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	attempts := 0

	client, _ := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		attempts++
		return jsonResponse(409, `{"error_summary":"path/not_found/.."}`), nil
	})

	_, err := client.ListFolder(context.Background(), "/nope", false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (409 is terminal)", attempts)
	}
}

func TestClient_CursorResetClassified(t *testing.T) {
	client, _ := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		return jsonResponse(409, `{"error_summary":"reset/.."}`), nil
	})

	_, err := client.ListFolderContinue(context.Background(), "stale-cursor")
	if !errors.Is(err, ErrCursorReset) {
		t.Fatalf("err = %v, want ErrCursorReset", err)
	}

	var dbxErr *Error
	if !errors.As(err, &dbxErr) {
		t.Fatal("error is not a *Error")
	}

	if dbxErr.StatusCode != 409 || dbxErr.ErrorSummary != "reset/.." {
		t.Errorf("dbxErr = %+v", dbxErr)
	}
}

func TestClient_RetryAfterHeaderHonored(t *testing.T) {
	attempts := 0

	client, slept := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			resp := jsonResponse(429, `{"error_summary":"too_many_requests/.."}`)
			resp.Header.Set("Retry-After", "7")

			return resp, nil
		}

		return jsonResponse(200, `{"cursor":"c1"}`), nil
	})

	if _, err := client.GetLatestCursor(context.Background(), "", true); err != nil {
		t.Fatalf("GetLatestCursor: %v", err)
	}

	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Errorf("slept = %v, want [7s]", *slept)
	}
}

func TestClient_RetryRewindsBody(t *testing.T) {
	var bodies []string

	attempts := 0

	client, _ := newFakeClient(func(req *http.Request) (*http.Response, error) {
		attempts++

		data, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(data))

		if attempts == 1 {
			return jsonResponse(500, `{}`), nil
		}

		return jsonResponse(200, `{"cursor":"c1"}`), nil
	})

	if _, err := client.GetLatestCursor(context.Background(), "/sub", true); err != nil {
		t.Fatalf("GetLatestCursor: %v", err)
	}

	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[0] == "" {
		t.Errorf("request bodies across retries = %q", bodies)
	}
}

func TestClient_ContextCancellationStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client, _ := newFakeClient(func(_ *http.Request) (*http.Response, error) {
		cancel()
		return nil, context.Canceled
	})

	_, err := client.GetLatestCursor(ctx, "", true)
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}

func TestCalcBackoff_GrowsAndCaps(t *testing.T) {
	client, _ := newFakeClient(nil)

	small := client.calcBackoff(0)
	if small < 750*time.Millisecond || small > 1250*time.Millisecond {
		t.Errorf("calcBackoff(0) = %v, want ~1s +/- 25%%", small)
	}

	huge := client.calcBackoff(20)
	if huge > time.Duration(float64(maxBackoff)*1.25) {
		t.Errorf("calcBackoff(20) = %v, exceeds jittered cap", huge)
	}
}

func TestSetChunkSize(t *testing.T) {
	client, _ := newFakeClient(nil)

	client.SetChunkSize(1024)

	if client.chunkSize != 1024 {
		t.Errorf("chunkSize = %d", client.chunkSize)
	}

	client.SetChunkSize(0)

	if client.chunkSize != 1024 {
		t.Error("SetChunkSize(0) must be ignored")
	}
}
