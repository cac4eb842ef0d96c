package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-payments/internal/obs"
)

// StatusError reports an upstream 5xx that exhausted the retry budget.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPClient wraps an http.Client with per-attempt timeout, bounded retries and
// a circuit breaker. Responses below 500 are returned to the caller untouched.
// Non-idempotent requests without an idempotency key are sent once.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// NewTracedClient returns an http.Client whose transport emits client spans.
func NewTracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// Do executes req, buffering its body so that retries replay the same bytes.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := cl.MaxAttempts
	if attempts <= 0 || !retryable(req) {
		attempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp *http.Response
		call := func(ctx context.Context) error {
			r, err := cl.doOnce(ctx, req, body)
			if err != nil {
				return err
			}
			if r.StatusCode >= http.StatusInternalServerError {
				_, _ = io.Copy(io.Discard, r.Body)
				_ = r.Body.Close()
				return &StatusError{StatusCode: r.StatusCode}
			}
			resp = r
			return nil
		}
		if cl.Breaker != nil {
			lastErr = cl.Breaker.Execute(ctx, call)
		} else {
			lastErr = call(ctx)
		}
		if lastErr == nil {
			obs.ObserveProvider(cl.target(), "ok", obs.DurationMillis(time.Since(start)))
			return resp, nil
		}
		if errors.Is(lastErr, ErrOpenCircuit) || attempt == attempts {
			break
		}
		timer := time.NewTimer(Backoff(cl.BaseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	obs.ObserveProvider(cl.target(), "error", obs.DurationMillis(time.Since(start)))
	return nil, lastErr
}

// retryable follows net/http: a request may be replayed when its method is
// idempotent or when it carries an idempotency key the upstream can dedupe on.
func retryable(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return req.Header.Get("Idempotency-Key") != "" || req.Header.Get("X-Idempotency-Key") != ""
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	// The response body outlives this call, so the attempt context is only
	// cancelled through the caller's context.
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		resp, err := cl.Client.Do(cloneRequest(ctx, req, body))
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return cl.Client.Do(cloneRequest(ctx, req, body))
}

func (cl HTTPClient) target() string {
	if cl.Target != "" {
		return cl.Target
	}
	if cl.Breaker != nil {
		return cl.Breaker.Target()
	}
	return "default"
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
