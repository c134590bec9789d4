package netpulse

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatusError is the failure the transport reports for a response status it
// did not accept. Callers that need the code (rather than the text) unwrap it
// with errors.Cause.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// RetryPolicy configures the retry loop of a Transport. It is immutable after
// the Transport is constructed.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay computes the backoff before retry number attempt+1. With jitter
// enabled the capped exponential delay is scaled by a uniform random factor
// in [0.5, 1.5).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// TransportOption configures a Transport instance.
type TransportOption func(*Transport)

func WithRetryPolicy(p RetryPolicy) TransportOption {
	return func(t *Transport) {
		t.retry = p.withDefaults()
	}
}

func WithBreakerSettings(s BreakerSettings) TransportOption {
	return func(t *Transport) {
		t.breaker = newCircuitBreaker(s)
	}
}

func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		t.client = c
	}
}

func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) {
		t.userAgent = ua
	}
}

// Transport executes outbound HTTP calls with retry and circuit-breaker
// protection. One instance owns one breaker; traffic with independent failure
// domains (probing vs. result upload) belongs on separate instances.
type Transport struct {
	client    *http.Client
	retry     RetryPolicy
	breaker   *circuitBreaker
	userAgent string

	sleep func(context.Context, time.Duration) error // test hook
}

func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DisableKeepAlives: false,
				Proxy:             http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 15 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		retry:   RetryPolicy{}.withDefaults(),
		breaker: newCircuitBreaker(BreakerSettings{}),
		sleep:   sleepContext,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Close releases idle connections. Owners must call it on shutdown; nothing
// here relies on garbage collection for cleanup.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

// BreakerState exposes the breaker position for diagnostics.
func (t *Transport) BreakerState() CircuitState {
	return t.breaker.State()
}

// retryableStatus reports whether a response status is worth another attempt.
// Client errors other than 429 are not: retrying cannot fix them.
func retryableStatus(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
		return false
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// Do executes req with the retry loop, consulting the circuit breaker before
// every attempt. While the breaker is open it fails fast with ErrCircuitOpen
// and performs no network I/O. Every attempt, success or failure, updates the
// breaker exactly once. The request context bounds the whole sequence
// including backoff sleeps.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if err := t.breaker.allow(); err != nil {
		return nil, err
	}

	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := t.breaker.allow(); err != nil {
				return nil, err
			}
		}

		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			attemptReq.Body = body
		}

		resp, err := t.client.Do(attemptReq)
		if err != nil {
			lastErr = err
			t.breaker.recordFailure()
			logrus.Debugf("transport: %s %s attempt %d/%d failed: %s",
				req.Method, req.URL, attempt+1, t.retry.MaxRetries+1, err.Error())

			if ctx.Err() != nil {
				// caller gave up, the budget no longer matters
				return nil, lastErr
			}
			if attempt >= t.retry.MaxRetries {
				return nil, lastErr
			}
			if serr := t.sleep(ctx, t.retry.Delay(attempt)); serr != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 400 {
			statusErr := errors.Wrapf(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status}, "%s %s", req.Method, req.URL)
			drainBody(resp)
			t.breaker.recordFailure()

			if !retryableStatus(resp.StatusCode) {
				return nil, statusErr
			}

			lastErr = statusErr
			if attempt >= t.retry.MaxRetries {
				return nil, lastErr
			}
			if serr := t.sleep(ctx, t.retry.Delay(attempt)); serr != nil {
				return nil, lastErr
			}
			continue
		}

		t.breaker.recordSuccess()
		return resp, nil
	}

	return nil, lastErr
}

// Get issues a GET through the retry/breaker machinery.
func (t *Transport) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return t.roundTrip(ctx, http.MethodGet, url, nil, headers)
}

// Head issues a HEAD through the retry/breaker machinery.
func (t *Transport) Head(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return t.roundTrip(ctx, http.MethodHead, url, nil, headers)
}

// Post issues a POST through the retry/breaker machinery.
func (t *Transport) Post(ctx context.Context, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	return t.roundTrip(ctx, http.MethodPost, url, body, headers)
}

func (t *Transport) roundTrip(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.Do(req)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(ioutil.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
