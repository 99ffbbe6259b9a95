package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/xping-dev/xping/pkg/batch"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "xping-agent/dev"
	maxErrorExcerpt  = 512
	maxResponseBody  = 64 << 10
)

var errTransient = errors.New("transient upload failure")

// Option configures an HTTP uploader.
type Option func(*httpUploader)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(u *httpUploader) { u.client = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(u *httpUploader) { u.userAgent = ua }
}

// Compile-time interface check.
var _ Uploader = (*httpUploader)(nil)

type httpUploader struct {
	log       logrus.FieldLogger
	cfg       *config.TelemetryConfig
	client    *http.Client
	userAgent string
	threshold int64
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[Result]
}

// uploadResponse is the body of a 2xx response.
type uploadResponse struct {
	ExecutionCount int    `json:"executionCount"`
	ReceiptID      string `json:"receiptId"`
}

// NewHTTPUploader creates an Uploader posting to cfg.Endpoint.
func NewHTTPUploader(log logrus.FieldLogger, cfg *config.TelemetryConfig, opts ...Option) Uploader {
	u := &httpUploader{
		log:       log.WithField("component", "uploader"),
		cfg:       cfg,
		client:    &http.Client{},
		userAgent: defaultUserAgent,
	}

	for _, opt := range opts {
		opt(u)
	}

	threshold, err := cfg.CompressionThresholdBytes()
	if err != nil {
		u.log.WithError(err).Warn("Invalid compression threshold, using 1KB")

		threshold = 1000
	}

	u.threshold = threshold

	if cfg.UploadRateLimit > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), 1)
	}

	cb := cfg.CircuitBreaker

	u.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "upload",
		MaxRequests: 1,
		Interval:    cb.SamplingWindow,
		Timeout:     cb.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cb.MinThroughput) {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) > cb.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			u.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Upload circuit breaker changed state")
		},
		// Only transient failures count against the breaker; permanent
		// rejections say nothing about service health.
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, errTransient)
		},
	})

	return u
}

// Upload optimizes, encodes and posts records, retrying transient
// failures.
func (u *httpUploader) Upload(ctx context.Context, records []execution.Record) Result {
	if !u.cfg.HasCredentials() {
		return Result{
			Kind:         KindConfiguration,
			ErrorMessage: "missing API key or project id: set telemetry.api_key and telemetry.project_id",
		}
	}

	if len(records) == 0 {
		return Result{Success: true}
	}

	body, compressed, err := u.encode(records)
	if err != nil {
		return Result{Kind: KindPermanent, ErrorMessage: err.Error()}
	}

	res, err := u.breaker.Execute(func() (Result, error) {
		r := u.send(ctx, body, compressed, sessionOf(records), len(records))
		if r.Kind == KindTransient {
			return r, errTransient
		}

		return r, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Result{
			Kind:         KindCircuitOpen,
			ErrorMessage: "circuit breaker open: upload skipped after repeated failures",
		}
	default:
		return res
	}
}

func sessionOf(records []execution.Record) string {
	for i := range records {
		if id := records[i].EffectiveSessionID(); id != "" {
			return id
		}
	}

	return ""
}

// encode renders the optimized envelope, gzip-compressing bodies above
// the configured threshold.
func (u *httpUploader) encode(records []execution.Record) ([]byte, bool, error) {
	data, err := json.Marshal(execution.Batch{Executions: batch.Optimize(records)})
	if err != nil {
		return nil, false, fmt.Errorf("encoding batch: %w", err)
	}

	if !u.cfg.Compression || int64(len(data)) <= u.threshold {
		return data, false, nil
	}

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("compressing batch: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compressing batch: %w", err)
	}

	return buf.Bytes(), true, nil
}

// send runs one upload with exponential backoff across attempts.
func (u *httpUploader) send(ctx context.Context, body []byte, compressed bool, sessionID string, count int) Result {
	var last Result

	operation := func() (Result, error) {
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return Result{}, backoff.Permanent(err)
			}
		}

		r, retryAfter := u.attempt(ctx, body, compressed, sessionID, count)
		last = r

		switch r.Kind {
		case KindNone:
			return r, nil
		case KindTransient:
			return r, retryError(r.ErrorMessage, retryAfter, u.cfg.RetryMaxDelay)
		default:
			return r, backoff.Permanent(errors.New(r.ErrorMessage))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.cfg.RetryBaseDelay
	b.MaxInterval = u.cfg.RetryMaxDelay

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(u.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			u.log.WithError(err).WithField("next_attempt_in", next).Debug("Upload attempt failed, retrying")
		}),
	)
	if err == nil {
		return res
	}

	if last.Kind == KindNone {
		// Nothing reached the server, e.g. the context ended while
		// waiting for the rate limiter.
		return Result{Kind: KindTransient, ErrorMessage: fmt.Sprintf("upload not attempted: %v", err)}
	}

	return last
}

// retryError builds the error for a transient failure. A server hint is
// honored exactly, capped at maxDelay; without one the exponential policy
// picks the next delay.
func retryError(msg string, hint, maxDelay time.Duration) error {
	if hint <= 0 {
		return errors.New(msg)
	}

	return &backoff.RetryAfterError{Duration: min(hint, maxDelay)}
}

// attempt performs a single HTTP request and classifies the response. The
// returned duration is the server's Retry-After hint, if any.
func (u *httpUploader) attempt(
	ctx context.Context,
	body []byte,
	compressed bool,
	sessionID string,
	count int,
) (Result, time.Duration) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, u.target(sessionID), bytes.NewReader(body))
	if err != nil {
		return Result{Kind: KindConfiguration, ErrorMessage: fmt.Sprintf("building request: %v", err)}, 0
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", u.cfg.APIKey)
	req.Header.Set("X-Project-Id", u.cfg.ProjectID)
	req.Header.Set("User-Agent", u.userAgent)

	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	start := time.Now()

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{
				Kind:         KindTransient,
				ErrorMessage: fmt.Sprintf("request timed out after %s", u.cfg.Timeout),
			}, 0
		}

		return Result{Kind: KindTransient, ErrorMessage: fmt.Sprintf("connection error: %v", err)}, 0
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	u.log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"records":  count,
		"bytes":    len(body),
		"gzip":     compressed,
		"duration": time.Since(start),
	}).Debug("Upload attempt finished")

	return classify(resp, respBody, count)
}

func (u *httpUploader) target(sessionID string) string {
	if sessionID == "" {
		return u.cfg.Endpoint
	}

	parsed, err := url.Parse(u.cfg.Endpoint)
	if err != nil {
		return u.cfg.Endpoint
	}

	q := parsed.Query()
	q.Set("sessionId", sessionID)
	parsed.RawQuery = q.Encode()

	return parsed.String()
}

// classify maps an HTTP response to a Result with an actionable message.
func classify(resp *http.Response, body []byte, count int) (Result, time.Duration) {
	status := resp.StatusCode
	res := Result{StatusCode: status}

	switch {
	case status >= 200 && status < 300:
		var parsed uploadResponse
		if len(bytes.TrimSpace(body)) > 0 {
			_ = json.Unmarshal(body, &parsed)
		}

		res.Success = true
		res.Count = count
		res.ReceiptID = parsed.ReceiptID

		if parsed.ExecutionCount > 0 {
			res.Count = parsed.ExecutionCount
		}

		return res, 0
	case status == http.StatusUnauthorized:
		res.Kind = KindPermanent
		res.ErrorMessage = "authentication failed (401): the API key was rejected, check telemetry.api_key"
	case status == http.StatusForbidden:
		res.Kind = KindPermanent
		res.ErrorMessage = "access denied (403): the API key has no access to this project, check telemetry.project_id"
	case status == http.StatusTooManyRequests:
		res.Kind = KindTransient
		res.ErrorMessage = "rate limited (429): the collection service asked the agent to slow down"

		return res, retryAfter(resp.Header.Get("Retry-After"))
	case status == http.StatusRequestTimeout:
		res.Kind = KindTransient
		res.ErrorMessage = "request timeout (408): the collection service did not receive the batch in time"
	case status >= 500:
		res.Kind = KindTransient
		res.ErrorMessage = fmt.Sprintf("server error (%d): the collection service is unavailable", status)
	default:
		res.Kind = KindPermanent
		res.ErrorMessage = fmt.Sprintf("upload rejected (%d): %s", status, excerpt(body))
	}

	return res, 0
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no response body"
	}

	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt] + "..."
	}

	return s
}
