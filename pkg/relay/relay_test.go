package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xping-dev/xping/pkg/collector"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/session"
)

type fakePipeline struct {
	mu      sync.Mutex
	records []execution.Record
	flushes int
}

func (f *fakePipeline) RecordTestExecutions(_ context.Context, records []execution.Record) collector.FlushResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records = append(f.records, records...)

	return collector.FlushResult{Success: true}
}

func (f *fakePipeline) FlushSession(context.Context) collector.FlushResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flushes++

	return collector.FlushResult{Success: true, Count: len(f.records)}
}

func (f *fakePipeline) Stats(context.Context) session.Stats {
	return session.Stats{SessionID: "s-1", Health: f.Health()}
}

func (f *fakePipeline) Health() session.Health {
	return session.Health{Healthy: true}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestServer(cfg *config.RelayConfig) (Server, *fakePipeline) {
	p := &fakePipeline{}

	return NewServer(testLogger(), cfg, p), p
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

const validReport = `{"results":[
 {"fullyQualifiedName":"Shop.Cart.Adds","outcome":"passed","durationMs":12},
 {"fullyQualifiedName":"Shop.Cart.Removes","outcome":"failed","durationMs":3,"errorType":"AssertionError","errorMessage":"boom"}
]}`

func TestHandleExecutions(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantAccepted int
		wantRejected int
	}{
		{
			name:         "all valid",
			body:         validReport,
			wantStatus:   http.StatusAccepted,
			wantAccepted: 2,
		},
		{
			name: "partially valid",
			body: `{"results":[
 {"fullyQualifiedName":"Shop.Cart.Adds","outcome":"passed"},
 {"fullyQualifiedName":"NoSeparator","outcome":"passed"}
]}`,
			wantStatus:   http.StatusAccepted,
			wantAccepted: 1,
			wantRejected: 1,
		},
		{
			name:         "all invalid",
			body:         `{"results":[{"fullyQualifiedName":"Shop.Cart.Adds","outcome":"exploded"}]}`,
			wantStatus:   http.StatusBadRequest,
			wantRejected: 1,
		},
		{
			name:       "malformed json",
			body:       `{"results":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, p := newTestServer(&config.RelayConfig{})

			rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/executions", tt.body, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp ingestResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

			assert.Equal(t, tt.wantAccepted, resp.Accepted)
			assert.Len(t, resp.Rejected, tt.wantRejected)
			assert.Len(t, p.records, tt.wantAccepted)
		})
	}
}

func TestHandleExecutions_RecordsCarryIdentity(t *testing.T) {
	srv, p := newTestServer(&config.RelayConfig{})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/executions", validReport, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, p.records, 2)
	assert.NotEqual(t, p.records[0].Identity.TestID, p.records[1].Identity.TestID)
	assert.Equal(t, execution.OutcomeFailed, p.records[1].Outcome)
}

func TestRequireToken(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
	}{
		{
			name:       "missing token",
			path:       "/api/v1/stats",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			path:       "/api/v1/stats",
			header:     map[string]string{"Authorization": "Bearer nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid token",
			path:       "/api/v1/stats",
			header:     map[string]string{"Authorization": "Bearer s3cret"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "health is public",
			path:       "/api/v1/health",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(&config.RelayConfig{Token: "s3cret"})

			rec := do(t, srv.Handler(), http.MethodGet, tt.path, "", tt.header)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleFlushAndStats(t *testing.T) {
	srv, p := newTestServer(&config.RelayConfig{})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/flush", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.flushes)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s-1"`)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(&config.RelayConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	header := map[string]string{"X-Forwarded-For": "10.0.0.1"}

	for range 2 {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "", header)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "", header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "",
		map[string]string{"X-Forwarded-For": "10.0.0.2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	srv, _ := newTestServer(&config.RelayConfig{Listen: "127.0.0.1:0"})

	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}
