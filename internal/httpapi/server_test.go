package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/omnivia/importd/internal/admission"
	"github.com/omnivia/importd/internal/importer"
	"github.com/omnivia/importd/internal/staging"
)

const (
	testBearer        = "import-secret"
	testCorrelationID = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	testBatchID       = "0b9f3a6e-2a63-4d3b-8f5e-1f2f3c4d5e6f"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

type testEnv struct {
	server     *Server
	backend    *staging.MemoryBackend
	controller *admission.Controller
	registry   *prometheus.Registry
}

type testOptions struct {
	importer     Importer
	admission    admission.Config
	bearer       BearerSource
	maxBodyBytes int64
}

func newTestEnv(t *testing.T, opts testOptions) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	backend := staging.NewMemoryBackend()
	now := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)
	controller := admission.NewController(opts.admission,
		admission.WithClock(func() time.Time { return now }),
		admission.WithLogger(log))

	imp := opts.importer
	if imp == nil {
		imp = importer.NewService(importer.ServiceOptions{Store: backend, Merger: backend, Logger: log})
	}
	bearer := opts.bearer
	if bearer == nil {
		bearer = StaticBearer(testBearer)
	}
	registry := prometheus.NewRegistry()
	server := NewServerWithConfig(imp, controller, ServerConfig{
		Bearer:         bearer,
		MaxBodyBytes:   opts.maxBodyBytes,
		Logger:         log,
		Metrics:        NewMetrics(registry, controller),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	return &testEnv{server: server, backend: backend, controller: controller, registry: registry}
}

func authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + testBearer,
		"Content-Type":  "application/json",
	}
}

func validEnvelope() map[string]any {
	return map[string]any{
		"tenant_id":      "tenant-a",
		"source":         "nbn-feed",
		"batch_id":       testBatchID,
		"correlation_id": testCorrelationID,
		"rows": []any{
			map[string]any{"stage_application": "STG-001", "delivery_partner": "Acme", "latitude": "-33.86", "longitude": "151.21"},
			map[string]any{"stage_application": "STG-002", "delivery_partner": "Acme", "latitude": -33.87, "longitude": 151.22, "premises_count": "12"},
		},
	}
}

func importRequest(body any) request {
	return request{method: http.MethodPost, path: DefaultImportPath, headers: authHeaders(), body: body}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), "body: %s", rec.Body.String())
	return payload
}

func assertReleased(t *testing.T, c *admission.Controller) {
	t.Helper()
	stats := c.Stats()
	assert.Zero(t, stats.GlobalInFlight)
	assert.Empty(t, stats.TenantInFlight)
}

func TestImportRequiresBearer(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	rec := doRequest(t, env.server, request{method: http.MethodPost, path: DefaultImportPath, body: validEnvelope()})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing bearer token", decodeBody(t, rec)["error"])

	rec = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    DefaultImportPath,
		headers: map[string]string{"Authorization": "Bearer nope"},
		body:    validEnvelope(),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid bearer token", decodeBody(t, rec)["error"])

	rec = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    DefaultImportPath,
		headers: map[string]string{"Authorization": testBearer},
		body:    validEnvelope(),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assertReleased(t, env.controller)
}

func TestImportWithoutConfiguredSecretIsServerError(t *testing.T) {
	env := newTestEnv(t, testOptions{bearer: StaticBearer("")})
	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server misconfigured: missing PROJECTS_IMPORT_BEARER", decodeBody(t, rec)["error"])
}

type rotatingBearer struct {
	mu    sync.Mutex
	value string
}

func (b *rotatingBearer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func TestImportFollowsRotatedBearer(t *testing.T) {
	bearer := &rotatingBearer{value: "old-secret"}
	env := newTestEnv(t, testOptions{bearer: bearer})

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	bearer.mu.Lock()
	bearer.value = testBearer
	bearer.mu.Unlock()
	rec = doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestImportRejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := doRequest(t, env.server, request{method: method, path: DefaultImportPath, headers: authHeaders()})
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/nothing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestImportRejectsDeclaredOversizeBeforeReading(t *testing.T) {
	blocking := &blockingImporter{}
	env := newTestEnv(t, testOptions{importer: blocking})

	req := httptest.NewRequest(http.MethodPost, DefaultImportPath, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testBearer)
	req.ContentLength = DefaultMaxBodyBytes + 1
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large (gt 5 MB)", decodeBody(t, rec)["error"])
	assert.Zero(t, blocking.calls())
	assertReleased(t, env.controller)
}

func TestImportRejectsOversizeBody(t *testing.T) {
	env := newTestEnv(t, testOptions{maxBodyBytes: 64})

	req := httptest.NewRequest(http.MethodPost, DefaultImportPath, io.NopCloser(strings.NewReader(strings.Repeat(" ", 65)+"{}")))
	req.Header.Set("Authorization", "Bearer "+testBearer)
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large (gt 64 bytes)", decodeBody(t, rec)["error"])
}

func TestImportRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	cases := map[string]struct {
		body    string
		message string
	}{
		"truncated":     {`{"tenant_id":`, "Malformed JSON"},
		"trailing data": {`{"tenant_id":"t"} {}`, "Malformed JSON"},
		"array":         {`[{"tenant_id":"t"}]`, "Body must be a JSON object"},
		"string":        {`"hello"`, "Body must be a JSON object"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doRawRequest(t, env.server, rawRequest{
				method:  http.MethodPost,
				path:    DefaultImportPath,
				headers: authHeaders(),
				body:    []byte(tc.body),
			})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.message, decodeBody(t, rec)["error"])
		})
	}
	assertReleased(t, env.controller)
}

func TestImportNamesMissingField(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	body := validEnvelope()
	delete(body, "tenant_id")

	rec := doRequest(t, env.server, importRequest(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "Missing required field: tenant_id", payload["error"])
	assert.Equal(t, "tenant_id", payload["field"])
}

func TestImportRejectsRowsOutOfBounds(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	body := validEnvelope()
	body["rows"] = []any{}

	rec := doRequest(t, env.server, importRequest(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "rows", payload["field"])
	assert.Equal(t, "rows length must be between 1 and 5000", payload["error"])
	assertReleased(t, env.controller)
}

func TestImportMergesAndReportsMetrics(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		TenantID      string              `json:"tenant_id"`
		BatchID       string              `json:"batch_id"`
		CorrelationID string              `json:"correlation_id"`
		Metrics       staging.MergeResult `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "tenant-a", result.TenantID)
	assert.Equal(t, testBatchID, result.BatchID)
	assert.Equal(t, testCorrelationID, result.CorrelationID)
	assert.Equal(t, int64(2), result.Metrics.InsertedProjects)
	assert.Equal(t, int64(2), result.Metrics.OrgMembershipsUpserted)
	assert.NotEmpty(t, result.Metrics.StagingID)

	payload := decodeBody(t, rec)
	assert.NotContains(t, payload, "checksum")
	assert.Contains(t, payload["metrics"], "anomalies_count")
	assertReleased(t, env.controller)
}

func TestImportResubmissionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	first := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	again := validEnvelope()
	rows := again["rows"].([]any)
	again["rows"] = []any{rows[1], rows[0]}
	again["batch_id"] = "retry-7"
	delete(again, "correlation_id")
	second := doRequest(t, env.server, importRequest(again))
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	firstMetrics := decodeBody(t, first)["metrics"].(map[string]any)
	secondMetrics := decodeBody(t, second)["metrics"].(map[string]any)
	assert.Equal(t, firstMetrics["staging_id"], secondMetrics["staging_id"])
	assert.Equal(t, float64(0), secondMetrics["inserted_projects"])
	assert.Equal(t, float64(0), secondMetrics["updated_projects"])

	records, err := env.backend.List(context.Background(), "tenant-a", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestImportRateLimitedAfterBurst(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	for i := 0; i < admission.DefaultBurst; i++ {
		rec := doRequest(t, env.server, importRequest(validEnvelope()))
		require.Equal(t, http.StatusOK, rec.Code, "request %d: %s", i+1, rec.Body.String())
	}

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	payload := decodeBody(t, rec)
	assert.Equal(t, "rate_limited", payload["error"])
	assert.Equal(t, "tenant-a", payload["tenant"])
	assert.Equal(t, float64(1000), payload["retry_after_ms"])

	other := validEnvelope()
	other["tenant_id"] = "tenant-b"
	rec = doRequest(t, env.server, importRequest(other))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertReleased(t, env.controller)
}

type blockingImporter struct {
	mu      sync.Mutex
	n       int
	entered chan struct{}
	release chan struct{}
}

func (b *blockingImporter) Import(ctx context.Context, env importer.Envelope) (importer.Result, error) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return importer.Result{}, ctx.Err()
		}
	}
	return importer.Result{TenantID: env.TenantID, BatchID: env.BatchID, CorrelationID: env.CorrelationID}, nil
}

func (b *blockingImporter) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestImportTenantConcurrencyLimit(t *testing.T) {
	blocking := &blockingImporter{entered: make(chan struct{}, 2), release: make(chan struct{})}
	env := newTestEnv(t, testOptions{importer: blocking})

	var group errgroup.Group
	codes := make([]int, 2)
	for i := range codes {
		group.Go(func() error {
			codes[i] = doRequest(t, env.server, importRequest(validEnvelope())).Code
			return nil
		})
	}
	<-blocking.entered
	<-blocking.entered

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "tenant-a", payload["tenant"])
	assert.Equal(t, float64(1000), payload["retry_after_ms"])

	other := validEnvelope()
	other["tenant_id"] = "tenant-b"
	otherDone := make(chan int, 1)
	go func() { otherDone <- doRequest(t, env.server, importRequest(other)).Code }()
	<-blocking.entered

	close(blocking.release)
	require.NoError(t, group.Wait())
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	assert.Equal(t, http.StatusOK, <-otherDone)
	assertReleased(t, env.controller)
}

func TestImportGlobalConcurrencyLimit(t *testing.T) {
	blocking := &blockingImporter{entered: make(chan struct{}, 2), release: make(chan struct{})}
	env := newTestEnv(t, testOptions{importer: blocking, admission: admission.Config{GlobalConcurrency: 2}})

	var group errgroup.Group
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		body := validEnvelope()
		body["tenant_id"] = tenant
		group.Go(func() error {
			if code := doRequest(t, env.server, importRequest(body)).Code; code != http.StatusOK {
				return fmt.Errorf("tenant %s: status %d", tenant, code)
			}
			return nil
		})
	}
	<-blocking.entered
	<-blocking.entered

	third := validEnvelope()
	third["tenant_id"] = "tenant-c"
	rec := doRequest(t, env.server, importRequest(third))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, admission.GlobalTenant, decodeBody(t, rec)["tenant"])

	close(blocking.release)
	require.NoError(t, group.Wait())
	assertReleased(t, env.controller)
}

func TestStalledBodyReleasesGlobalSlotOnReadTimeout(t *testing.T) {
	env := newTestEnv(t, testOptions{admission: admission.Config{GlobalConcurrency: 1}})
	srv := httptest.NewUnstartedServer(env.server)
	srv.Config.ReadTimeout = 500 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	stalled, err := http.NewRequest(http.MethodPost, srv.URL+DefaultImportPath, pr)
	require.NoError(t, err)
	for k, v := range authHeaders() {
		stalled.Header.Set(k, v)
	}
	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		resp, err := srv.Client().Do(stalled)
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	_, err = pw.Write([]byte(`{"tenant_id":`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.controller.Stats().GlobalInFlight == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.controller.Stats().GlobalInFlight == 0
	}, 5*time.Second, 20*time.Millisecond, "read timeout frees the slot")

	body := validEnvelope()
	body["tenant_id"] = "tenant-b"
	data, err := json.Marshal(body)
	require.NoError(t, err)
	next, err := http.NewRequest(http.MethodPost, srv.URL+DefaultImportPath, bytes.NewReader(data))
	require.NoError(t, err)
	for k, v := range authHeaders() {
		next.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(next)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_ = pw.Close()
	<-stalledDone
}

type failingImporter struct {
	err error
}

func (f failingImporter) Import(context.Context, importer.Envelope) (importer.Result, error) {
	return importer.Result{}, f.err
}

func TestImportSurfacesDownstreamFailure(t *testing.T) {
	env := newTestEnv(t, testOptions{importer: failingImporter{err: &importer.FailedError{
		Message:       "Merge failed",
		CorrelationID: testCorrelationID,
		Err:           importer.MergeError.Wrap(errors.New("deadlock detected")),
	}}})

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "Merge failed", payload["error"])
	assert.Equal(t, testCorrelationID, payload["correlation_id"])
	assert.Equal(t, "deadlock detected", payload["reason"])
	assertReleased(t, env.controller)
}

type panickingImporter struct{}

func (panickingImporter) Import(context.Context, importer.Envelope) (importer.Result, error) {
	panic("nil map write")
}

func TestImportRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t, testOptions{importer: panickingImporter{}})

	rec := doRequest(t, env.server, importRequest(validEnvelope()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "Unhandled error", payload["error"])
	assert.Equal(t, testCorrelationID, payload["correlation_id"])
	assert.Equal(t, "nil map write", payload["reason"])
	assertReleased(t, env.controller)
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	require.Equal(t, http.StatusOK, doRequest(t, env.server, importRequest(validEnvelope())).Code)
	require.Equal(t, http.StatusUnauthorized, doRequest(t, env.server, request{method: http.MethodPost, path: DefaultImportPath}).Code)

	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `importd_requests_total{status="200"} 1`)
	assert.Contains(t, body, `importd_requests_total{status="401"} 1`)
	assert.Contains(t, body, `importd_rows_normalized_total 2`)
	assert.Contains(t, body, `importd_in_flight_requests 0`)
	assert.Contains(t, body, `importd_rate_buckets 1`)
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
