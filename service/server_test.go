package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/qaforge/qaforge/orchestrator"
	"github.com/qaforge/qaforge/types"
)

// stubAPI scripts orchestrator responses per test
type stubAPI struct {
	record  *types.ExecutionRecord
	records []*types.ExecutionRecord
	deleted bool
	err     error

	lastProject string
	lastUnits   []string
	lastLimit   int
	lastOffset  int
}

func (a *stubAPI) RunTests(ctx context.Context, projectID string, unitIDs []string, cfg types.ExecutionConfig, triggeredBy string) (*types.ExecutionRecord, error) {
	a.lastProject = projectID
	a.lastUnits = unitIDs
	return a.record, a.err
}

func (a *stubAPI) GetExecutionStatus(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	return a.record, a.err
}

func (a *stubAPI) StopExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	return a.record, a.err
}

func (a *stubAPI) GetExecutionDetails(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	return a.record, a.err
}

func (a *stubAPI) History(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error) {
	a.lastProject = projectID
	a.lastLimit = limit
	a.lastOffset = offset
	return a.records, a.err
}

func (a *stubAPI) Delete(ctx context.Context, id string) (bool, error) {
	return a.deleted, a.err
}

func newTestServer(t *testing.T, api *stubAPI) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{Log: log.New(), API: api, RateLimit: rate.Inf})
	require.NoError(t, err)
	return srv.Handler()
}

func queuedRecord() *types.ExecutionRecord {
	return &types.ExecutionRecord{
		ID:        "exec-1",
		ProjectID: "web-shop",
		Status:    types.StatusQueued,
		StartedAt: time.Now(),
		Counts:    types.Counts{Total: 2, Queued: 2},
	}
}

func decodeRecord(t *testing.T, body *bytes.Buffer) *types.ExecutionRecord {
	t.Helper()
	var rec types.ExecutionRecord
	require.NoError(t, json.NewDecoder(body).Decode(&rec))
	return &rec
}

func TestRunTestsEndpoint(t *testing.T) {
	api := &stubAPI{record: queuedRecord()}
	h := newTestServer(t, api)

	body, _ := json.Marshal(runRequest{
		TestUnitIDs: []string{"login", "checkout"},
		Config:      types.ExecutionConfig{Parallel: true, MaxParallel: 2},
		TriggeredBy: "ci",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/web-shop/executions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "web-shop", api.lastProject)
	assert.Equal(t, []string{"login", "checkout"}, api.lastUnits)

	rec := decodeRecord(t, w.Body)
	assert.Equal(t, types.StatusQueued, rec.Status)
	assert.Equal(t, 2, rec.Counts.Queued)
}

func TestRunTestsRejectsBadBody(t *testing.T) {
	h := newTestServer(t, &stubAPI{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/web-shop/executions",
		bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", &orchestrator.NotFoundError{Kind: "execution", ID: "x"}, http.StatusNotFound},
		{"validation", orchestrator.NewValidationError("bad input"), http.StatusBadRequest},
		{"internal", fmt.Errorf("store unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubAPI{err: tt.err})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-1", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			var resp errorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	record := queuedRecord()
	record.Status = types.StatusRunning
	h := newTestServer(t, &stubAPI{record: record})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusRunning, decodeRecord(t, w.Body).Status)
}

func TestStopEndpoint(t *testing.T) {
	record := queuedRecord()
	record.Status = types.StatusAborted
	h := newTestServer(t, &stubAPI{record: record})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1/stop", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusAborted, decodeRecord(t, w.Body).Status)
}

func TestDetailsEndpoint(t *testing.T) {
	record := queuedRecord()
	record.Status = types.StatusPassed
	record.Custom = map[string]string{"stats.unitDuration.min": "1s"}
	h := newTestServer(t, &stubAPI{record: record})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-1/details", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1s", decodeRecord(t, w.Body).Custom["stats.unitDuration.min"])
}

func TestHistoryEndpoint(t *testing.T) {
	api := &stubAPI{records: []*types.ExecutionRecord{queuedRecord()}}
	h := newTestServer(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions?project=web-shop&limit=5&offset=10", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web-shop", api.lastProject)
	assert.Equal(t, 5, api.lastLimit)
	assert.Equal(t, 10, api.lastOffset)

	var records []*types.ExecutionRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
	assert.Len(t, records, 1)
}

func TestHistoryRequiresProject(t *testing.T) {
	h := newTestServer(t, &stubAPI{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryEmptyIsOK(t *testing.T) {
	h := newTestServer(t, &stubAPI{records: []*types.ExecutionRecord{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions?project=web-shop", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestHistoryRejectsBadPaging(t *testing.T) {
	h := newTestServer(t, &stubAPI{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions?project=web-shop&limit=-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteEndpoint(t *testing.T) {
	h := newTestServer(t, &stubAPI{deleted: true})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/executions/exec-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp deleteResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Deleted)
}

func TestHealthzEndpoint(t *testing.T) {
	h := newTestServer(t, &stubAPI{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &stubAPI{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	srv, err := NewServer(Config{Log: log.New(), API: &stubAPI{record: queuedRecord()}, RateLimit: 1, RateBurst: 1})
	require.NoError(t, err)
	h := srv.Handler()

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1/stop", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes[w.Code]++
	}

	assert.Positive(t, codes[http.StatusOK])
	assert.Positive(t, codes[http.StatusTooManyRequests])
}
