package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alephauto/alephauto/internal/activity"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/store"
	"github.com/alephauto/alephauto/internal/worker"
	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(16)
	feed := activity.New(10)
	reg := registry.New(st, nil)

	w := worker.New(context.Background(), worker.Config{
		PipelineID:   "repomix",
		PipelineName: "Repomix",
		MaxConcurrent: 1,
	}, st, bus, feed, func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, logger.NewNop())
	t.Cleanup(func() { w.Stop(time.Second) })

	handlers := &Handlers{
		Store:    st,
		Registry: reg,
		Feed:     feed,
		Workers:  map[string]*worker.Worker{"repomix": w},
		Log:      logger.NewNop(),
	}
	hub := NewHub(bus, logger.NewNop(), nil)

	router := NewRouter(RouterConfig{Handlers: handlers, WS: hub})
	return router, st
}

func sampleJob(i int) domain.Job {
	return domain.Job{
		ID:         "job-" + string(rune('a'+i)),
		PipelineID: "repomix",
		Status:     domain.StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestStatusEndpointEmptyIsSuccessful(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["pipelines"]; !ok {
		t.Fatal("expected pipelines key even when empty")
	}
}

func TestPipelineJobsPagination(t *testing.T) {
	router, st := newTestRouter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.Insert(ctx, sampleJob(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/pipelines/repomix/jobs?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["total"].(float64) != 3 {
		t.Fatalf("total = %v", body["total"])
	}
	if body["has_more"] != true {
		t.Fatalf("has_more = %v", body["has_more"])
	}
}

func TestStartScanValidationFailure(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/scans/start", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStartScanAccepted(t *testing.T) {
	router, _ := newTestRouter(t)
	body := bytes.NewBufferString(`{"repository_path":"/tmp/repo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/scans/start?pipeline_id=repomix", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["job_id"] == "" {
		t.Fatal("expected non-empty job_id")
	}
}

func TestScanStatusNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/scans/missing/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWSStatusEndpointNotShadowed(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/ws/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
