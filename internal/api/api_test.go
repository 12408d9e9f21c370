package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	driver := memstore.New()
	queue, err := requeststore.NewRequestQueue(context.Background(), requeststore.QueueOptions{
		Driver: driver,
		Log:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRequestQueue: %v", err)
	}
	return NewHandlers(queue, nil, events.NewBroadcaster(), "1.0.0")
}

func TestHealthCheck(t *testing.T) {
	config := DefaultServerConfig()
	handlers := newTestHandlers(t)
	router := NewRouter(handlers, config, logging.Nop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", resp.Version)
	}
}

func TestAddRequestAndStatus(t *testing.T) {
	config := DefaultServerConfig()
	handlers := newTestHandlers(t)
	router := NewRouter(handlers, config, logging.Nop())

	body := strings.NewReader(`{"url":"https://example.com/page"}`)
	req := httptest.NewRequest("POST", "/api/v1/queue/requests", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var added AddRequestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &added); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if added.RequestID == "" {
		t.Fatalf("expected a request id")
	}
	if added.WasAlreadyPresent {
		t.Errorf("expected a new request, not already present")
	}

	statusReq := httptest.NewRequest("GET", "/api/v1/queue/status", nil)
	statusW := httptest.NewRecorder()
	router.ServeHTTP(statusW, statusReq)

	var status QueueStatus
	if err := json.Unmarshal(statusW.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if status.IsEmpty {
		t.Errorf("expected queue to be non-empty after add")
	}
}

func TestAddRequestRejectsMissingURL(t *testing.T) {
	config := DefaultServerConfig()
	handlers := newTestHandlers(t)
	router := NewRouter(handlers, config, logging.Nop())

	req := httptest.NewRequest("POST", "/api/v1/queue/requests", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	config := DefaultServerConfig()
	handlers := newTestHandlers(t)
	router := NewRouter(handlers, config, logging.Nop())

	req := httptest.NewRequest("GET", "/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}
