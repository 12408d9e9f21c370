package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/requeststore"
)

// QueueManager is the subset of RequestQueue/LockingRequestQueue the API
// needs. Both satisfy it unchanged (LockingRequestQueue embeds
// *RequestQueue and overrides the same method set).
type QueueManager interface {
	AddRequest(ctx context.Context, r *request.Request, forefront bool) (requeststore.AddResult, error)
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestHandled(ctx context.Context, r *request.Request) error
	ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
	HandledCount() int64
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Queue     QueueManager
	Pool      *browserpool.Pool
	Emitter   *events.Broadcaster
	StartTime time.Time
	Version   string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(queue QueueManager, pool *browserpool.Pool, emitter *events.Broadcaster, version string) *Handlers {
	return &Handlers{
		Queue:     queue,
		Pool:      pool,
		Emitter:   emitter,
		StartTime: time.Now(),
		Version:   version,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(APIError); ok {
		writeJSON(w, apiErr.Code, apiErr)
		return
	}

	code := http.StatusInternalServerError
	switch {
	case isKind(err, request.ErrInvalidInput):
		code = http.StatusBadRequest
	case isKind(err, request.ErrDuplicatePageID):
		code = http.StatusConflict
	case isKind(err, request.ErrUnknownPlugin):
		code = http.StatusBadRequest
	}

	writeJSON(w, code, APIError{
		Code:    code,
		Message: "request failed",
		Details: err.Error(),
	})
}

func isKind(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
	})
}

// AddRequest handles POST /api/v1/queue/requests.
func (h *Handlers) AddRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, APIError{Code: 400, Message: "failed to read request body"})
		return
	}
	defer r.Body.Close()

	var req AddRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, APIError{Code: 400, Message: "invalid JSON", Details: err.Error()})
		return
	}
	if req.URL == "" {
		writeError(w, APIError{Code: 400, Message: "url is required"})
		return
	}

	var opts []request.Option
	if req.Method != "" {
		opts = append(opts, request.WithMethod(req.Method))
	}
	if req.Payload != "" {
		opts = append(opts, request.WithPayload([]byte(req.Payload)))
	}
	if req.UserData != nil {
		opts = append(opts, request.WithUserData(req.UserData))
	}
	if req.UniqueKey != "" {
		opts = append(opts, request.WithUniqueKey(req.UniqueKey))
	}

	rq, err := request.New(req.URL, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.Queue.AddRequest(r.Context(), rq, req.Forefront)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AddRequestResponse{
		RequestID:         result.RequestID,
		UniqueKey:         result.UniqueKey,
		WasAlreadyPresent: result.WasAlreadyPresent,
		WasAlreadyHandled: result.WasAlreadyHandled,
		Forefront:         result.Forefront,
	})
}

// FetchNextRequest handles POST /api/v1/queue/fetch-next.
func (h *Handlers) FetchNextRequest(w http.ResponseWriter, r *http.Request) {
	rq, err := h.Queue.FetchNextRequest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rq == nil {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, rq)
}

// MarkHandled handles POST /api/v1/queue/requests/{id}/handled.
func (h *Handlers) MarkHandled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body MarkHandledBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	rq := &request.Request{ID: id, UniqueKey: body.UniqueKey}
	if err := h.Queue.MarkRequestHandled(r.Context(), rq); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reclaim handles POST /api/v1/queue/requests/{id}/reclaim.
func (h *Handlers) Reclaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body ReclaimBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	rq := &request.Request{ID: id, UniqueKey: body.UniqueKey}
	if err := h.Queue.ReclaimRequest(r.Context(), rq, body.Forefront); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueStatus handles GET /api/v1/queue/status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	isEmpty, err := h.Queue.IsEmpty(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	isFinished, err := h.Queue.IsFinished(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueStatus{
		HandledCount: h.Queue.HandledCount(),
		IsEmpty:      isEmpty,
		IsFinished:   isFinished,
	})
}

// PoolStatus handles GET /api/v1/pool/status.
func (h *Handlers) PoolStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.Pool.Stats()
	writeJSON(w, http.StatusOK, PoolStatus{
		ActiveControllers:  stats.ActiveControllers,
		RetiredControllers: stats.RetiredControllers,
		OpenPages:          stats.OpenPages,
	})
}

// NewPage handles POST /api/v1/pool/pages.
func (h *Handlers) NewPage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, APIError{Code: 400, Message: "failed to read request body"})
		return
	}
	defer r.Body.Close()

	var req NewPageBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, APIError{Code: 400, Message: "invalid JSON", Details: err.Error()})
			return
		}
	}

	_, pageID, err := h.Pool.NewPage(r.Context(), browserpool.NewPageOptions{
		ID:         req.ID,
		PluginName: req.PluginName,
		ProxyURL:   req.ProxyURL,
		Page:       browserpool.PageOptions{UserAgent: req.UserAgent},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, NewPageResponse{PageID: pageID})
}

// RetireController handles POST /api/v1/pool/controllers/{id}/retire.
func (h *Handlers) RetireController(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Pool.RetireBrowserController(id)
	w.WriteHeader(http.StatusNoContent)
}

// formatUptime formats duration as a human-readable string.
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return pad2(days) + "d " + pad2(hours) + "h " + pad2(minutes) + "m"
	case hours > 0:
		return pad2(hours) + "h " + pad2(minutes) + "m " + pad2(seconds) + "s"
	case minutes > 0:
		return pad2(minutes) + "m " + pad2(seconds) + "s"
	default:
		return pad2(seconds) + "s"
	}
}

func pad2(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
