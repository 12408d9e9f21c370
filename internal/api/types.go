package api

import "time"

// AddRequestBody is the request body for POST /api/v1/queue/requests.
type AddRequestBody struct {
	URL       string         `json:"url"`
	UniqueKey string         `json:"uniqueKey,omitempty"`
	Method    string         `json:"method,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	UserData  map[string]any `json:"userData,omitempty"`
	Forefront bool           `json:"forefront,omitempty"`
}

// AddRequestResponse mirrors requeststore.AddResult.
type AddRequestResponse struct {
	RequestID         string `json:"requestId"`
	UniqueKey         string `json:"uniqueKey"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
	Forefront         bool   `json:"forefront"`
}

// MarkHandledBody is the request body for POST /api/v1/queue/requests/{id}/handled.
type MarkHandledBody struct {
	UniqueKey string `json:"uniqueKey"`
}

// ReclaimBody is the request body for POST /api/v1/queue/requests/{id}/reclaim.
type ReclaimBody struct {
	UniqueKey string `json:"uniqueKey"`
	Forefront bool   `json:"forefront,omitempty"`
}

// QueueStatus reports Request Manager occupancy.
type QueueStatus struct {
	HandledCount int64 `json:"handledCount"`
	IsEmpty      bool  `json:"isEmpty"`
	IsFinished   bool  `json:"isFinished"`
}

// PoolStatus reports Browser Pool occupancy, mirroring browserpool.Stats.
type PoolStatus struct {
	ActiveControllers  int `json:"activeControllers"`
	RetiredControllers int `json:"retiredControllers"`
	OpenPages          int `json:"openPages"`
}

// NewPageBody is the request body for POST /api/v1/pool/pages.
type NewPageBody struct {
	ID         string `json:"id,omitempty"`
	PluginName string `json:"pluginName,omitempty"`
	ProxyURL   string `json:"proxyUrl,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// NewPageResponse reports the page id assigned by the pool.
type NewPageResponse struct {
	PageID string `json:"pageId"`
}

// RetireBody is the request body for POST /api/v1/pool/controllers/{id}/retire.
type RetireBody struct {
	ControllerID string `json:"controllerId"`
}

// APIError represents a standardized error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e APIError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// SSEEvent is the wire shape of a server-sent crawler event.
type SSEEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}
