// Package mcp exposes the Request Manager queue and Browser Pool as MCP
// tools for LLM agents to drive a crawl directly.
package mcp

// AddRequestOutput is returned by queue_add_request.
type AddRequestOutput struct {
	RequestID         string `json:"requestId"`
	UniqueKey         string `json:"uniqueKey"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
}

// FetchNextOutput is returned by queue_fetch_next.
type FetchNextOutput struct {
	Found     bool           `json:"found"`
	RequestID string         `json:"requestId,omitempty"`
	UniqueKey string         `json:"uniqueKey,omitempty"`
	URL       string         `json:"url,omitempty"`
	Method    string         `json:"method,omitempty"`
	UserData  map[string]any `json:"userData,omitempty"`
}

// QueueStatusOutput is returned by queue_status.
type QueueStatusOutput struct {
	HandledCount int64 `json:"handledCount"`
	IsEmpty      bool  `json:"isEmpty"`
	IsFinished   bool  `json:"isFinished"`
}

// NewPageOutput is returned by pool_new_page.
type NewPageOutput struct {
	PageID string `json:"pageId"`
}

// PoolStatusOutput is returned by pool_status.
type PoolStatusOutput struct {
	ActiveControllers  int `json:"activeControllers"`
	RetiredControllers int `json:"retiredControllers"`
	OpenPages          int `json:"openPages"`
}
