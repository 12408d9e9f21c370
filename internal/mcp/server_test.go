package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	driver := memstore.New()
	queue, err := requeststore.NewRequestQueue(context.Background(), requeststore.QueueOptions{
		Driver: driver,
		Log:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRequestQueue: %v", err)
	}
	return NewServer(queue, nil)
}

func getResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return tc.Text
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.mcpServer == nil {
		t.Error("mcpServer is nil")
	}
}

func TestHandleAddRequest_MissingURL(t *testing.T) {
	s := newTestServer(t)

	req := mcp.CallToolRequest{}
	result, err := s.handleAddRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("handleAddRequest returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for a missing url")
	}
}

func TestHandleAddRequestAndFetchNext(t *testing.T) {
	s := newTestServer(t)

	addReq := mcp.CallToolRequest{}
	addReq.Params.Arguments = map[string]interface{}{"url": "https://example.com/a"}

	result, err := s.handleAddRequest(context.Background(), addReq)
	if err != nil {
		t.Fatalf("handleAddRequest returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("handleAddRequest returned error result: %v", result)
	}

	var added AddRequestOutput
	if err := json.Unmarshal([]byte(getResultText(t, result)), &added); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if added.RequestID == "" {
		t.Fatal("expected a request id")
	}

	fetchResult, err := s.handleFetchNext(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handleFetchNext returned error: %v", err)
	}

	var fetched FetchNextOutput
	if err := json.Unmarshal([]byte(getResultText(t, fetchResult)), &fetched); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !fetched.Found {
		t.Fatal("expected a request to be found")
	}
	if fetched.RequestID != added.RequestID {
		t.Errorf("expected request id %q, got %q", added.RequestID, fetched.RequestID)
	}

	handleReq := mcp.CallToolRequest{}
	handleReq.Params.Arguments = map[string]interface{}{
		"requestId": fetched.RequestID,
		"uniqueKey": fetched.UniqueKey,
	}
	if _, err := s.handleMarkHandled(context.Background(), handleReq); err != nil {
		t.Fatalf("handleMarkHandled returned error: %v", err)
	}

	statusResult, err := s.handleQueueStatus(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handleQueueStatus returned error: %v", err)
	}
	var status QueueStatusOutput
	if err := json.Unmarshal([]byte(getResultText(t, statusResult)), &status); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if status.HandledCount != 1 {
		t.Errorf("expected handled count 1, got %d", status.HandledCount)
	}
}

func TestHandleFetchNext_Empty(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleFetchNext(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handleFetchNext returned error: %v", err)
	}

	var fetched FetchNextOutput
	if err := json.Unmarshal([]byte(getResultText(t, result)), &fetched); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if fetched.Found {
		t.Fatal("expected found=false on an empty queue")
	}
}
