package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/request"
)

// resultJSON creates a JSON tool result.
func resultJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleAddRequest handles the queue_add_request tool.
func (s *Server) handleAddRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	url, ok := args["url"].(string)
	if !ok || url == "" {
		return mcp.NewToolResultError("url is required"), nil
	}

	var opts []request.Option
	if method, ok := args["method"].(string); ok && method != "" {
		opts = append(opts, request.WithMethod(method))
	}
	if uniqueKey, ok := args["uniqueKey"].(string); ok && uniqueKey != "" {
		opts = append(opts, request.WithUniqueKey(uniqueKey))
	}

	rq, err := request.New(url, opts...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	forefront, _ := args["forefront"].(bool)

	result, err := s.queue.AddRequest(ctx, rq, forefront)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return resultJSON(AddRequestOutput{
		RequestID:         result.RequestID,
		UniqueKey:         result.UniqueKey,
		WasAlreadyPresent: result.WasAlreadyPresent,
		WasAlreadyHandled: result.WasAlreadyHandled,
	})
}

// handleFetchNext handles the queue_fetch_next tool.
func (s *Server) handleFetchNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rq, err := s.queue.FetchNextRequest(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if rq == nil {
		return resultJSON(FetchNextOutput{Found: false})
	}
	return resultJSON(FetchNextOutput{
		Found:     true,
		RequestID: rq.ID,
		UniqueKey: rq.UniqueKey,
		URL:       rq.URL,
		Method:    rq.Method,
		UserData:  rq.UserData,
	})
}

// handleMarkHandled handles the queue_mark_handled tool.
func (s *Server) handleMarkHandled(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	requestID, _ := args["requestId"].(string)
	uniqueKey, _ := args["uniqueKey"].(string)
	if requestID == "" || uniqueKey == "" {
		return mcp.NewToolResultError("requestId and uniqueKey are required"), nil
	}

	rq := &request.Request{ID: requestID, UniqueKey: uniqueKey}
	if err := s.queue.MarkRequestHandled(ctx, rq); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

// handleReclaim handles the queue_reclaim tool.
func (s *Server) handleReclaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	requestID, _ := args["requestId"].(string)
	uniqueKey, _ := args["uniqueKey"].(string)
	if requestID == "" || uniqueKey == "" {
		return mcp.NewToolResultError("requestId and uniqueKey are required"), nil
	}
	forefront, _ := args["forefront"].(bool)

	rq := &request.Request{ID: requestID, UniqueKey: uniqueKey}
	if err := s.queue.ReclaimRequest(ctx, rq, forefront); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

// handleQueueStatus handles the queue_status tool.
func (s *Server) handleQueueStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	isEmpty, err := s.queue.IsEmpty(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	isFinished, err := s.queue.IsFinished(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(QueueStatusOutput{
		HandledCount: s.queue.HandledCount(),
		IsEmpty:      isEmpty,
		IsFinished:   isFinished,
	})
}

// handleNewPage handles the pool_new_page tool.
func (s *Server) handleNewPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	pluginName, _ := args["pluginName"].(string)
	proxyURL, _ := args["proxyUrl"].(string)
	userAgent, _ := args["userAgent"].(string)

	_, pageID, err := s.pool.NewPage(ctx, browserpool.NewPageOptions{
		PluginName: pluginName,
		ProxyURL:   proxyURL,
		Page:       browserpool.PageOptions{UserAgent: userAgent},
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(NewPageOutput{PageID: pageID})
}

// handlePoolStatus handles the pool_status tool.
func (s *Server) handlePoolStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.pool.Stats()
	return resultJSON(PoolStatusOutput{
		ActiveControllers:  stats.ActiveControllers,
		RetiredControllers: stats.RetiredControllers,
		OpenPages:          stats.OpenPages,
	})
}

// handleRetireController handles the pool_retire_controller tool.
func (s *Server) handleRetireController(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	controllerID, _ := args["controllerId"].(string)
	if controllerID == "" {
		return mcp.NewToolResultError("controllerId is required"), nil
	}
	s.pool.RetireBrowserController(controllerID)
	return mcp.NewToolResultText("ok"), nil
}
