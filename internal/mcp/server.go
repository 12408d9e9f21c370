package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/digster/crawlkit/internal/api"
	"github.com/digster/crawlkit/internal/browserpool"
)

// Server wraps the MCP server, exposing queue and pool operations as
// tools for an LLM agent driving a crawl.
type Server struct {
	mcpServer *server.MCPServer
	queue     api.QueueManager
	pool      *browserpool.Pool
}

// NewServer creates an MCP server over a queue and pool.
func NewServer(queue api.QueueManager, pool *browserpool.Pool) *Server {
	mcpServer := server.NewMCPServer(
		"crawlkit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{mcpServer: mcpServer, queue: queue, pool: pool}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("queue_add_request",
			mcp.WithDescription("Add a URL to the request queue. Returns the assigned request id and whether it was already present."),
			mcp.WithString("url", mcp.Required(), mcp.Description("URL to enqueue")),
			mcp.WithString("uniqueKey", mcp.Description("Override the default dedup key (the URL with lowercased scheme and host)")),
			mcp.WithString("method", mcp.Description("HTTP method (default GET)")),
			mcp.WithBoolean("forefront", mcp.Description("Insert at the front of the queue instead of the back")),
		),
		s.handleAddRequest,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("queue_fetch_next",
			mcp.WithDescription("Fetch the next unhandled request from the queue, marking it in-progress. Returns found=false if the queue currently has none ready."),
		),
		s.handleFetchNext,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("queue_mark_handled",
			mcp.WithDescription("Mark a previously fetched request as successfully handled, releasing its in-progress lock."),
			mcp.WithString("requestId", mcp.Required(), mcp.Description("Request id returned from queue_fetch_next")),
			mcp.WithString("uniqueKey", mcp.Required(), mcp.Description("UniqueKey returned from queue_fetch_next")),
		),
		s.handleMarkHandled,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("queue_reclaim",
			mcp.WithDescription("Return a previously fetched request to the queue for retry instead of marking it handled."),
			mcp.WithString("requestId", mcp.Required(), mcp.Description("Request id returned from queue_fetch_next")),
			mcp.WithString("uniqueKey", mcp.Required(), mcp.Description("UniqueKey returned from queue_fetch_next")),
			mcp.WithBoolean("forefront", mcp.Description("Reinsert at the front of the queue")),
		),
		s.handleReclaim,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report queue occupancy: handled count, whether it is empty, and whether the run is finished."),
		),
		s.handleQueueStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("pool_new_page",
			mcp.WithDescription("Open a new browser page from the pool, launching or reusing a browser as needed."),
			mcp.WithString("pluginName", mcp.Description("Target a specific registered plugin instead of round-robin selection")),
			mcp.WithString("proxyUrl", mcp.Description("Proxy server URL to launch the browser through")),
			mcp.WithString("userAgent", mcp.Description("Override the page's user agent")),
		),
		s.handleNewPage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("pool_status",
			mcp.WithDescription("Report Browser Pool occupancy: active/retired controller counts and open page count."),
		),
		s.handlePoolStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("pool_retire_controller",
			mcp.WithDescription("Retire a browser controller so the pool stops assigning it new pages and closes it once idle."),
			mcp.WithString("controllerId", mcp.Required(), mcp.Description("Controller id to retire")),
		),
		s.handleRetireController,
	)
}

// Serve starts the MCP server with stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}
