// Command crawlkit-mcp runs the Request Manager and Browser Pool as an MCP
// (Model Context Protocol) server, letting an LLM agent drive a crawl
// directly through tool calls.
//
// Usage:
//
//	crawlkit-mcp [flags]
//
// Configuration in Claude Code (~/.claude/mcp.json):
//
//	{
//	  "mcpServers": {
//	    "crawlkit": {
//	      "command": "/path/to/crawlkit-mcp"
//	    }
//	  }
//	}
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/mcp"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

func main() {
	headless := flag.Bool("headless", true, "Launch browsers headless")
	flag.Parse()

	appLog := logging.New("mcp", os.Stderr)

	queue, err := requeststore.NewRequestQueue(context.Background(), requeststore.QueueOptions{
		Driver: memstore.New(),
		Log:    appLog,
	})
	if err != nil {
		log.Fatalf("failed to create request queue: %v", err)
	}

	plugin := browserpool.NewPlugin("chromedp", browserpool.NewChromedpDriver(*headless), appLog)
	pool, err := browserpool.NewPool([]*browserpool.Plugin{plugin}, browserpool.PoolOptions{Log: appLog})
	if err != nil {
		log.Fatalf("failed to create browser pool: %v", err)
	}

	server := mcp.NewServer(queue, pool)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Destroy(ctx); err != nil {
			appLog.Warn("pool destroy error", "error", err.Error())
		}
		os.Exit(0)
	}()

	// Start serving (blocks until error or shutdown)
	if err := server.Serve(); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}
