package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/digster/crawlkit/internal/api"
	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

func main() {
	// Parse command line flags
	config := api.DefaultServerConfig()

	flag.StringVar(&config.Host, "host", config.Host, "Host address to bind to")
	flag.IntVar(&config.Port, "port", config.Port, "Port to listen on")
	flag.StringVar(&config.APIKey, "api-key", config.APIKey, "API key for authentication (optional)")
	headless := flag.Bool("headless", true, "Launch browsers headless")

	var corsOrigins string
	flag.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated list of allowed CORS origins")

	flag.IntVar(&config.ReadTimeout, "read-timeout", config.ReadTimeout, "Read timeout in seconds")
	flag.IntVar(&config.WriteTimeout, "write-timeout", config.WriteTimeout, "Write timeout in seconds")
	flag.IntVar(&config.IdleTimeout, "idle-timeout", config.IdleTimeout, "Idle timeout in seconds")

	flag.Parse()

	// Parse CORS origins
	if corsOrigins != "" {
		config.CORSOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range config.CORSOrigins {
			config.CORSOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Load environment variables (override flags)
	config.LoadFromEnv()

	if err := config.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLog := logging.New("api", os.Stdout)

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

	// Create and start server
	server, err := api.NewServer(config, queue, pool, appLog)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	// Handle shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-shutdown:
		fmt.Println() // New line after ^C
		appLog.Info("received shutdown signal", "signal", sig.String())

		// Give outstanding requests time to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			appLog.Warn("shutdown error", "error", err.Error())
		}
		if err := pool.Destroy(ctx); err != nil {
			appLog.Warn("pool destroy error", "error", err.Error())
		}
	}

	appLog.Info("server stopped")
}
