package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
	"github.com/digster/crawlkit/pkg/runner"
)

func main() {
	var (
		startURL     = flag.String("url", "", "Starting URL to crawl")
		userAgent    = flag.String("user-agent", "", "Custom User-Agent header (defaults to crawlkit's own)")
		ignoreRobots = flag.Bool("ignore-robots", false, "Ignore robots.txt rules")
		minContent   = flag.Int("min-content", runner.DefaultMinContentLength, "Minimum text content length (characters) for a page to be followed")
		followLinks  = flag.Bool("follow-links", true, "Discover and enqueue links found on each page")
		maxLinks     = flag.Int("max-links-per-page", 0, "Cap on links enqueued per page (0 = unlimited)")
		headless     = flag.Bool("headless", true, "Run the browser headless")
		verbose      = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if *startURL == "" {
		fmt.Println("Error: -url is required")
		flag.Usage()
		os.Exit(1)
	}

	logWriter := os.Stderr
	appLog := logging.New("cli", logWriter)
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	queue, err := requeststore.NewRequestQueue(ctx, requeststore.QueueOptions{
		Driver: memstore.New(),
		Log:    appLog,
	})
	if err != nil {
		log.Fatalf("failed to create request queue: %v", err)
	}

	seed, err := request.New(*startURL)
	if err != nil {
		log.Fatalf("invalid start url: %v", err)
	}
	if _, err := queue.AddRequest(ctx, seed, false); err != nil {
		log.Fatalf("failed to seed queue: %v", err)
	}

	plugin := browserpool.NewPlugin("chromedp", browserpool.NewChromedpDriver(*headless), appLog)
	pool, err := browserpool.NewPool([]*browserpool.Plugin{plugin}, browserpool.PoolOptions{Log: appLog})
	if err != nil {
		log.Fatalf("failed to create browser pool: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := pool.Destroy(closeCtx); err != nil {
			appLog.Warn("pool destroy error", "error", err.Error())
		}
	}()

	r := runner.New(queue, pool, runner.Config{
		UserAgent:          *userAgent,
		MinContentLength:   *minContent,
		RespectRobots:      !*ignoreRobots,
		FollowLinks:        *followLinks,
		MaxDiscoveredLinks: *maxLinks,
	}, appLog)

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("crawl failed: %v", err)
	}

	fmt.Printf("Done: %d pages handled, %d failed\n", r.PagesHandled, r.PagesFailed)
}
