// Package runner wires the Request Manager and Browser Pool into a
// minimal, working crawl loop: fetch a request, check robots.txt, open a
// pooled page, extract links and article content, and close the loop by
// marking the request handled or reclaiming it for retry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/requeststore"
)

// DefaultUserAgent is sent with every page fetch and every robots.txt
// lookup unless Config.UserAgent overrides it.
const DefaultUserAgent = "Mozilla/5.0 (compatible; crawlkit/1.0; +https://github.com/digster/crawlkit)"

// DefaultMinContentLength is the minimum visible-text length (in
// characters, script and style excluded) below which a page is considered
// empty and skipped.
const DefaultMinContentLength = 100

// Manager is the subset of the Request Manager a Runner drives: fetch,
// mark, reclaim, plus enough bookkeeping to decide when to stop and to
// enqueue newly discovered links. Both *requeststore.RequestQueue and
// *requeststore.LockingRequestQueue satisfy it unchanged.
type Manager interface {
	AddRequest(ctx context.Context, r *request.Request, forefront bool) (requeststore.AddResult, error)
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestHandled(ctx context.Context, r *request.Request) error
	ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
	HandledCount() int64
}

// Config controls a Runner's politeness and extraction behavior.
type Config struct {
	// UserAgent is sent on every page fetch and every robots.txt lookup.
	UserAgent string
	// MinContentLength is the minimum visible-text length a page needs
	// to be considered worth extracting; shorter pages are skipped.
	MinContentLength int
	// RespectRobots disables fetching of any URL robots.txt disallows.
	RespectRobots bool
	// MaxDiscoveredLinks caps how many links extracted from one page are
	// enqueued, so a dense page can't flood the queue in one pass. Zero
	// means unlimited.
	MaxDiscoveredLinks int
	// FollowLinks enables extracting and enqueueing links found on each
	// page. Disabled, the Runner only processes requests already in the
	// queue.
	FollowLinks bool
	// PluginName targets a specific registered Browser Pool plugin
	// instead of round-robin selection.
	PluginName string
	// PollInterval is how long Run waits before retrying FetchNextRequest
	// when the queue is momentarily empty but not finished (in-progress
	// requests may still reclaim or new ones may still arrive).
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MinContentLength == 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Runner composes a Manager and a *browserpool.Pool into a working crawl
// loop. It is the "does it all actually fit together" proof the rest of
// the module exists to support.
type Runner struct {
	manager Manager
	pool    *browserpool.Pool
	cfg     Config
	robots  *robotsChecker
	log     *logging.Logger

	PagesHandled int
	PagesFailed  int
}

// New builds a Runner over an already-constructed Manager and Pool.
func New(manager Manager, pool *browserpool.Pool, cfg Config, log *logging.Logger) *Runner {
	cfg.setDefaults()
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{
		manager: manager,
		pool:    pool,
		cfg:     cfg,
		robots:  newRobotsChecker(cfg.UserAgent),
		log:     log,
	}
}

// Run drains the Manager until it reports finished or ctx is cancelled.
// Each request is fetched, checked against robots.txt, rendered in a
// pooled browser page, and either marked handled or reclaimed for retry.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		finished, err := r.manager.IsFinished(ctx)
		if err != nil {
			return fmt.Errorf("check finished: %w", err)
		}
		if finished {
			return nil
		}

		req, err := r.manager.FetchNextRequest(ctx)
		if err != nil {
			return fmt.Errorf("fetch next request: %w", err)
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		if err := r.handle(ctx, req); err != nil {
			r.log.Warn("request failed, reclaiming", "url", req.URL, "error", err.Error())
			r.PagesFailed++
			if reclaimErr := r.manager.ReclaimRequest(ctx, req, false); reclaimErr != nil {
				return fmt.Errorf("reclaim %s after handle failure: %w", req.URL, reclaimErr)
			}
			continue
		}

		if err := r.manager.MarkRequestHandled(ctx, req); err != nil {
			return fmt.Errorf("mark %s handled: %w", req.URL, err)
		}
		r.PagesHandled++
	}
}

// handle fetches one request end to end: robots check, page open,
// content extraction, link discovery. It never marks or reclaims the
// request itself; Run decides that from handle's return value.
func (r *Runner) handle(ctx context.Context, req *request.Request) error {
	if r.cfg.RespectRobots {
		allowed, err := r.robots.allowed(ctx, req.URL)
		if err != nil {
			r.log.Debug("robots.txt check failed, allowing", "url", req.URL, "error", err.Error())
		} else if !allowed {
			return errDisallowedByRobots
		}
	}

	page, pageID, err := r.pool.NewPage(ctx, browserpool.NewPageOptions{
		PluginName: r.cfg.PluginName,
		Page:       browserpool.PageOptions{UserAgent: r.cfg.UserAgent},
	})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := page.Close(closeCtx); cerr != nil {
			r.log.Debug("page close failed", "pageId", pageID, "error", cerr.Error())
		}
	}()

	if err := page.Navigate(ctx, req.URL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	html, err := page.Content(ctx)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	if !hasContent(html, r.cfg.MinContentLength) {
		r.log.Debug("page has too little content, skipping", "url", req.URL)
		return nil
	}

	if extracted, err := extractArticle(req.URL, html); err != nil {
		r.log.Debug("content extraction failed", "url", req.URL, "error", err.Error())
	} else {
		r.log.Debug("extracted article", "url", req.URL, "title", extracted.Title, "length", extracted.TextLength)
	}

	if r.cfg.FollowLinks {
		links, err := extractLinks(req.URL, html)
		if err != nil {
			return fmt.Errorf("extract links: %w", err)
		}
		r.enqueueLinks(ctx, links)
	}

	return nil
}

func (r *Runner) enqueueLinks(ctx context.Context, links []string) {
	if r.cfg.MaxDiscoveredLinks > 0 && len(links) > r.cfg.MaxDiscoveredLinks {
		links = links[:r.cfg.MaxDiscoveredLinks]
	}
	for _, link := range links {
		newReq, err := request.New(link)
		if err != nil {
			continue
		}
		if _, err := r.manager.AddRequest(ctx, newReq, false); err != nil {
			r.log.Debug("failed to enqueue discovered link", "url", link, "error", err.Error())
		}
	}
}

var errDisallowedByRobots = errors.New("disallowed by robots.txt")
