package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// robotsChecker fetches and caches robots.txt per host, the same
// fetch-once-cache-forever shape the rest of the module uses for
// repeated per-host lookups.
type robotsChecker struct {
	userAgent string
	client    *http.Client

	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsChecker(userAgent string) *robotsChecker {
	return &robotsChecker{
		userAgent: userAgent,
		client:    &http.Client{},
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// allowed reports whether rawURL's path is permitted by its host's
// robots.txt. A missing or unparsable robots.txt allows everything.
func (r *robotsChecker) allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse url: %w", err)
	}

	data := r.get(ctx, parsed.Scheme, parsed.Host)
	if data == nil {
		return true, nil
	}

	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true, nil
	}
	return group.Test(parsed.Path), nil
}

func (r *robotsChecker) get(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	r.mu.RLock()
	data, ok := r.cache[host]
	r.mu.RUnlock()
	if ok {
		return data
	}

	data = r.fetch(ctx, scheme, host)
	r.mu.Lock()
	r.cache[host] = data
	r.mu.Unlock()
	return data
}

func (r *robotsChecker) fetch(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data
}
