package sitemapfeed

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

const urlsetXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/a</loc><priority>0.8</priority></url>
  <url><loc>https://example.com/b</loc><changefreq>daily</changefreq></url>
  <url><loc>https://example.com/skip-me</loc></url>
</urlset>`

const sitemapIndexXML = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap-b.xml</loc></sitemap>
</sitemapindex>`

func rc(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func collect(t *testing.T, s *Stream) []Entry {
	t.Helper()
	var got []Entry
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-s.Entries():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatal("timed out waiting for sitemap stream to close")
		}
	}
}

func TestStreamURLSetWithFilter(t *testing.T) {
	fetch := func(ctx context.Context, rawURL string) (io.ReadCloser, error) {
		return rc(urlsetXML), nil
	}
	s := New(context.Background(), []string{"https://example.com/sitemap.xml"}, Options{
		Fetch:  fetch,
		Filter: Filter{Exclude: []string{"skip-me"}},
	})
	entries := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after filtering, got %d", len(entries))
	}
	if entries[0].URL != "https://example.com/a" || entries[0].Priority != "0.8" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].ChangeFreq != "daily" {
		t.Errorf("expected changefreq to carry through, got %+v", entries[1])
	}
}

func TestStreamFollowsSitemapIndex(t *testing.T) {
	fetch := func(ctx context.Context, rawURL string) (io.ReadCloser, error) {
		switch rawURL {
		case "https://example.com/sitemap-index.xml":
			return rc(sitemapIndexXML), nil
		default:
			return rc(urlsetXML), nil
		}
	}
	s := New(context.Background(), []string{"https://example.com/sitemap-index.xml"}, Options{Fetch: fetch})
	entries := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	// Two child sitemaps, each with 3 <url> entries (no filter configured).
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries across both child sitemaps, got %d", len(entries))
	}
}

func TestStreamStopsAtMaxDepth(t *testing.T) {
	var calls int
	fetch := func(ctx context.Context, rawURL string) (io.ReadCloser, error) {
		calls++
		next := rawURL + "x"
		return rc(`<?xml version="1.0"?><sitemapindex><sitemap><loc>` + next + `</loc></sitemap></sitemapindex>`), nil
	}
	s := New(context.Background(), []string{"https://example.com/0"}, Options{
		Fetch:    fetch,
		MaxDepth: 3,
	})
	collect(t, s)
	// Root (depth 0) plus up to MaxDepth nested fetches; without the
	// depth guard each distinct "...x" URL would recurse indefinitely.
	if calls > 5 {
		t.Fatalf("expected recursion to stop near MaxDepth, got %d fetches", calls)
	}
}

func TestStreamPropagatesFetchError(t *testing.T) {
	fetch := func(ctx context.Context, rawURL string) (io.ReadCloser, error) {
		return nil, io.ErrUnexpectedEOF
	}
	s := New(context.Background(), []string{"https://example.com/sitemap.xml"}, Options{Fetch: fetch})
	collect(t, s)
	if s.Err() == nil {
		t.Fatal("expected a fetch error to surface via Err")
	}
}
