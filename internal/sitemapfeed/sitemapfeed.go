// Package sitemapfeed streams URLs out of a sitemap tree (plain <urlset>
// sitemaps and nested <sitemapindex> trees) onto a bounded channel, the way
// SitemapRequestList needs to consume them without holding the whole tree
// in memory at once.
package sitemapfeed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/digster/crawlkit/internal/logging"
)

// DefaultMaxBufferSize bounds the URL pipe when callers don't set one.
const DefaultMaxBufferSize = 200

// DefaultMaxDepth bounds sitemap-index recursion.
const DefaultMaxDepth = 5

// Fetch retrieves the body at rawURL. Callers own transport, retries and
// timeouts; sitemapfeed only consumes the returned reader.
type Fetch func(ctx context.Context, rawURL string) (io.ReadCloser, error)

// Entry is one accepted URL along with the sitemap metadata carried
// alongside it, when present.
type Entry struct {
	URL        string
	SourceFeed string
	Priority   string
	ChangeFreq string
	LastMod    string
}

// Filter accepts or rejects a URL before it is pushed onto the stream.
// Glob-style patterns (containing '*', '?' or '[') are matched with
// path.Match; anything else is treated as a regular expression.
type Filter struct {
	Include []string
	Exclude []string
}

func matchPattern(pattern, s string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(s))
		return err == nil && ok
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func (f Filter) accepts(rawURL string) bool {
	if len(f.Include) > 0 {
		matched := false
		for _, p := range f.Include {
			if matchPattern(p, rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range f.Exclude {
		if matchPattern(p, rawURL) {
			return false
		}
	}
	return true
}

// Options configures a Stream.
type Options struct {
	Fetch         Fetch
	MaxBufferSize int
	MaxDepth      int
	Filter        Filter
	Log           *logging.Logger
}

func (o *Options) setDefaults() {
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
}

// Stream walks one or more root sitemap URLs and streams accepted entries
// onto Entries(). Close the stream (or cancel its context) to stop early;
// Entries() is closed once the walk finishes or is aborted.
type Stream struct {
	opts    Options
	entries chan Entry
	errc    chan error
	done    chan struct{}
	cancel  context.CancelFunc
}

// New starts walking roots in a background goroutine and returns
// immediately; consume Entries() and Err() as the walk progresses.
func New(ctx context.Context, roots []string, opts Options) *Stream {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		opts:    opts,
		entries: make(chan Entry, opts.MaxBufferSize),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.run(ctx, roots)
	return s
}

// Entries returns the channel of accepted URLs. It is closed when the walk
// completes, is aborted, or the stream's context is canceled.
func (s *Stream) Entries() <-chan Entry { return s.entries }

// Err returns the terminal error, if the walk failed. Valid only after
// Entries() is closed.
func (s *Stream) Err() error {
	select {
	case err := <-s.errc:
		return err
	default:
		return nil
	}
}

// Abort stops the walk early, matching cancellation affordance.
func (s *Stream) Abort() {
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context, roots []string) {
	defer close(s.entries)
	defer close(s.done)

	visited := make(map[string]struct{})
	for _, root := range roots {
		if err := s.walk(ctx, root, 0, visited); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.errc <- err
			s.opts.Log.Warn("sitemap walk failed", "url", root, "error", err.Error())
			return
		}
	}
}

func (s *Stream) walk(ctx context.Context, rawURL string, depth int, visited map[string]struct{}) error {
	if depth > s.opts.MaxDepth {
		s.opts.Log.Warn("sitemap recursion depth exceeded, skipping", "url", rawURL, "depth", depth)
		return nil
	}
	norm := normalizeSitemapURL(rawURL)
	if _, seen := visited[norm]; seen {
		return nil
	}
	visited[norm] = struct{}{}

	body, err := s.opts.Fetch(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("fetch sitemap %q: %w", rawURL, err)
	}
	defer body.Close()

	doc, err := parse(body)
	if err != nil {
		return fmt.Errorf("parse sitemap %q: %w", rawURL, err)
	}

	if len(doc.Sitemaps) > 0 {
		for _, child := range doc.Sitemaps {
			if child.Loc == "" {
				continue
			}
			if err := s.walk(ctx, child.Loc, depth+1, visited); err != nil {
				s.opts.Log.Warn("nested sitemap failed, continuing", "url", child.Loc, "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		return nil
	}

	for _, u := range doc.URLs {
		if u.Loc == "" || !s.opts.Filter.accepts(u.Loc) {
			continue
		}
		entry := Entry{
			URL:        u.Loc,
			SourceFeed: rawURL,
			Priority:   u.Priority,
			ChangeFreq: u.ChangeFreq,
			LastMod:    u.LastMod,
		}
		select {
		case s.entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func normalizeSitemapURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

type xmlURL struct {
	Loc        string `xml:"loc"`
	Priority   string `xml:"priority"`
	ChangeFreq string `xml:"changefreq"`
	LastMod    string `xml:"lastmod"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

type xmlDocument struct {
	URLs     []xmlURL     `xml:"url"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

func parse(r io.Reader) (xmlDocument, error) {
	var doc xmlDocument
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return xmlDocument{}, err
	}
	return doc, nil
}
