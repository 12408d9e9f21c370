package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/digster/crawlkit/internal/browserpool"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/requeststore"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

// fakePage is a stub DriverPage that serves one canned document regardless
// of what URL it's navigated to.
type fakePage struct {
	html string
}

func (p *fakePage) Close(ctx context.Context) error                      { return nil }
func (p *fakePage) SetUserAgent(ctx context.Context, ua string) error     { return nil }
func (p *fakePage) InjectScript(ctx context.Context, script string) error { return nil }
func (p *fakePage) Navigate(ctx context.Context, url string) error       { return nil }
func (p *fakePage) Content(ctx context.Context) (string, error)          { return p.html, nil }

type fakeBrowser struct {
	html         string
	disconnected chan struct{}
}

func (b *fakeBrowser) NewPage(ctx context.Context, opts browserpool.PageOptions) (browserpool.DriverPage, error) {
	return &fakePage{html: b.html}, nil
}
func (b *fakeBrowser) Close(ctx context.Context) error { return nil }
func (b *fakeBrowser) Disconnected() <-chan struct{}   { return b.disconnected }

type fakeDriver struct {
	html string
}

func (d *fakeDriver) Launch(ctx context.Context, lc browserpool.LaunchContext) (browserpool.DriverBrowser, error) {
	return &fakeBrowser{html: d.html, disconnected: make(chan struct{})}, nil
}

const samplePage = `<html><body>
<p>` + strings.Repeat("word ", 40) + `</p>
<a href="/next">next page</a>
</body></html>`

func newTestRunner(t *testing.T, html string, followLinks bool) (*Runner, *requeststore.RequestQueue) {
	t.Helper()

	queue, err := requeststore.NewRequestQueue(context.Background(), requeststore.QueueOptions{
		Driver: memstore.New(),
		Log:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRequestQueue: %v", err)
	}

	plugin := browserpool.NewPlugin("fake", &fakeDriver{html: html}, logging.Nop())
	pool, err := browserpool.NewPool([]*browserpool.Plugin{plugin}, browserpool.PoolOptions{Log: logging.Nop()})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	r := New(queue, pool, Config{
		RespectRobots: false,
		FollowLinks:   followLinks,
		PollInterval:  10 * time.Millisecond,
	}, logging.Nop())

	return r, queue
}

func TestRunnerHandlesSinglePage(t *testing.T) {
	r, queue := newTestRunner(t, samplePage, false)

	req, err := request.New("https://example.com/")
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.PagesHandled != 1 {
		t.Errorf("expected 1 page handled, got %d", r.PagesHandled)
	}
	if r.PagesFailed != 0 {
		t.Errorf("expected 0 pages failed, got %d", r.PagesFailed)
	}
}

func TestRunnerFollowsLinks(t *testing.T) {
	r, queue := newTestRunner(t, samplePage, true)

	req, err := request.New("https://example.com/")
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	if _, err := queue.AddRequest(context.Background(), req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.PagesHandled != 2 {
		t.Errorf("expected 2 pages handled (seed + discovered link), got %d", r.PagesHandled)
	}
}

func TestExtractLinksResolvesRelativeHrefs(t *testing.T) {
	links, err := extractLinks("https://example.com/dir/", samplePage)
	if err != nil {
		t.Fatalf("extractLinks: %v", err)
	}
	if len(links) != 1 || links[0] != "https://example.com/next" {
		t.Errorf("expected one resolved link, got %v", links)
	}
}

func TestExtractArticleReportsLength(t *testing.T) {
	result, err := extractArticle("https://example.com/", samplePage)
	if err != nil {
		t.Fatalf("extractArticle: %v", err)
	}
	if result.TextLength == 0 {
		t.Error("expected non-zero extracted text length")
	}
}
