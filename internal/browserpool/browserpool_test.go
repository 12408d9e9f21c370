package browserpool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
)

type fakePage struct {
	id     int
	closed atomic.Bool

	mu              sync.Mutex
	userAgent       string
	injectedScripts []string
}

func (p *fakePage) Close(ctx context.Context) error { p.closed.Store(true); return nil }

func (p *fakePage) SetUserAgent(ctx context.Context, ua string) error {
	p.mu.Lock()
	p.userAgent = ua
	p.mu.Unlock()
	return nil
}

func (p *fakePage) InjectScript(ctx context.Context, script string) error {
	p.mu.Lock()
	p.injectedScripts = append(p.injectedScripts, script)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error { return nil }
func (p *fakePage) Content(ctx context.Context) (string, error)    { return "<html></html>", nil }

type fakeBrowser struct {
	mu           sync.Mutex
	pages        int
	closed       bool
	disconnected chan struct{}
	failNewPage  bool
}

func (b *fakeBrowser) NewPage(ctx context.Context, opts PageOptions) (DriverPage, error) {
	if b.failNewPage {
		return nil, errors.New("boom")
	}
	b.mu.Lock()
	b.pages++
	id := b.pages
	b.mu.Unlock()
	page := &fakePage{id: id}
	if opts.UserAgent != "" {
		page.userAgent = opts.UserAgent
	}
	return page, nil
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) Disconnected() <-chan struct{} { return b.disconnected }

type fakeDriver struct {
	launches    atomic.Int32
	failLaunch  bool
	failNewPage bool
}

func (d *fakeDriver) Launch(ctx context.Context, lc LaunchContext) (DriverBrowser, error) {
	if d.failLaunch {
		return nil, errors.New("launch failed")
	}
	d.launches.Add(1)
	return &fakeBrowser{disconnected: make(chan struct{}), failNewPage: d.failNewPage}, nil
}

func newTestPool(t *testing.T, driver Driver, opts PoolOptions) *Pool {
	t.Helper()
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	plugin := NewPlugin("fake", driver, opts.Log)
	pool, err := NewPool([]*Plugin{plugin}, opts)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Destroy(ctx)
	})
	return pool
}

func TestNewPageLaunchesAndReusesController(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: 5})
	ctx := context.Background()

	page1, id1, err := pool.NewPage(ctx, NewPageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected a non-empty page id")
	}

	page2, id2, err := pool.NewPage(ctx, NewPageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if id2 == id1 {
		t.Fatal("expected distinct page ids")
	}

	if driver.launches.Load() != 1 {
		t.Errorf("expected a single browser launch to serve both pages, got %d", driver.launches.Load())
	}

	stats := pool.Stats()
	if stats.ActiveControllers != 1 || stats.OpenPages != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := page1.Close(ctx); err != nil {
		t.Fatalf("page1 Close: %v", err)
	}
	if err := page2.Close(ctx); err != nil {
		t.Fatalf("page2 Close: %v", err)
	}
	if pool.Stats().OpenPages != 0 {
		t.Errorf("expected 0 open pages after closing both, got %d", pool.Stats().OpenPages)
	}
}

func TestNewPageRejectsDuplicateID(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{})
	ctx := context.Background()

	if _, _, err := pool.NewPage(ctx, NewPageOptions{ID: "dup"}); err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	_, _, err := pool.NewPage(ctx, NewPageOptions{ID: "dup"})
	if !errors.Is(err, request.ErrDuplicatePageID) {
		t.Fatalf("expected ErrDuplicatePageID, got %v", err)
	}
}

func TestNewPageUnknownPluginErrors(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{})
	_, _, err := pool.NewPage(context.Background(), NewPageOptions{PluginName: "nope"})
	if !errors.Is(err, request.ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestNewPageRespectsPerBrowserCapacity(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: 1})
	ctx := context.Background()

	if _, _, err := pool.NewPage(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if _, _, err := pool.NewPage(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	if driver.launches.Load() != 2 {
		t.Errorf("expected a second browser to launch once capacity is exhausted, got %d launches", driver.launches.Load())
	}
}

func TestNewPageInNewBrowserAlwaysLaunches(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: 10})
	ctx := context.Background()

	if _, _, err := pool.NewPageInNewBrowser(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPageInNewBrowser: %v", err)
	}
	if _, _, err := pool.NewPageInNewBrowser(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPageInNewBrowser: %v", err)
	}
	if driver.launches.Load() != 2 {
		t.Errorf("expected NewPageInNewBrowser to always launch fresh, got %d launches", driver.launches.Load())
	}
}

func TestRetireAfterPageCountRetiresController(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: 10, RetireAfterPageCount: 1})
	ctx := context.Background()

	if _, _, err := pool.NewPage(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	stats := pool.Stats()
	if stats.ActiveControllers != 0 || stats.RetiredControllers != 1 {
		t.Errorf("expected the controller to be retired after 1 page, got %+v", stats)
	}

	if _, _, err := pool.NewPage(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPage after retirement: %v", err)
	}
	if driver.launches.Load() != 2 {
		t.Errorf("expected a new browser launch once the first retired, got %d", driver.launches.Load())
	}
}

func TestNewPageSurfacesLaunchFailure(t *testing.T) {
	driver := &fakeDriver{failLaunch: true}
	pool := newTestPool(t, driver, PoolOptions{})
	_, _, err := pool.NewPage(context.Background(), NewPageOptions{})
	if !errors.Is(err, request.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestNewPageSurfacesPageOpenFailure(t *testing.T) {
	driver := &fakeDriver{failNewPage: true}
	pool := newTestPool(t, driver, PoolOptions{})
	_, _, err := pool.NewPage(context.Background(), NewPageOptions{})
	if !errors.Is(err, request.ErrPageOpenFailed) {
		t.Fatalf("expected ErrPageOpenFailed, got %v", err)
	}
}

func TestRetireBrowserByPageRetiresOwningController(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: 10})
	ctx := context.Background()

	_, pageID, err := pool.NewPage(ctx, NewPageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	pool.RetireBrowserByPage(pageID)
	stats := pool.Stats()
	if stats.RetiredControllers != 1 || stats.ActiveControllers != 0 {
		t.Errorf("expected the page's controller to be retired, got %+v", stats)
	}
}

func TestDestroyClosesControllersAndStopsReaper(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{})
	ctx := context.Background()

	if _, _, err := pool.NewPage(ctx, NewPageOptions{}); err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	destroyCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Destroy(destroyCtx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	stats := pool.Stats()
	if stats.ActiveControllers != 0 || stats.RetiredControllers != 0 {
		t.Errorf("expected Destroy to clear controller bookkeeping, got %+v", stats)
	}
}

func TestNewPageConcurrentCallsRespectCapacity(t *testing.T) {
	driver := &fakeDriver{}
	const capacity = 3
	pool := newTestPool(t, driver, PoolOptions{MaxOpenPagesPerBrowser: capacity})

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := pool.NewPage(context.Background(), NewPageOptions{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("NewPage: %v", err)
	}

	stats := pool.Stats()
	if stats.OpenPages != callers {
		t.Fatalf("expected %d open pages, got %d", callers, stats.OpenPages)
	}
	wantControllers := (callers + capacity - 1) / capacity
	if stats.ActiveControllers != wantControllers {
		t.Errorf("expected %d controllers to serve %d pages at capacity %d without exceeding it, got %d active (launches=%d)",
			wantControllers, callers, capacity, stats.ActiveControllers, driver.launches.Load())
	}
}

type fixedFingerprintGenerator struct {
	fp *Fingerprint
}

func (g fixedFingerprintGenerator) Generate(key string) (*Fingerprint, error) {
	return g.fp, nil
}

func TestFingerprintHooksApplyUserAgentAndRuntimeOverrides(t *testing.T) {
	driver := &fakeDriver{}
	fp := &Fingerprint{
		UserAgent:        "test-agent/1.0",
		RuntimeOverrides: map[string]string{"webdriver": "false"},
	}
	pool := newTestPool(t, driver, PoolOptions{
		FingerprintsEnabled:  true,
		FingerprintGenerator: fixedFingerprintGenerator{fp: fp},
	})

	page, _, err := pool.NewPage(context.Background(), NewPageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	managed, ok := page.(*poolManagedPage)
	if !ok {
		t.Fatalf("expected *poolManagedPage, got %T", page)
	}
	fake, ok := managed.inner.(*fakePage)
	if !ok {
		t.Fatalf("expected *fakePage, got %T", managed.inner)
	}

	fake.mu.Lock()
	ua := fake.userAgent
	scripts := append([]string(nil), fake.injectedScripts...)
	fake.mu.Unlock()

	if ua != fp.UserAgent {
		t.Errorf("expected user agent %q from the fingerprint, got %q", fp.UserAgent, ua)
	}
	if len(scripts) != 1 || !strings.Contains(scripts[0], "webdriver") {
		t.Errorf("expected one injected script referencing the webdriver override, got %v", scripts)
	}
}

func TestHookChainsRunOnPageLifecycle(t *testing.T) {
	driver := &fakeDriver{}
	pool := newTestPool(t, driver, PoolOptions{})

	var preLaunch, postLaunch, prePageCreate, postPageCreate, prePageClose, postPageClose atomic.Bool
	pool.PreLaunch().Use(func(ctx context.Context, lc *LaunchContext) error { preLaunch.Store(true); return nil })
	pool.PostLaunch().Use(func(ctx context.Context, c *Controller) error { postLaunch.Store(true); return nil })
	pool.PrePageCreate().Use(func(ctx context.Context, e pagePrepEvent) error { prePageCreate.Store(true); return nil })
	pool.PostPageCreate().Use(func(ctx context.Context, e pageCreatedEvent) error { postPageCreate.Store(true); return nil })
	pool.PrePageClose().Use(func(ctx context.Context, e pageCloseEvent) error { prePageClose.Store(true); return nil })
	pool.PostPageClose().Use(func(ctx context.Context, e pageCloseEvent) error { postPageClose.Store(true); return nil })

	ctx := context.Background()
	page, _, err := pool.NewPage(ctx, NewPageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if err := page.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, fired := range map[string]*atomic.Bool{
		"preLaunch": &preLaunch, "postLaunch": &postLaunch,
		"prePageCreate": &prePageCreate, "postPageCreate": &postPageCreate,
		"prePageClose": &prePageClose, "postPageClose": &postPageClose,
	} {
		if !fired.Load() {
			t.Errorf("expected %s hook to have run", name)
		}
	}
}
