package browserpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
)

// Tuning constants for the pool's reaper and retirement thresholds.
const (
	// DefaultBrowserKillerInterval is the reaper's scan period.
	DefaultBrowserKillerInterval = 10 * time.Second
	// DefaultPageCloseKillTimeout avoids a driver race between a page
	// closing and its controller's retirement check.
	DefaultPageCloseKillTimeout = 1 * time.Second
	// DefaultCloseInactiveAfter is how long a retired controller that
	// still has open pages may go without a new page (measured from
	// LastPageOpenedAt) before the reaper closes it anyway. Retired
	// controllers with zero active pages are closed on the next scan.
	DefaultCloseInactiveAfter = 300 * time.Second
)

// PoolOptions configures a Pool: a Config/ValidateConfig idiom applied
// to the pool's own tuning scalars.
type PoolOptions struct {
	MaxOpenPagesPerBrowser  int
	RetireAfterPageCount    int
	OperationTimeout        time.Duration
	CloseInactiveAfter      time.Duration
	BrowserKillerInterval   time.Duration
	PageCloseKillTimeout    time.Duration
	FingerprintsEnabled     bool
	FingerprintGenerator    FingerprintGenerator
	FingerprintCacheSize    int
	Log                     *logging.Logger
	Emitter                 events.Emitter
}

func (o *PoolOptions) setDefaults() {
	if o.MaxOpenPagesPerBrowser <= 0 {
		o.MaxOpenPagesPerBrowser = 8
	}
	if o.RetireAfterPageCount <= 0 {
		o.RetireAfterPageCount = 100
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.CloseInactiveAfter <= 0 {
		o.CloseInactiveAfter = DefaultCloseInactiveAfter
	}
	if o.BrowserKillerInterval <= 0 {
		o.BrowserKillerInterval = DefaultBrowserKillerInterval
	}
	if o.PageCloseKillTimeout <= 0 {
		o.PageCloseKillTimeout = DefaultPageCloseKillTimeout
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	if o.FingerprintsEnabled && o.FingerprintGenerator == nil {
		o.FingerprintGenerator = NewRotatingUserAgentGenerator(nil)
	}
}

// NewPageOptions parameterizes Pool.NewPage.
type NewPageOptions struct {
	ID        string
	Page      PageOptions
	PluginName string
	ProxyURL  string
}

// Pool is the pool-wide scheduler: picks a plugin
// round-robin, picks a browser with free capacity (or launches one),
// retires controllers on thresholds, and closes them on idle via a
// background reaper.
type Pool struct {
	opts PoolOptions

	mu          sync.Mutex
	plugins     []*Plugin
	pluginByName map[string]*Plugin
	active      map[string]*Controller
	retired     map[string]*Controller
	pages       map[string]DriverPage // page id -> page
	pageToCtrl  map[string]*Controller
	pageCounter int

	newPageSem chan struct{} // capacity-1 critical section

	preLaunch       events.HookChain[*LaunchContext]
	postLaunch      events.HookChain[*Controller]
	prePageCreate   events.HookChain[pagePrepEvent]
	postPageCreate  events.HookChain[pageCreatedEvent]
	prePageClose    events.HookChain[pageCloseEvent]
	postPageClose   events.HookChain[pageCloseEvent]

	fingerprints *fingerprintCache

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type pagePrepEvent struct {
	Controller *Controller
	Options    *PageOptions
}

type pageCreatedEvent struct {
	PageID     string
	Controller *Controller
	Page       DriverPage
}

type pageCloseEvent struct {
	PageID     string
	Controller *Controller
}

// NewPool constructs a Pool over one or more plugins and starts the
// background reaper.
func NewPool(plugins []*Plugin, opts PoolOptions) (*Pool, error) {
	if len(plugins) == 0 {
		return nil, fmt.Errorf("%w: at least one plugin is required", request.ErrInvalidInput)
	}
	opts.setDefaults()

	p := &Pool{
		opts:         opts,
		plugins:      plugins,
		pluginByName: make(map[string]*Plugin, len(plugins)),
		active:       make(map[string]*Controller),
		retired:      make(map[string]*Controller),
		pages:        make(map[string]DriverPage),
		pageToCtrl:   make(map[string]*Controller),
		newPageSem:   make(chan struct{}, 1),
		fingerprints: newFingerprintCache(opts.FingerprintCacheSize),
		reaperStop:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
	for _, pl := range plugins {
		p.pluginByName[pl.Name()] = pl
	}

	if opts.FingerprintsEnabled {
		p.wireFingerprintHooks()
	}

	go p.reapLoop()
	return p, nil
}

// PreLaunch, PostLaunch, PrePageCreate, PostPageCreate, PrePageClose and
// PostPageClose expose the six hook slots for registration.
func (p *Pool) PreLaunch() *events.HookChain[*LaunchContext]        { return &p.preLaunch }
func (p *Pool) PostLaunch() *events.HookChain[*Controller]          { return &p.postLaunch }
func (p *Pool) PrePageCreate() *events.HookChain[pagePrepEvent]     { return &p.prePageCreate }
func (p *Pool) PostPageCreate() *events.HookChain[pageCreatedEvent] { return &p.postPageCreate }
func (p *Pool) PrePageClose() *events.HookChain[pageCloseEvent]     { return &p.prePageClose }
func (p *Pool) PostPageClose() *events.HookChain[pageCloseEvent]    { return &p.postPageClose }

// wireFingerprintHooks registers all three fingerprint hooks: PreLaunch
// attaches (or generates) a Fingerprint on the launch context, PrePageCreate
// carries its UserAgent onto the page options the driver will honor, and
// PostPageCreate injects its RuntimeOverrides into the opened page.
func (p *Pool) wireFingerprintHooks() {
	p.preLaunch.Use(func(ctx context.Context, lc *LaunchContext) error {
		key := lc.ProxyURL
		if key == "" {
			key = "default"
		}
		if fp, ok := p.fingerprints.Get(key); ok {
			lc.Fingerprint = fp
			return nil
		}
		fp, err := p.opts.FingerprintGenerator.Generate(key)
		if err != nil {
			return err
		}
		p.fingerprints.Put(key, fp)
		lc.Fingerprint = fp
		return nil
	})

	p.prePageCreate.Use(func(ctx context.Context, ev pagePrepEvent) error {
		if ev.Controller == nil {
			return nil
		}
		fp := ev.Controller.LaunchCtx.Fingerprint
		if fp == nil || fp.UserAgent == "" {
			return nil
		}
		ev.Options.UserAgent = fp.UserAgent
		return nil
	})

	p.postPageCreate.Use(func(ctx context.Context, ev pageCreatedEvent) error {
		if ev.Controller == nil || ev.Page == nil {
			return nil
		}
		fp := ev.Controller.LaunchCtx.Fingerprint
		if fp == nil {
			return nil
		}
		for prop, value := range fp.RuntimeOverrides {
			script := fmt.Sprintf("Object.defineProperty(navigator, %q, { get: () => %q });", prop, value)
			if err := ev.Page.InjectScript(ctx, script); err != nil {
				return fmt.Errorf("inject fingerprint override %q: %w", prop, err)
			}
		}
		return nil
	})
}

// NewPage opens a page per page-open algorithm.
func (p *Pool) NewPage(ctx context.Context, opts NewPageOptions) (DriverPage, string, error) {
	if opts.ID != "" {
		p.mu.Lock()
		_, exists := p.pages[opts.ID]
		p.mu.Unlock()
		if exists {
			return nil, "", fmt.Errorf("%w: page id %q already in use", request.ErrDuplicatePageID, opts.ID)
		}
	}

	var plugin *Plugin
	if opts.PluginName != "" {
		p.mu.Lock()
		plugin = p.pluginByName[opts.PluginName]
		p.mu.Unlock()
		if plugin == nil {
			return nil, "", fmt.Errorf("%w: %q", request.ErrUnknownPlugin, opts.PluginName)
		}
	}

	controller, err := p.pickOrLaunch(ctx, plugin, opts.ProxyURL, false)
	if err != nil {
		return nil, "", err
	}

	return p.openPageOnController(ctx, controller, opts)
}

// NewPageInNewBrowser always launches a new controller.
func (p *Pool) NewPageInNewBrowser(ctx context.Context, opts NewPageOptions) (DriverPage, string, error) {
	var plugin *Plugin
	if opts.PluginName != "" {
		p.mu.Lock()
		plugin = p.pluginByName[opts.PluginName]
		p.mu.Unlock()
		if plugin == nil {
			return nil, "", fmt.Errorf("%w: %q", request.ErrUnknownPlugin, opts.PluginName)
		}
	}
	controller, err := p.pickOrLaunch(ctx, plugin, opts.ProxyURL, true)
	if err != nil {
		return nil, "", err
	}
	return p.openPageOnController(ctx, controller, opts)
}

// NewPageWithEachPlugin opens one page per registered plugin, in index
// order.
func (p *Pool) NewPageWithEachPlugin(ctx context.Context, proxyURL string) (map[string]DriverPage, error) {
	p.mu.Lock()
	plugins := append([]*Plugin(nil), p.plugins...)
	p.mu.Unlock()

	out := make(map[string]DriverPage, len(plugins))
	for _, plugin := range plugins {
		page, _, err := p.NewPage(ctx, NewPageOptions{PluginName: plugin.Name(), ProxyURL: proxyURL})
		if err != nil {
			return out, err
		}
		out[plugin.Name()] = page
	}
	return out, nil
}

// pickOrLaunch is the pool-wide concurrency-1 critical section:
// selecting an existing controller or launching a new one, and reserving
// a page slot on it, are serialized (the launch runs while the section is
// held); opening the page itself runs outside the critical section.
func (p *Pool) pickOrLaunch(ctx context.Context, plugin *Plugin, proxyURL string, forceNew bool) (*Controller, error) {
	select {
	case p.newPageSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.newPageSem }()

	if plugin == nil {
		p.mu.Lock()
		plugin = p.plugins[p.pageCounter%len(p.plugins)]
		p.pageCounter++
		p.mu.Unlock()
	}

	if !forceNew {
		p.mu.Lock()
		for _, c := range p.active {
			if c.Plugin == plugin && c.IsActive() && c.ActivePages() < int64(p.opts.MaxOpenPagesPerBrowser) {
				c.ReserveActivePage()
				p.mu.Unlock()
				return c, nil
			}
		}
		p.mu.Unlock()
	}

	controller, err := p.launchBrowser(ctx, plugin, proxyURL)
	if err != nil {
		return nil, err
	}
	controller.ReserveActivePage()
	return controller, nil
}

func (p *Pool) launchBrowser(ctx context.Context, plugin *Plugin, proxyURL string) (*Controller, error) {
	lc := plugin.CreateLaunchContext(proxyURL)
	controller := plugin.CreateController(newControllerID(), lc, p.opts.Emitter)

	p.mu.Lock()
	p.active[controller.ID] = controller
	p.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	if err := p.preLaunch.Run(opCtx, &controller.LaunchCtx); err != nil {
		p.removeActive(controller.ID)
		return nil, fmt.Errorf("%w: pre-launch hook: %v", request.ErrLaunchFailed, err)
	}

	browser, err := plugin.Launch(opCtx, controller.LaunchCtx)
	if err != nil {
		p.removeActive(controller.ID)
		return nil, fmt.Errorf("%w: %v", request.ErrLaunchFailed, err)
	}
	controller.AssignBrowser(browser)

	if err := p.postLaunch.Run(opCtx, controller); err != nil {
		p.removeActive(controller.ID)
		_ = browser.Close(context.Background())
		return nil, fmt.Errorf("%w: post-launch hook: %v", request.ErrLaunchFailed, err)
	}

	controller.Activate()
	events.EmitStateChange(p.opts.Emitter, events.TypeRunStarted)
	return controller, nil
}

func newControllerID() string {
	return fmt.Sprintf("ctrl-%d", time.Now().UnixNano())
}

func (p *Pool) removeActive(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Pool) openPageOnController(ctx context.Context, controller *Controller, opts NewPageOptions) (DriverPage, string, error) {
	select {
	case <-controllerActiveCh(controller):
	case <-ctx.Done():
		controller.ReleasePage()
		return nil, "", ctx.Err()
	}

	pageOpts := opts.Page
	if err := p.prePageCreate.Run(ctx, pagePrepEvent{Controller: controller, Options: &pageOpts}); err != nil {
		controller.ReleasePage()
		return nil, "", fmt.Errorf("pre-page-create hook: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	page, err := controller.NewPage(opCtx, pageOpts)
	if err != nil {
		p.retireController(controller)
		return nil, "", err
	}

	pageID := opts.ID
	if pageID == "" {
		pageID = fmt.Sprintf("page-%d", time.Now().UnixNano())
	}

	p.mu.Lock()
	p.pages[pageID] = page
	p.pageToCtrl[pageID] = controller
	p.mu.Unlock()

	if controller.TotalPages() >= int64(p.opts.RetireAfterPageCount) {
		p.retireController(controller)
	}

	if err := p.postPageCreate.Run(ctx, pageCreatedEvent{PageID: pageID, Controller: controller, Page: page}); err != nil {
		p.log().Debug("post-page-create hook failed, keeping the page open", "pageId", pageID, "error", err.Error())
	}
	events.EmitProgress(p.opts.Emitter, events.ProgressData{})

	return &poolManagedPage{pool: p, inner: page, pageID: pageID, controller: controller}, pageID, nil
}

func (p *Pool) log() *logging.Logger { return p.opts.Log }

func controllerActiveCh(c *Controller) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for !c.IsActive() {
			time.Sleep(time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

// poolManagedPage overrides Close so PrePageClose/PostPageClose hooks run,
// associations are cleared, and a retired controller whose active pages
// just reached zero gets a delayed close check.
type poolManagedPage struct {
	pool       *Pool
	inner      DriverPage
	pageID     string
	controller *Controller
}

func (pg *poolManagedPage) Close(ctx context.Context) error {
	ev := pageCloseEvent{PageID: pg.pageID, Controller: pg.controller}
	_ = pg.pool.prePageClose.Run(ctx, ev)

	if err := pg.inner.Close(ctx); err != nil {
		pg.pool.opts.Log.Debug("driver page close failed, ignoring", "pageId", pg.pageID, "error", err.Error())
	}

	_ = pg.pool.postPageClose.Run(ctx, ev)

	pg.pool.mu.Lock()
	delete(pg.pool.pages, pg.pageID)
	delete(pg.pool.pageToCtrl, pg.pageID)
	_, isRetired := pg.pool.retired[pg.controller.ID]
	pg.pool.mu.Unlock()

	pg.controller.ReleasePage()

	if isRetired {
		time.AfterFunc(pg.pool.opts.PageCloseKillTimeout, func() {
			if pg.controller.ActivePages() == 0 {
				_ = pg.controller.Close(context.Background())
			}
		})
	}
	return nil
}

func (pg *poolManagedPage) SetUserAgent(ctx context.Context, ua string) error {
	return pg.inner.SetUserAgent(ctx, ua)
}

func (pg *poolManagedPage) InjectScript(ctx context.Context, script string) error {
	return pg.inner.InjectScript(ctx, script)
}

func (pg *poolManagedPage) Navigate(ctx context.Context, url string) error {
	return pg.inner.Navigate(ctx, url)
}

func (pg *poolManagedPage) Content(ctx context.Context) (string, error) {
	return pg.inner.Content(ctx)
}

// RetireBrowserController moves a controller to the retired set.
func (p *Pool) RetireBrowserController(id string) {
	p.mu.Lock()
	c, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.retireController(c)
}

// RetireBrowserByPage retires whichever controller owns pageID.
func (p *Pool) RetireBrowserByPage(pageID string) {
	p.mu.Lock()
	c, ok := p.pageToCtrl[pageID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.retireController(c)
}

func (p *Pool) retireController(c *Controller) {
	p.mu.Lock()
	if _, already := p.retired[c.ID]; already {
		p.mu.Unlock()
		return
	}
	delete(p.active, c.ID)
	p.retired[c.ID] = c
	p.mu.Unlock()
	events.EmitBrowserRetired(p.opts.Emitter, c.ID)
}

// RetireAllBrowsers moves every active controller to retired.
func (p *Pool) RetireAllBrowsers() {
	p.mu.Lock()
	controllers := make([]*Controller, 0, len(p.active))
	for _, c := range p.active {
		controllers = append(controllers, c)
	}
	p.mu.Unlock()
	for _, c := range controllers {
		p.retireController(c)
	}
}

// CloseAllBrowsers closes active controllers only, in parallel via
// errgroup.
func (p *Pool) CloseAllBrowsers(ctx context.Context) error {
	p.mu.Lock()
	controllers := make([]*Controller, 0, len(p.active))
	for _, c := range p.active {
		controllers = append(controllers, c)
	}
	p.mu.Unlock()
	return closeAll(ctx, controllers)
}

func closeAll(ctx context.Context, controllers []*Controller) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range controllers {
		c := c
		g.Go(func() error { return c.Close(gctx) })
	}
	return g.Wait()
}

// Destroy closes every controller (active and retired) and stops the
// background reaper.
func (p *Pool) Destroy(ctx context.Context) error {
	select {
	case <-p.reaperStop:
	default:
		close(p.reaperStop)
	}
	<-p.reaperDone

	p.mu.Lock()
	all := make([]*Controller, 0, len(p.active)+len(p.retired))
	for _, c := range p.active {
		all = append(all, c)
	}
	for _, c := range p.retired {
		all = append(all, c)
	}
	p.active = make(map[string]*Controller)
	p.retired = make(map[string]*Controller)
	p.mu.Unlock()

	return closeAll(ctx, all)
}

// reapLoop scans retired controllers every BrowserKillerInterval and
// closes any with zero active pages or past CloseInactiveAfter. The
// timer never blocks process exit.
func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.opts.BrowserKillerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	var toClose []*Controller
	for id, c := range p.retired {
		if c.Closed() {
			delete(p.retired, id)
			continue
		}
		if c.ActivePages() == 0 || time.Since(c.LastPageOpenedAt()) >= p.opts.CloseInactiveAfter {
			toClose = append(toClose, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close(context.Background())
	}
}

// Stats summarizes pool occupancy for internal/api and internal/mcp.
type Stats struct {
	ActiveControllers  int
	RetiredControllers int
	OpenPages          int
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveControllers:  len(p.active),
		RetiredControllers: len(p.retired),
		OpenPages:          len(p.pages),
	}
}
