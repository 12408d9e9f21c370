package browserpool

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// ChromedpDriver is the one concrete Driver implementation, using
// chromedp's exec allocator and context chain, generalized from "one
// browser per process" into "one browser per launch call" so the pool
// can launch many concurrently.
type ChromedpDriver struct {
	Headless bool
}

// NewChromedpDriver returns a driver that launches headless (or headful,
// for debugging) Chrome instances.
func NewChromedpDriver(headless bool) *ChromedpDriver {
	return &ChromedpDriver{Headless: headless}
}

// Launch starts a new Chrome process via chromedp's exec allocator,
// applying a standard anti-detection flag set plus the proxy-server flag
// when lc.ProxyURL is set.
func (d *ChromedpDriver) Launch(ctx context.Context, lc LaunchContext) (DriverBrowser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if lc.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(lc.UserAgent))
	}
	if lc.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(lc.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return &chromedpBrowser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
		disconnected: browserCtx.Done(),
	}, nil
}

type chromedpBrowser struct {
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	cancel       context.CancelFunc
	disconnected <-chan struct{}
}

func (b *chromedpBrowser) NewPage(ctx context.Context, opts PageOptions) (DriverPage, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	page := &chromedpPage{ctx: tabCtx, cancel: cancel}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(ctx, opts.UserAgent); err != nil {
			cancel()
			return nil, err
		}
	}
	return page, nil
}

func (b *chromedpBrowser) Close(ctx context.Context) error {
	b.cancel()
	b.allocCancel()
	return nil
}

func (b *chromedpBrowser) Disconnected() <-chan struct{} { return b.disconnected }

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromedpPage) Close(ctx context.Context) error {
	p.cancel()
	return nil
}

func (p *chromedpPage) SetUserAgent(ctx context.Context, ua string) error {
	return chromedp.Run(p.ctx, chromedp.ActionFunc(func(c context.Context) error {
		return emulation.SetUserAgentOverride(ua).Do(c)
	}))
}

func (p *chromedpPage) InjectScript(ctx context.Context, script string) error {
	var result any
	return chromedp.Run(p.ctx, chromedp.Evaluate(script, &result))
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	return chromedp.Run(p.ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

func (p *chromedpPage) Content(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	return html, nil
}
