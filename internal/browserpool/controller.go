package browserpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
)

// ProcessKillTimeout bounds how long Close waits for a graceful browser
// close before abandoning it. No forced process kill follows.
const ProcessKillTimeout = 5 * time.Second

// Controller wraps one launched browser instance and tracks active/total
// page counts, implementing the Unassigned → HasBrowser → Active → Closed
// state machine.
type Controller struct {
	ID         string
	Plugin     *Plugin
	LaunchCtx  LaunchContext

	browser DriverBrowser

	hasBrowserOnce sync.Once
	hasBrowserCh   chan struct{}
	activeOnce     sync.Once
	activeCh       chan struct{}
	closedOnce     sync.Once
	closedCh       chan struct{}

	activePages int64
	totalPages  int64

	lastPageOpenedAt atomic.Value // time.Time

	log      *logging.Logger
	emitter  events.Emitter
}

func newController(id string, plugin *Plugin, lc LaunchContext, log *logging.Logger, emitter events.Emitter) *Controller {
	c := &Controller{
		ID:           id,
		Plugin:       plugin,
		LaunchCtx:    lc,
		hasBrowserCh: make(chan struct{}),
		activeCh:     make(chan struct{}),
		closedCh:     make(chan struct{}),
		log:          log,
		emitter:      emitter,
	}
	c.lastPageOpenedAt.Store(time.Now())
	return c
}

// AssignBrowser transitions Unassigned → HasBrowser. May only run once;
// subsequent calls are no-ops.
func (c *Controller) AssignBrowser(b DriverBrowser) {
	c.hasBrowserOnce.Do(func() {
		c.browser = b
		close(c.hasBrowserCh)
	})
}

// Activate requires HasBrowser and transitions to Active. May only run
// once.
func (c *Controller) Activate() {
	c.activeOnce.Do(func() { close(c.activeCh) })
}

// IsActive reports whether Activate has completed.
func (c *Controller) IsActive() bool {
	select {
	case <-c.activeCh:
		return true
	default:
		return false
	}
}

// ActivePages reports the current open-page count.
func (c *Controller) ActivePages() int64 { return atomic.LoadInt64(&c.activePages) }

// TotalPages reports the lifetime opened-page count.
func (c *Controller) TotalPages() int64 { return atomic.LoadInt64(&c.totalPages) }

// LastPageOpenedAt reports when NewPage last started a driver call (stored
// before the call runs), or the controller's creation time if none has.
func (c *Controller) LastPageOpenedAt() time.Time {
	return c.lastPageOpenedAt.Load().(time.Time)
}

// ReserveActivePage bumps activePages and totalPages up front, before the
// driver call that will actually open the page. Callers must hold the
// pool's single-flight pick-or-launch section when they call this, so the
// capacity check that led to this controller being chosen and this
// reservation land atomically — the pool's capacity accounting is correct
// the instant a caller decides to reuse or launch a controller, not only
// once the driver call returns.
func (c *Controller) ReserveActivePage() {
	atomic.AddInt64(&c.activePages, 1)
	atomic.AddInt64(&c.totalPages, 1)
}

// NewPage awaits Active, then opens a page via the driver. The caller must
// have already reserved the slot with ReserveActivePage; on failure the
// reservation is rolled back via ReleasePage.
func (c *Controller) NewPage(ctx context.Context, opts PageOptions) (DriverPage, error) {
	select {
	case <-c.activeCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.lastPageOpenedAt.Store(time.Now())

	page, err := c.browser.NewPage(ctx, opts)
	if err != nil {
		c.ReleasePage()
		return nil, fmt.Errorf("%w: %v", request.ErrPageOpenFailed, err)
	}
	return page, nil
}

// ReleasePage decrements activePages, either rolling back a reservation
// that never produced a page or recording that an opened page has closed.
func (c *Controller) ReleasePage() {
	atomic.AddInt64(&c.activePages, -1)
}

// Close awaits HasBrowser, delegates to the driver, and marks the controller
// closed, which emits a TypeBrowserRetired state-change event (there is no
// separate browser-closed event). If the graceful close has not finished
// after ProcessKillTimeout, Close marks the controller closed anyway and
// returns a timeout error of its own rather than reading the close
// goroutine's result, since that result may still be in flight. The browser
// process is not force-killed.
func (c *Controller) Close(ctx context.Context) error {
	select {
	case <-c.hasBrowserCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	var closeErr atomic.Value // error
	done := make(chan struct{})
	go func() {
		if err := c.browser.Close(ctx); err != nil {
			closeErr.Store(err)
		}
		close(done)
	}()

	select {
	case <-done:
		c.markClosed()
		if err, ok := closeErr.Load().(error); ok {
			return err
		}
		return nil
	case <-time.After(ProcessKillTimeout):
		c.log.Warn("browser close timed out, abandoning graceful shutdown", "controllerId", c.ID)
		c.markClosed()
		return fmt.Errorf("browser close exceeded %s, abandoning graceful shutdown", ProcessKillTimeout)
	}
}

// Kill skips graceful close entirely.
func (c *Controller) Kill() {
	if c.browser != nil {
		_ = c.browser.Close(context.Background())
	}
	c.markClosed()
}

func (c *Controller) markClosed() {
	c.closedOnce.Do(func() {
		close(c.closedCh)
		events.EmitStateChange(c.emitter, events.TypeBrowserRetired)
	})
}

// Closed reports whether Close or Kill has run.
func (c *Controller) Closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Disconnected proxies the underlying driver browser's disconnect signal,
// or a nil channel (never fires) before a browser is assigned.
func (c *Controller) Disconnected() <-chan struct{} {
	select {
	case <-c.hasBrowserCh:
		return c.browser.Disconnected()
	default:
		return nil
	}
}
