package browserpool

import (
	"context"
	"fmt"

	"github.com/digster/crawlkit/internal/events"
	"github.com/digster/crawlkit/internal/logging"
)

// Plugin launches browsers from a Driver and applies proxy args: one
// concrete implementation per driver.
type Plugin struct {
	name   string
	driver Driver
	log    *logging.Logger
}

// NewPlugin wraps a Driver under a name used for round-robin selection and
// explicit plugin targeting.
func NewPlugin(name string, driver Driver, log *logging.Logger) *Plugin {
	if log == nil {
		log = logging.Nop()
	}
	return &Plugin{name: name, driver: driver, log: log}
}

// Name identifies the plugin within a Pool.
func (p *Plugin) Name() string { return p.name }

// CreateLaunchContext builds a fresh LaunchContext, applying proxyURL as
// the plugin-specific launch arg.
func (p *Plugin) CreateLaunchContext(proxyURL string) LaunchContext {
	return LaunchContext{ProxyURL: proxyURL, Extras: make(map[string]any)}
}

// Launch delegates to the underlying Driver.
func (p *Plugin) Launch(ctx context.Context, lc LaunchContext) (DriverBrowser, error) {
	browser, err := p.driver.Launch(ctx, lc)
	if err != nil {
		return nil, fmt.Errorf("plugin %q launch: %w", p.name, err)
	}
	return browser, nil
}

// CreateController returns a fresh Controller bound to this plugin.
func (p *Plugin) CreateController(id string, lc LaunchContext, emitter events.Emitter) *Controller {
	return newController(id, p, lc, p.log, emitter)
}
