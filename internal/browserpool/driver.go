// Package browserpool implements the Browser Controller / Browser Plugin /
// Browser Pool / Hook Chain subsystem: a
// concurrency-controlled pool of headless-browser instances multiplexing
// page requests across browsers under per-browser capacity limits.
package browserpool

import (
	"context"
	"time"
)

// LaunchContext carries everything a Driver needs to launch one browser,
// plus an open-ended extras map.
type LaunchContext struct {
	ProxyURL    string
	UserAgent   string
	Fingerprint *Fingerprint
	Extras      map[string]any
}

// PageOptions configures a new page/tab. The pool forwards it to the driver
// on every page open; no incognito-pages or containers setting gates it.
type PageOptions struct {
	UserAgent string
	Extras    map[string]any
}

// DriverPage is the thin per-page handle a Driver hands back.
type DriverPage interface {
	Close(ctx context.Context) error
	SetUserAgent(ctx context.Context, ua string) error
	InjectScript(ctx context.Context, script string) error
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
}

// DriverBrowser is the thin per-browser handle a Driver hands back.
type DriverBrowser interface {
	NewPage(ctx context.Context, opts PageOptions) (DriverPage, error)
	Close(ctx context.Context) error
	Disconnected() <-chan struct{}
}

// IncognitoCapableBrowser is implemented by drivers whose browser handle
// can spawn an isolated context for a per-page proxy override.
type IncognitoCapableBrowser interface {
	NewContext(ctx context.Context) (DriverBrowser, error)
}

// Driver is the thin adapter boundary: the only thing BrowserPool
// requires of a concrete browser automation library.
type Driver interface {
	Launch(ctx context.Context, lc LaunchContext) (DriverBrowser, error)
}

// DefaultOperationTimeout bounds a single driver call (launch or newPage)
// when the caller doesn't override it.
const DefaultOperationTimeout = 30 * time.Second
