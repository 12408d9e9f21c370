// Package events provides the generic Hook Chain primitive used by
// internal/browserpool's six lifecycle points, plus a concrete
// CrawlerEvent/EventEmitter shape for progress reporting, generalized so
// internal/api's SSE stream and pkg/runner can both consume it.
package events

import (
	"context"
	"fmt"
	"time"
)

// HookChain runs a sequence of functions against a value of type T, in
// registration order, aborting at the first error. Also used for the
// Browser Pool's six lifecycle points.
type HookChain[T any] struct {
	hooks []func(ctx context.Context, v T) error
}

// Use registers a hook at the end of the chain.
func (c *HookChain[T]) Use(fn func(ctx context.Context, v T) error) {
	c.hooks = append(c.hooks, fn)
}

// Run executes every hook in registration order, stopping and returning the
// first error encountered.
func (c *HookChain[T]) Run(ctx context.Context, v T) error {
	for i, hook := range c.hooks {
		if err := hook(ctx, v); err != nil {
			return fmt.Errorf("hook %d: %w", i, err)
		}
	}
	return nil
}

// Len reports how many hooks are registered.
func (c *HookChain[T]) Len() int { return len(c.hooks) }

// Type is the category of a CrawlerEvent.
type Type string

const (
	TypeProgress        Type = "progress"
	TypeLogMessage      Type = "log_message"
	TypeRequestHandled   Type = "request_handled"
	TypeStateChanged     Type = "state_changed"
	TypeRunStarted       Type = "run_started"
	TypeRunStopped       Type = "run_stopped"
	TypeRunPaused        Type = "run_paused"
	TypeRunResumed       Type = "run_resumed"
	TypeRunCompleted     Type = "run_completed"
	TypeError            Type = "error"
	TypeBrowserRetired   Type = "browser_retired"
)

// CrawlerEvent is the single envelope emitted for every observable
// change.
type CrawlerEvent struct {
	Type      Type
	Timestamp time.Time
	Data      any
}

// ProgressData accompanies TypeProgress.
type ProgressData struct {
	TotalRequestCount   int64
	HandledRequestCount int64
	InProgressCount     int
}

// LogData accompanies TypeLogMessage.
type LogData struct {
	Level   string
	Message string
}

// Emitter receives CrawlerEvent values. internal/logging.Sink is satisfied
// by any Emitter via the Log adapter below.
type Emitter interface {
	Emit(CrawlerEvent)
}

// Log adapts an Emitter into a logging.Sink, so internal/logging.Logger can
// mirror log lines as LogData events without importing this package.
type Log struct{ Emitter Emitter }

func (l Log) Log(level, message string) {
	if l.Emitter == nil {
		return
	}
	l.Emitter.Emit(CrawlerEvent{
		Type: TypeLogMessage,
		Data: LogData{Level: level, Message: message},
	})
}

func emit(e Emitter, typ Type, data any) {
	if e == nil {
		return
	}
	e.Emit(CrawlerEvent{Type: typ, Data: data})
}

// EmitProgress reports current queue/pool counters.
func EmitProgress(e Emitter, data ProgressData) { emit(e, TypeProgress, data) }

// EmitStateChange reports a coarse lifecycle transition (started, stopped,
// paused, resumed, completed).
func EmitStateChange(e Emitter, typ Type) { emit(e, typ, nil) }

// EmitError reports a terminal or surfaced error.
func EmitError(e Emitter, err error) { emit(e, TypeError, err.Error()) }

// EmitBrowserRetired reports that a Browser Pool controller was retired.
func EmitBrowserRetired(e Emitter, controllerID string) {
	emit(e, TypeBrowserRetired, controllerID)
}

// Broadcaster fans CrawlerEvent values out to any number of subscribers,
// the shape internal/api's SSE handler and pkg/runner both need.
type Broadcaster struct {
	subscribe   chan chan CrawlerEvent
	unsubscribe chan chan CrawlerEvent
	publish     chan CrawlerEvent
	done        chan struct{}
}

// NewBroadcaster starts a Broadcaster's dispatch loop.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscribe:   make(chan chan CrawlerEvent),
		unsubscribe: make(chan chan CrawlerEvent),
		publish:     make(chan CrawlerEvent, 64),
		done:        make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Broadcaster) loop() {
	subs := make(map[chan CrawlerEvent]struct{})
	for {
		select {
		case ch := <-b.subscribe:
			subs[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			delete(subs, ch)
			close(ch)
		case ev := <-b.publish:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
				}
			}
		case <-b.done:
			for ch := range subs {
				close(ch)
			}
			return
		}
	}
}

// Emit implements Emitter.
func (b *Broadcaster) Emit(ev CrawlerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.publish <- ev:
	case <-b.done:
	}
}

// Subscribe returns a channel that receives every future event until
// Unsubscribe is called or the Broadcaster is closed.
func (b *Broadcaster) Subscribe() chan CrawlerEvent {
	ch := make(chan CrawlerEvent, 16)
	select {
	case b.subscribe <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Broadcaster) Unsubscribe(ch chan CrawlerEvent) {
	select {
	case b.unsubscribe <- ch:
	case <-b.done:
	}
}

// Close shuts the Broadcaster down, closing every subscriber channel.
func (b *Broadcaster) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
