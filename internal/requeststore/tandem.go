package requeststore

import (
	"context"
	"fmt"

	"github.com/digster/crawlkit/internal/request"
)

// ImmutableFront is satisfied by both RequestList and SitemapRequestList,
// the two front shapes a TandemManager can drain.
type ImmutableFront interface {
	Length() int
	IsEmpty() bool
	IsFinished() bool
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestHandled(r *request.Request) error
	ReclaimRequest(r *request.Request) error
	PersistState(ctx context.Context) error
	HandledCount() int
}

// TandemManager composes an immutable Front with a mutable *RequestQueue
// Back, draining the former into the latter one request at a time.
type TandemManager struct {
	Front ImmutableFront
	Back  *RequestQueue
}

// NewTandemManager pairs front and back.
func NewTandemManager(front ImmutableFront, back *RequestQueue) *TandemManager {
	return &TandemManager{Front: front, Back: back}
}

// FetchNextRequest transfers one request from Front to Back (as a
// forefront add, so front order is preserved ahead of whatever is already
// queued), then delegates the actual fetch to Back. A front enqueue
// failure reclaims the item back to Front instead of marking it handled
// there.
func (t *TandemManager) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	if !t.Front.IsEmpty() {
		r, err := t.Front.FetchNextRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch from front: %w", err)
		}
		if r != nil {
			if _, err := t.Back.AddRequest(ctx, r, true); err != nil {
				if reclaimErr := t.Front.ReclaimRequest(r); reclaimErr != nil {
					return nil, fmt.Errorf("add to back failed (%v) and reclaim to front failed: %w", err, reclaimErr)
				}
				return nil, fmt.Errorf("add to back: %w", err)
			}
			if err := t.Front.MarkRequestHandled(r); err != nil {
				return nil, fmt.Errorf("mark front handled: %w", err)
			}
		}
	}
	return t.Back.FetchNextRequest(ctx)
}

// MarkRequestHandled delegates to Back, which owns the authoritative
// handledAt write once a request has transited the front.
func (t *TandemManager) MarkRequestHandled(ctx context.Context, r *request.Request) error {
	return t.Back.MarkRequestHandled(ctx, r)
}

// ReclaimRequest delegates to Back.
func (t *TandemManager) ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error {
	return t.Back.ReclaimRequest(ctx, r, forefront)
}

// IsEmpty is the logical AND over both halves.
func (t *TandemManager) IsEmpty(ctx context.Context) (bool, error) {
	if !t.Front.IsEmpty() {
		return false, nil
	}
	return t.Back.IsEmpty(ctx)
}

// IsFinished is the logical AND over both halves.
func (t *TandemManager) IsFinished(ctx context.Context) (bool, error) {
	if !t.Front.IsFinished() {
		return false, nil
	}
	return t.Back.IsFinished(ctx)
}

// HandledCount delegates to Back: once the front is fully drained its own
// handled count is meaningless to callers, who only ever observe requests
// that have passed through Back.
func (t *TandemManager) HandledCount() int64 {
	return t.Back.HandledCount()
}

// PersistState persists the Front's restart-safety state. Back is not
// persisted here; its state lives in its storage driver.
func (t *TandemManager) PersistState(ctx context.Context) error {
	return t.Front.PersistState(ctx)
}
