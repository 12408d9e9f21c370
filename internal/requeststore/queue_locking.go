package requeststore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage"
)

// LockingRequestQueue is the server-side-lock variant: listAndLockHead
// atomically reserves ids, a prolong loop keeps
// each reservation alive while the id is in-progress, and
// deleteRequestLock releases it on mark-handled/reclaim. It embeds
// *RequestQueue to reuse AddRequest/AddRequests/AddRequestsBatched
// unchanged — those operate purely against the QueueDriver half of the
// interface and don't care which generation of head-refill is in play.
type LockingRequestQueue struct {
	*RequestQueue

	lockingDriver storage.LockingQueueDriver
	lockSecs      int

	prolongMu      sync.Mutex
	prolongCancels map[string]context.CancelFunc
	wg             sync.WaitGroup
}

// NewLockingRequestQueue wraps a storage.LockingQueueDriver.
func NewLockingRequestQueue(ctx context.Context, driver storage.LockingQueueDriver, log *logging.Logger, lockSecs int) (*LockingRequestQueue, error) {
	if lockSecs <= 0 {
		lockSecs = DefaultRequestLockSecs
	}
	inner, err := NewRequestQueue(ctx, QueueOptions{Driver: driver, Log: log})
	if err != nil {
		return nil, err
	}
	return &LockingRequestQueue{
		RequestQueue:   inner,
		lockingDriver:  driver,
		lockSecs:       lockSecs,
		prolongCancels: make(map[string]context.CancelFunc),
	}, nil
}

// ensureHeadIsNonEmpty refills via listAndLockHead instead of listHead,
// reserving each returned id for lockSecs. An id's prolong loop starts only
// once FetchNextRequest hands it out.
// The local in-progress map still gates duplicate hand-out within this
// client, but it is not relied on for cross-client correctness — the
// server-side lock is authoritative for that.
func (q *LockingRequestQueue) ensureHeadIsNonEmpty(ctx context.Context, ensureConsistency bool) (bool, error) {
	q.mu.Lock()
	if q.head.Len() > 0 {
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()

	listing, err := q.lockingDriver.ListAndLockHead(ctx, defaultHeadRefillLimit, q.lockSecs)
	if err != nil {
		return false, fmt.Errorf("list and lock head: %w", err)
	}

	q.mu.Lock()
	for _, item := range listing.Items {
		if _, handled := q.recentlyHandled.Get(item.ID); handled {
			continue
		}
		q.head.PushBack(item.ID)
	}
	q.touch()
	nonEmpty := q.head.Len() > 0
	q.mu.Unlock()

	return nonEmpty, nil
}

// FetchNextRequest pops the locked head and starts a background prolong
// loop for the id's remaining lifetime.
func (q *LockingRequestQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	nonEmpty, err := q.ensureHeadIsNonEmpty(ctx, false)
	if err != nil {
		return nil, err
	}
	if !nonEmpty {
		return nil, nil
	}

	q.mu.Lock()
	id, ok := q.head.PopFront()
	q.mu.Unlock()
	if !ok {
		return nil, nil
	}

	r, err := q.lockingDriver.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get request %q: %w", id, err)
	}
	if r == nil {
		q.log.Debug("storage consistency miss under lock, dropping", "id", id)
		return nil, nil
	}
	if r.IsHandled() {
		q.mu.Lock()
		q.recentlyHandled.Put(id, struct{}{})
		q.mu.Unlock()
		return nil, nil
	}
	r.ID = id
	q.startProlongLoop(id)
	return r, nil
}

func (q *LockingRequestQueue) startProlongLoop(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	q.prolongMu.Lock()
	q.prolongCancels[id] = cancel
	q.prolongMu.Unlock()

	interval := time.Duration(q.lockSecs) * time.Second / 3
	if interval <= 0 {
		interval = DefaultRequestLockSecs * time.Second / 3
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.lockingDriver.ProlongRequestLock(ctx, id, q.lockSecs); err != nil {
					// LockLost: stop prolonging. Nothing else local is
					// changed; storage will re-surface the id to
					// whichever client's listAndLockHead sees it next.
					q.log.Warn("lock lost, abandoning prolong loop", "id", id, "error", err.Error())
					q.stopProlongLoop(id)
					return
				}
			}
		}
	}()
}

func (q *LockingRequestQueue) stopProlongLoop(id string) {
	q.prolongMu.Lock()
	cancel, ok := q.prolongCancels[id]
	if ok {
		delete(q.prolongCancels, id)
	}
	q.prolongMu.Unlock()
	if ok {
		cancel()
	}
}

// MarkRequestHandled writes handledAt through the driver, then deletes the
// server-side lock.
func (q *LockingRequestQueue) MarkRequestHandled(ctx context.Context, r *request.Request) error {
	now := time.Now()
	r.MarkHandled(now)
	if err := q.lockingDriver.UpdateRequest(ctx, r, nil); err != nil {
		return fmt.Errorf("update request %q: %w", r.ID, err)
	}
	q.stopProlongLoop(r.ID)
	if err := q.lockingDriver.DeleteRequestLock(ctx, r.ID, false); err != nil {
		q.log.Debug("delete request lock failed after mark-handled", "id", r.ID, "error", err.Error())
	}
	q.mu.Lock()
	q.recentlyHandled.Put(r.ID, struct{}{})
	q.assumedHandledCount++
	q.touch()
	q.mu.Unlock()
	return nil
}

// ReclaimRequest writes through the driver and deletes the server-side
// lock, optionally asking the driver to surface the id at the head again.
func (q *LockingRequestQueue) ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error {
	if err := q.lockingDriver.UpdateRequest(ctx, r, &forefront); err != nil {
		return fmt.Errorf("update request %q: %w", r.ID, err)
	}
	q.stopProlongLoop(r.ID)
	if err := q.lockingDriver.DeleteRequestLock(ctx, r.ID, forefront); err != nil {
		q.log.Debug("delete request lock failed after reclaim", "id", r.ID, "error", err.Error())
	}
	return nil
}

// IsEmpty triggers one listAndLockHead refill and checks the head cache.
func (q *LockingRequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	nonEmpty, err := q.ensureHeadIsNonEmpty(ctx, false)
	if err != nil {
		return false, err
	}
	return !nonEmpty, nil
}

// IsFinished mirrors the stuck-queue recovery in RequestQueue.IsFinished but
// additionally sweeps every outstanding lock on a stuck queue. A request
// still holding a server-side lock (its prolong loop still running) counts
// as in-progress, exactly as RequestQueue treats its inProgress set.
func (q *LockingRequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	stuck := time.Since(q.lastActivity) > q.internalTimeout
	q.mu.Unlock()
	if stuck {
		q.Abort(ctx)
	}

	q.prolongMu.Lock()
	hasLocked := len(q.prolongCancels) > 0
	q.prolongMu.Unlock()
	if hasLocked {
		return false, nil
	}

	nonEmpty, err := q.ensureHeadIsNonEmpty(ctx, true)
	if err != nil {
		return false, err
	}
	return !nonEmpty, nil
}

// Abort performs a bulk deleteRequestLock sweep for migration or
// cancellation: every outstanding prolong loop is stopped and its lock
// released, and in-memory caches are reset.
func (q *LockingRequestQueue) Abort(ctx context.Context) {
	q.prolongMu.Lock()
	ids := make([]string, 0, len(q.prolongCancels))
	for id := range q.prolongCancels {
		ids = append(ids, id)
	}
	q.prolongMu.Unlock()

	for _, id := range ids {
		q.stopProlongLoop(id)
		if err := q.lockingDriver.DeleteRequestLock(ctx, id, false); err != nil {
			q.log.Debug("delete request lock failed during abort sweep", "id", id, "error", err.Error())
		}
	}

	q.mu.Lock()
	q.log.Warn("locking request queue aborted, resetting in-memory caches")
	q.head = newHeadCache()
	q.requestCache = newLRU[cachedRequestInfo](defaultLRUCapacity)
	q.recentlyHandled = newLRU[struct{}](defaultLRUCapacity)
	q.touch()
	q.mu.Unlock()
}

// Close stops every prolong loop and waits for their goroutines to exit.
func (q *LockingRequestQueue) Close(ctx context.Context) {
	q.Abort(ctx)
	q.wg.Wait()
}
