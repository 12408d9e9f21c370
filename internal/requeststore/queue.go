package requeststore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage"
)

// cachedRequestInfo mirrors the driver's AddResult, cached by uniqueKey so
// repeat addRequest calls for an already-known uniqueKey never hit storage.
type cachedRequestInfo struct {
	id                string
	uniqueKey         string
	wasAlreadyHandled bool
	forefront         bool
}

// QueueOptions configures a RequestQueue.
type QueueOptions struct {
	Driver storage.QueueDriver
	Log    *logging.Logger

	// InternalTimeout is isFinished's stuck-queue threshold; defaults to
	// DefaultInternalTimeout.
	InternalTimeout time.Duration
}

// RequestQueue is the mutable deduplicated queue: a local head cache
// fronting a remote storage driver, with forefront ordering and
// eventual-consistency-aware refills.
type RequestQueue struct {
	mu sync.Mutex

	driver storage.QueueDriver
	log    *logging.Logger

	internalTimeout time.Duration

	head            *headCache
	requestCache    *lru[cachedRequestInfo]
	inProgress      map[string]struct{}
	recentlyHandled *lru[struct{}]

	assumedTotalCount   int64
	assumedHandledCount int64
	initialCount        int64
	initialHandledCount int64

	lastActivity time.Time

	refillGroup singleflight.Group

	inProgressBatches int
}

// NewRequestQueue wraps driver with the local head-cache and dedup
// bookkeeping.
func NewRequestQueue(ctx context.Context, opts QueueOptions) (*RequestQueue, error) {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.InternalTimeout <= 0 {
		opts.InternalTimeout = DefaultInternalTimeout
	}
	q := &RequestQueue{
		driver:          opts.Driver,
		log:             opts.Log,
		internalTimeout: opts.InternalTimeout,
		head:            newHeadCache(),
		requestCache:    newLRU[cachedRequestInfo](defaultLRUCapacity),
		inProgress:      make(map[string]struct{}),
		recentlyHandled: newLRU[struct{}](defaultLRUCapacity),
		lastActivity:    time.Now(),
	}
	info, err := opts.Driver.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue info: %w", err)
	}
	q.assumedTotalCount = info.TotalRequestCount
	q.assumedHandledCount = info.HandledRequestCount
	q.initialCount = info.TotalRequestCount
	q.initialHandledCount = info.HandledRequestCount
	return q, nil
}

func (q *RequestQueue) touch() { q.lastActivity = time.Now() }

// AddResult is returned by AddRequest, mirroring the driver's response
// shape.
type AddResult struct {
	RequestID         string
	UniqueKey         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
	Forefront         bool
}

// AddRequest enqueues r, consulting the local cache before the driver, and
// maintains the head cache and assumedTotalCount.
func (q *RequestQueue) AddRequest(ctx context.Context, r *request.Request, forefront bool) (AddResult, error) {
	q.mu.Lock()
	if cached, ok := q.requestCache.Get(r.UniqueKey); ok {
		q.mu.Unlock()
		return AddResult{
			RequestID: cached.id, UniqueKey: cached.uniqueKey,
			WasAlreadyPresent: true, WasAlreadyHandled: cached.wasAlreadyHandled, Forefront: forefront,
		}, nil
	}
	q.mu.Unlock()

	res, err := q.driver.AddRequest(ctx, r, forefront)
	if err != nil {
		return AddResult{}, fmt.Errorf("driver add request: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.requestCache.Put(r.UniqueKey, cachedRequestInfo{
		id: res.RequestID, uniqueKey: r.UniqueKey, wasAlreadyHandled: res.WasAlreadyHandled, forefront: forefront,
	})
	q.touch()

	if res.WasAlreadyPresent {
		return AddResult{
			RequestID: res.RequestID, UniqueKey: r.UniqueKey,
			WasAlreadyPresent: true, WasAlreadyHandled: res.WasAlreadyHandled, Forefront: forefront,
		}, nil
	}

	q.assumedTotalCount++
	_, inProg := q.inProgress[res.RequestID]
	_, handled := q.recentlyHandled.Get(res.RequestID)
	if !inProg && !handled {
		if forefront {
			q.head.PushFront(res.RequestID)
		} else if q.assumedTotalCount < QueryHeadMinLength {
			q.head.PushBack(res.RequestID)
		}
	}

	return AddResult{RequestID: res.RequestID, UniqueKey: r.UniqueKey, Forefront: forefront}, nil
}

// AddRequestsResult is returned by AddRequests.
type AddRequestsResult struct {
	Processed   []AddResult
	Unprocessed []*request.Request
}

// AddRequests batches up to addRequestsDriverBatchSize requests per driver
// call, deduping against the local cache first.
func (q *RequestQueue) AddRequests(ctx context.Context, reqs []*request.Request, forefront bool, useCache bool) (AddRequestsResult, error) {
	var result AddRequestsResult
	var toSubmit []*request.Request

	for _, r := range reqs {
		if useCache {
			q.mu.Lock()
			cached, ok := q.requestCache.Get(r.UniqueKey)
			q.mu.Unlock()
			if ok {
				result.Processed = append(result.Processed, AddResult{
					RequestID: cached.id, UniqueKey: cached.uniqueKey,
					WasAlreadyPresent: true, WasAlreadyHandled: cached.wasAlreadyHandled,
				})
				continue
			}
		}
		toSubmit = append(toSubmit, r)
	}

	for start := 0; start < len(toSubmit); start += addRequestsDriverBatchSize {
		end := start + addRequestsDriverBatchSize
		if end > len(toSubmit) {
			end = len(toSubmit)
		}
		chunk := toSubmit[start:end]
		batch, err := q.driver.BatchAddRequests(ctx, chunk, forefront)
		if err != nil {
			result.Unprocessed = append(result.Unprocessed, chunk...)
			continue
		}
		result.Unprocessed = append(result.Unprocessed, batch.Unprocessed...)

		q.mu.Lock()
		for i, res := range batch.Processed {
			if i >= len(chunk) {
				break
			}
			key := chunk[i].UniqueKey
			q.requestCache.Put(key, cachedRequestInfo{id: res.RequestID, uniqueKey: key, wasAlreadyHandled: res.WasAlreadyHandled, forefront: forefront})
			if !res.WasAlreadyPresent {
				q.assumedTotalCount++
				_, inProg := q.inProgress[res.RequestID]
				_, handled := q.recentlyHandled.Get(res.RequestID)
				if !inProg && !handled {
					if forefront {
						q.head.PushFront(res.RequestID)
					} else if q.assumedTotalCount < QueryHeadMinLength {
						q.head.PushBack(res.RequestID)
					}
				}
			}
			result.Processed = append(result.Processed, AddResult{
				RequestID: res.RequestID, UniqueKey: key,
				WasAlreadyPresent: res.WasAlreadyPresent, WasAlreadyHandled: res.WasAlreadyHandled, Forefront: forefront,
			})
		}
		q.touch()
		q.mu.Unlock()
	}

	return result, nil
}

// BatchedOptions configures AddRequestsBatched.
type BatchedOptions struct {
	BatchSize                int
	WaitBetweenBatches       time.Duration
	WaitForAllRequestsToBeAdded bool
}

func (o *BatchedOptions) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultAddRequestsBatchSize
	}
	if o.WaitBetweenBatches <= 0 {
		o.WaitBetweenBatches = defaultWaitBetweenBatches
	}
}

// AddRequestsBatched submits the first BatchSize requests synchronously and
// returns; the remainder is scheduled onto a background goroutine that
// chunks, sleeps between chunks, and retries unprocessed entries once with
// the local cache disabled. If WaitForAllRequestsToBeAdded is
// set, it blocks until the background work settles instead.
func (q *RequestQueue) AddRequestsBatched(ctx context.Context, reqs []*request.Request, forefront bool, opts BatchedOptions) (AddRequestsResult, error) {
	opts.setDefaults()

	firstLen := opts.BatchSize
	if firstLen > len(reqs) {
		firstLen = len(reqs)
	}
	first, err := q.AddRequests(ctx, reqs[:firstLen], forefront, true)
	if err != nil {
		return AddRequestsResult{}, err
	}

	remainder := reqs[firstLen:]
	if len(remainder) == 0 {
		return first, nil
	}

	settle := make(chan AddRequestsResult, 1)
	q.mu.Lock()
	q.inProgressBatches++
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			q.inProgressBatches--
			q.mu.Unlock()
		}()
		var combined AddRequestsResult
		for start := 0; start < len(remainder); start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > len(remainder) {
				end = len(remainder)
			}
			chunk := remainder[start:end]
			res, _ := q.AddRequests(ctx, chunk, forefront, true)
			combined.Processed = append(combined.Processed, res.Processed...)
			if len(res.Unprocessed) > 0 {
				retry, _ := q.AddRequests(ctx, res.Unprocessed, forefront, false)
				combined.Processed = append(combined.Processed, retry.Processed...)
				combined.Unprocessed = append(combined.Unprocessed, retry.Unprocessed...)
			}
			if end < len(remainder) {
				select {
				case <-time.After(opts.WaitBetweenBatches):
				case <-ctx.Done():
					settle <- combined
					return
				}
			}
		}
		settle <- combined
	}()

	if opts.WaitForAllRequestsToBeAdded {
		rest := <-settle
		first.Processed = append(first.Processed, rest.Processed...)
		first.Unprocessed = append(first.Unprocessed, rest.Unprocessed...)
	}
	return first, nil
}

// ensureHeadIsNonEmpty is the refill strategy: short
// circuits if the head cache is non-empty, otherwise single-flights a
// listHead call, applies the higher-limit retry and (when requested) the
// consistency retry, and returns whether the head is known-non-empty.
func (q *RequestQueue) ensureHeadIsNonEmpty(ctx context.Context, ensureConsistency bool) (bool, error) {
	q.mu.Lock()
	if q.head.Len() > 0 {
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()

	queryStartedAt := time.Now()
	limit := defaultHeadRefillLimit

	for attempt := 0; attempt < MaxQueriesForConsistency; attempt++ {
		listing, err := q.refillOnce(ctx, limit)
		if err != nil {
			return false, err
		}

		q.mu.Lock()
		nonEmpty := q.head.Len() > 0
		assumedTotal, assumedHandled := q.assumedTotalCount, q.assumedHandledCount
		q.mu.Unlock()

		if nonEmpty {
			return true, nil
		}

		if listing.WasLimitReached {
			limit = int(float64(limit) * 1.5)
			if limit > RequestQueueHeadMaxLimit {
				limit = RequestQueueHeadMaxLimit
			}
			continue
		}

		if !ensureConsistency {
			return false, nil
		}

		dbConsistent := time.Since(listing.QueueModifiedAt) >= APIProcessedRequestsDelay || queryStartedAt.Sub(listing.QueueModifiedAt) >= APIProcessedRequestsDelay
		localConsistent := !listing.HadMultipleClients && assumedTotal <= assumedHandled
		if dbConsistent || localConsistent {
			return false, nil
		}

		remaining := APIProcessedRequestsDelay - time.Since(queryStartedAt)
		if remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return false, nil
}

func (q *RequestQueue) refillOnce(ctx context.Context, limit int) (storage.HeadListing, error) {
	result, err, _ := q.refillGroup.Do("refill", func() (any, error) {
		return q.driver.ListHead(ctx, limit)
	})
	if err != nil {
		return storage.HeadListing{}, fmt.Errorf("list head: %w", err)
	}
	listing := result.(storage.HeadListing)

	q.mu.Lock()
	for _, item := range listing.Items {
		if _, inProg := q.inProgress[item.ID]; inProg {
			continue
		}
		if _, handled := q.recentlyHandled.Get(item.ID); handled {
			continue
		}
		q.head.PushBack(item.ID)
	}
	q.touch()
	q.mu.Unlock()

	return listing, nil
}

// FetchNextRequest pops the head, skipping ids that turn out to already be
// in-progress or recently-handled, and resolves the full record from
// storage, honoring the eventual-consistency edge cases described below.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
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

	q.mu.Lock()
	if _, inProg := q.inProgress[id]; inProg {
		q.mu.Unlock()
		q.log.Debug("head cache returned an in-progress id, skipping", "id", id)
		return nil, nil
	}
	if _, handled := q.recentlyHandled.Get(id); handled {
		q.mu.Unlock()
		q.log.Debug("head cache returned a recently-handled id, skipping", "id", id)
		return nil, nil
	}
	q.inProgress[id] = struct{}{}
	q.mu.Unlock()

	r, err := q.driver.GetRequest(ctx, id)
	if err != nil {
		q.releaseInProgressAfterDelay(id)
		return nil, fmt.Errorf("get request %q: %w", id, err)
	}
	if r == nil {
		// StorageConsistencyMiss: release after the consistency
		// delay so a later attempt may find the now-propagated record.
		q.log.Debug("storage consistency miss, record not yet visible", "id", id)
		q.releaseInProgressAfterDelay(id)
		return nil, nil
	}
	if r.IsHandled() {
		q.mu.Lock()
		delete(q.inProgress, id)
		q.recentlyHandled.Put(id, struct{}{})
		q.mu.Unlock()
		return nil, nil
	}
	r.ID = id
	return r, nil
}

func (q *RequestQueue) releaseInProgressAfterDelay(id string) {
	time.AfterFunc(StorageConsistencyDelay, func() {
		q.mu.Lock()
		delete(q.inProgress, id)
		q.mu.Unlock()
	})
}

// MarkRequestHandled requires r.ID be in-progress; writes handledAt through
// the driver and moves the id to recentlyHandled.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, r *request.Request) error {
	q.mu.Lock()
	if _, ok := q.inProgress[r.ID]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.ID)
	}
	q.mu.Unlock()

	wasAlreadyHandled := r.IsHandled()
	r.MarkHandled(time.Now())
	if err := q.driver.UpdateRequest(ctx, r, nil); err != nil {
		return fmt.Errorf("update request %q: %w", r.ID, err)
	}

	q.mu.Lock()
	delete(q.inProgress, r.ID)
	q.recentlyHandled.Put(r.ID, struct{}{})
	if !wasAlreadyHandled {
		q.assumedHandledCount++
	}
	q.touch()
	q.mu.Unlock()
	return nil
}

// ReclaimRequest requires r.ID be in-progress; writes through the driver,
// then after StorageConsistencyDelay drops the in-progress mark and
// re-inserts the id at the head.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error {
	q.mu.Lock()
	if _, ok := q.inProgress[r.ID]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.ID)
	}
	q.mu.Unlock()

	if err := q.driver.UpdateRequest(ctx, r, &forefront); err != nil {
		return fmt.Errorf("update request %q: %w", r.ID, err)
	}

	time.AfterFunc(StorageConsistencyDelay, func() {
		q.mu.Lock()
		delete(q.inProgress, r.ID)
		if forefront {
			q.head.PushFront(r.ID)
		} else {
			q.head.PushBack(r.ID)
		}
		q.touch()
		q.mu.Unlock()
	})
	return nil
}

// IsEmpty triggers one refill and reports the head cache's length.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	nonEmpty, err := q.ensureHeadIsNonEmpty(ctx, false)
	if err != nil {
		return false, err
	}
	return !nonEmpty, nil
}

// IsFinished additionally resets stuck in-memory state after
// internalTimeout of inactivity, then requires zero in-progress and an
// empty, consistency-confirmed head.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	stuck := time.Since(q.lastActivity) > q.internalTimeout
	if stuck {
		q.log.Warn("request queue stuck, resetting in-memory caches", "inactiveFor", time.Since(q.lastActivity).String())
		q.head = newHeadCache()
		q.requestCache = newLRU[cachedRequestInfo](defaultLRUCapacity)
		q.recentlyHandled = newLRU[struct{}](defaultLRUCapacity)
		q.inProgress = make(map[string]struct{})
		q.touch()
	}
	hasInProgress := len(q.inProgress) > 0
	q.mu.Unlock()

	if hasInProgress {
		return false, nil
	}

	q.mu.Lock()
	headEmpty := q.head.Len() == 0
	q.mu.Unlock()
	if !headEmpty {
		return false, nil
	}

	nonEmpty, err := q.ensureHeadIsNonEmpty(ctx, true)
	if err != nil {
		return false, err
	}
	return !nonEmpty, nil
}

// HandledCount reports the locally-assumed handled count.
func (q *RequestQueue) HandledCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.assumedHandledCount
}
