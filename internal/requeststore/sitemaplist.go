package requeststore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/sitemapfeed"
	"github.com/digster/crawlkit/internal/storage"
)

// SitemapRequestListOptions configures a SitemapRequestList.
type SitemapRequestListOptions struct {
	Name          string
	KV            storage.KVDriver
	Roots         []string
	Fetch         sitemapfeed.Fetch
	MaxBufferSize int
	MaxDepth      int
	Filter        sitemapfeed.Filter
	Log           *logging.Logger
}

type sitemapPersistedState struct {
	BufferedURLs []string   `json:"bufferedUrls"`
	InProgress   []string   `json:"inProgressEntries"`
	Reclaimed    []string   `json:"reclaimed"`
	AbortLoading bool       `json:"abortLoading"`
	Closed       bool       `json:"closed"`
}

// SitemapRequestList is the streaming variant of RequestList: entries
// arrive from a sitemapfeed.Stream onto a self-managed bounded
// buffer (so its contents can be drained into a persistence snapshot, which
// a bare channel cannot), with the same fetch/mark-handled/reclaim contract.
type SitemapRequestList struct {
	mu   sync.Mutex
	cond *sync.Cond

	name string
	kv   storage.KVDriver
	log  *logging.Logger

	stream        *sitemapfeed.Stream
	maxBufferSize int

	buffered []sitemapfeed.Entry
	seen     map[string]struct{}

	inProgress map[string]*request.Request
	reclaimed  []string
	reclaimSet map[string]struct{}

	producerDone bool
	closed       bool
	abortLoading bool
}

// NewSitemapRequestList starts streaming Roots in the background and
// returns immediately.
func NewSitemapRequestList(ctx context.Context, opts SitemapRequestListOptions) (*SitemapRequestList, error) {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = sitemapfeed.DefaultMaxBufferSize
	}
	l := &SitemapRequestList{
		name:          opts.Name,
		kv:            opts.KV,
		log:           opts.Log,
		maxBufferSize: opts.MaxBufferSize,
		seen:          make(map[string]struct{}),
		inProgress:    make(map[string]*request.Request),
		reclaimSet:    make(map[string]struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	if opts.KV != nil {
		if err := l.restoreSnapshot(ctx); err != nil {
			return nil, err
		}
	}

	l.stream = sitemapfeed.New(ctx, opts.Roots, sitemapfeed.Options{
		Fetch:         opts.Fetch,
		MaxBufferSize: opts.MaxBufferSize,
		MaxDepth:      opts.MaxDepth,
		Filter:        opts.Filter,
		Log:           opts.Log,
	})
	go l.consume()
	return l, nil
}

func (l *SitemapRequestList) restoreSnapshot(ctx context.Context) error {
	rec, err := l.kv.GetRecord(ctx, sitemapRequestListStateKey)
	if err != nil {
		return fmt.Errorf("load sitemap list state: %w", err)
	}
	if rec == nil {
		return nil
	}
	var state sitemapPersistedState
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		return fmt.Errorf("%w: unparsable sitemap state blob", request.ErrStateInconsistent)
	}
	for _, u := range state.BufferedURLs {
		l.buffered = append(l.buffered, sitemapfeed.Entry{URL: u})
		l.seen[u] = struct{}{}
	}
	// Entries that were in-progress at the last snapshot are replayed as
	// reclaimed, same as RequestList's restart-safety rule.
	l.reclaimed = append(l.reclaimed, state.InProgress...)
	for _, key := range state.InProgress {
		l.reclaimSet[key] = struct{}{}
	}
	l.reclaimed = append(l.reclaimed, state.Reclaimed...)
	for _, key := range state.Reclaimed {
		l.reclaimSet[key] = struct{}{}
	}
	l.abortLoading = state.AbortLoading
	l.closed = state.Closed
	return nil
}

// consume drains the sitemapfeed.Stream into l.buffered, applying
// backpressure by blocking when the buffer is already at capacity — this
// is the producer side of bounded pipe.
func (l *SitemapRequestList) consume() {
	for entry := range l.stream.Entries() {
		l.mu.Lock()
		for len(l.buffered) >= l.maxBufferSize && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			continue
		}
		key := entry.URL
		if _, dup := l.seen[key]; !dup {
			l.seen[key] = struct{}{}
			l.buffered = append(l.buffered, entry)
			l.cond.Broadcast()
		}
		l.mu.Unlock()
	}
	l.mu.Lock()
	l.producerDone = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// IsSitemapFullyLoaded reports whether the background producer has drained
// every (nested) sitemap it was given.
func (l *SitemapRequestList) IsSitemapFullyLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.producerDone
}

// Length reports the number of distinct URLs taken from the stream or
// restored as buffered so far, handled ones included (entries restored as
// reclaimed are not counted); unlike RequestList this grows while the
// stream is loading.
func (l *SitemapRequestList) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// IsEmpty is true iff nothing reclaimed and the buffer is drained and
// fully loaded.
func (l *SitemapRequestList) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reclaimed) == 0 && len(l.buffered) == 0 && l.producerDone
}

// IsFinished additionally requires nothing in-progress.
func (l *SitemapRequestList) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inProgress) == 0 && len(l.reclaimed) == 0 && len(l.buffered) == 0 && l.producerDone
}

// FetchNextRequest blocks until an entry is available, the list is
// exhausted, the list is torn down, or ctx is canceled.
func (l *SitemapRequestList) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-stopWatch:
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if l.closed {
			return nil, nil
		}
		if len(l.reclaimed) > 0 {
			key := l.reclaimed[0]
			l.reclaimed = l.reclaimed[1:]
			delete(l.reclaimSet, key)
			r, err := request.New(key, request.WithUniqueKey(key))
			if err != nil {
				continue
			}
			l.inProgress[key] = r
			return r, nil
		}
		if len(l.buffered) > 0 {
			entry := l.buffered[0]
			l.buffered = l.buffered[1:]
			l.cond.Broadcast()
			r, err := request.New(entry.URL)
			if err != nil {
				continue
			}
			r.UserData = map[string]any{
				"sitemapPriority":   entry.Priority,
				"sitemapChangeFreq": entry.ChangeFreq,
				"sitemapLastMod":    entry.LastMod,
				"sitemapSourceFeed": entry.SourceFeed,
			}
			l.inProgress[r.UniqueKey] = r
			return r, nil
		}
		if l.producerDone {
			return nil, nil
		}
		l.cond.Wait()
	}
}

// MarkRequestHandled requires r be in-progress; marks it handled and drops
// it from in-progress.
func (l *SitemapRequestList) MarkRequestHandled(r *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[r.UniqueKey]; !ok {
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.UniqueKey)
	}
	delete(l.inProgress, r.UniqueKey)
	r.MarkHandled(time.Now())
	return nil
}

// ReclaimRequest requires r be in-progress; moves it to the reclaimed FIFO.
func (l *SitemapRequestList) ReclaimRequest(r *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[r.UniqueKey]; !ok {
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.UniqueKey)
	}
	delete(l.inProgress, r.UniqueKey)
	l.reclaimed = append(l.reclaimed, r.UniqueKey)
	l.reclaimSet[r.UniqueKey] = struct{}{}
	l.cond.Broadcast()
	return nil
}

// HandledCount is always zero by construction: a SitemapRequestList never
// retains handled entries once they're marked (they're transient), so the
// TandemManager relies entirely on the back queue's count once the front is
// fully drained.
func (l *SitemapRequestList) HandledCount() int { return 0 }

// Teardown closes the buffer (waking any blocked reader with a final
// "none"), persists a final snapshot, and aborts the underlying stream.
func (l *SitemapRequestList) Teardown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.abortLoading = true
	l.cond.Broadcast()
	l.mu.Unlock()

	l.stream.Abort()
	return l.PersistState(ctx)
}

// PersistState snapshots {bufferedUrls, inProgressEntries, reclaimed,
// abortLoading, closed} under SITEMAP_REQUEST_LIST_STATE.
// Nested-sitemap frontier state is intentionally not part of the snapshot:
// the underlying sitemapfeed.Stream owns its own recursion and visited-set
// bookkeeping and is not resumable mid-tree, only restartable from Roots.
func (l *SitemapRequestList) PersistState(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	l.mu.Lock()
	state := sitemapPersistedState{
		AbortLoading: l.abortLoading,
		Closed:       l.closed,
	}
	for _, entry := range l.buffered {
		state.BufferedURLs = append(state.BufferedURLs, entry.URL)
	}
	for key := range l.inProgress {
		state.InProgress = append(state.InProgress, key)
	}
	state.Reclaimed = append(state.Reclaimed, l.reclaimed...)
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal sitemap list state: %w", err)
	}
	if err := l.kv.SetRecord(ctx, storage.Record{
		Key: sitemapRequestListStateKey, Value: data, ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("persist sitemap list state: %w", err)
	}
	return nil
}
