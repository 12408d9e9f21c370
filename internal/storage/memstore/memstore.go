// Package memstore is an in-memory reference implementation of
// storage.QueueDriver, storage.LockingQueueDriver and storage.KVDriver. It
// exists so internal/requeststore's contracts against the external
// storage boundary are concretely testable without inventing an
// on-wire encoding.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage"
)

type lock struct {
	expiresAt time.Time
}

// Queue is an in-memory storage.LockingQueueDriver.
type Queue struct {
	mu sync.Mutex

	byID        map[string]*request.Request
	order       []string // insertion order of live ids, oldest first
	handledCount int64
	modifiedAt  time.Time
	locks       map[string]lock
	clients     map[string]struct{}
}

// New returns an empty in-memory queue driver.
func New() *Queue {
	return &Queue{
		byID:    make(map[string]*request.Request),
		locks:   make(map[string]lock),
		clients: make(map[string]struct{}),
		modifiedAt: time.Now(),
	}
}

func (q *Queue) touch() { q.modifiedAt = time.Now() }

// Get implements storage.QueueDriver.
func (q *Queue) Get(ctx context.Context) (storage.QueueInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return storage.QueueInfo{
		TotalRequestCount:   int64(len(q.order)),
		HandledRequestCount: q.handledCount,
	}, nil
}

// Delete implements storage.QueueDriver.
func (q *Queue) Delete(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID = make(map[string]*request.Request)
	q.order = nil
	q.handledCount = 0
	q.locks = make(map[string]lock)
	q.touch()
	return nil
}

func cloneRequest(r *request.Request) *request.Request {
	cp := *r
	if r.HandledAt != nil {
		t := *r.HandledAt
		cp.HandledAt = &t
	}
	cp.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	return &cp
}

// AddRequest implements storage.QueueDriver.
func (q *Queue) AddRequest(ctx context.Context, r *request.Request, forefront bool) (storage.AddResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		existing := q.byID[id]
		if existing.UniqueKey == r.UniqueKey {
			return storage.AddResult{
				RequestID:         id,
				WasAlreadyPresent: true,
				WasAlreadyHandled: existing.IsHandled(),
			}, nil
		}
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	stored := cloneRequest(r)
	stored.ID = id
	q.byID[id] = stored
	if forefront {
		q.order = append([]string{id}, q.order...)
	} else {
		q.order = append(q.order, id)
	}
	q.touch()
	return storage.AddResult{RequestID: id}, nil
}

// BatchAddRequests implements storage.QueueDriver.
func (q *Queue) BatchAddRequests(ctx context.Context, reqs []*request.Request, forefront bool) (storage.BatchResult, error) {
	var result storage.BatchResult
	for _, r := range reqs {
		res, err := q.AddRequest(ctx, r, forefront)
		if err != nil {
			result.Unprocessed = append(result.Unprocessed, r)
			continue
		}
		result.Processed = append(result.Processed, res)
	}
	return result, nil
}

// GetRequest implements storage.QueueDriver.
func (q *Queue) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(r), nil
}

// UpdateRequest implements storage.QueueDriver.
func (q *Queue) UpdateRequest(ctx context.Context, r *request.Request, forefront *bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.byID[r.ID]
	if !ok {
		return fmt.Errorf("memstore: unknown request id %q", r.ID)
	}
	wasHandled := existing.IsHandled()
	stored := cloneRequest(r)
	q.byID[r.ID] = stored
	if !wasHandled && stored.IsHandled() {
		q.handledCount++
	}
	if forefront != nil {
		q.removeFromOrder(r.ID)
		if *forefront {
			q.order = append([]string{r.ID}, q.order...)
		} else {
			q.order = append(q.order, r.ID)
		}
	}
	q.touch()
	return nil
}

func (q *Queue) removeFromOrder(id string) {
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// ListHead implements storage.QueueDriver.
func (q *Queue) ListHead(ctx context.Context, limit int) (storage.HeadListing, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listHeadLocked(limit), nil
}

func (q *Queue) listHeadLocked(limit int) storage.HeadListing {
	items := make([]storage.HeadItem, 0, limit)
	limitReached := false
	for _, id := range q.order {
		if len(items) >= limit {
			limitReached = true
			break
		}
		r := q.byID[id]
		if r.IsHandled() {
			continue
		}
		if _, locked := q.locks[id]; locked {
			continue
		}
		items = append(items, storage.HeadItem{ID: id, UniqueKey: r.UniqueKey})
	}
	hadMultiple := len(q.clients) > 1
	return storage.HeadListing{
		Items:              items,
		QueueModifiedAt:    q.modifiedAt,
		HadMultipleClients: hadMultiple,
		WasLimitReached:    limitReached,
	}
}

// ListAndLockHead implements storage.LockingQueueDriver.
func (q *Queue) ListAndLockHead(ctx context.Context, limit int, lockSecs int) (storage.HeadListing, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	listing := q.listHeadLocked(limit)
	expires := time.Now().Add(time.Duration(lockSecs) * time.Second)
	for _, item := range listing.Items {
		q.locks[item.ID] = lock{expiresAt: expires}
	}
	return listing, nil
}

// ProlongRequestLock implements storage.LockingQueueDriver.
func (q *Queue) ProlongRequestLock(ctx context.Context, id string, lockSecs int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[id]
	if !ok || time.Now().After(l.expiresAt) {
		return fmt.Errorf("memstore: lock for %q is lost", id)
	}
	l.expiresAt = time.Now().Add(time.Duration(lockSecs) * time.Second)
	q.locks[id] = l
	return nil
}

// DeleteRequestLock implements storage.LockingQueueDriver.
func (q *Queue) DeleteRequestLock(ctx context.Context, id string, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, id)
	if forefront {
		q.removeFromOrder(id)
		q.order = append([]string{id}, q.order...)
	}
	return nil
}

// MarkMultiClient is a test hook letting callers simulate the
// hadMultipleClients flag that a real multi-writer storage backend would
// report.
func (q *Queue) MarkMultiClient(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clients[clientID] = struct{}{}
}

// KV is an in-memory storage.KVDriver.
type KV struct {
	mu      sync.Mutex
	records map[string]storage.Record
}

// NewKV returns an empty in-memory key-value driver.
func NewKV() *KV {
	return &KV{records: make(map[string]storage.Record)}
}

// GetRecord implements storage.KVDriver.
func (k *KV) GetRecord(ctx context.Context, key string) (*storage.Record, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.records[key]
	if !ok {
		return nil, nil
	}
	cp := rec
	cp.Value = append([]byte(nil), rec.Value...)
	return &cp, nil
}

// SetRecord implements storage.KVDriver.
func (k *KV) SetRecord(ctx context.Context, rec storage.Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := rec
	cp.Value = append([]byte(nil), rec.Value...)
	k.records[rec.Key] = cp
	return nil
}

// DeleteRecord implements storage.KVDriver.
func (k *KV) DeleteRecord(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.records, key)
	return nil
}

// ListKeys implements storage.KVDriver. It always returns the full listing
// in one page; exclusiveStartKey is honored for shape-compatibility.
func (k *KV) ListKeys(ctx context.Context, exclusiveStartKey string) (storage.KeyListing, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.records))
	for key := range k.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := 0
	if exclusiveStartKey != "" {
		start = len(keys)
		for i, key := range keys {
			if key > exclusiveStartKey {
				start = i
				break
			}
		}
	}

	items := make([]storage.KeyInfo, 0, len(keys)-start)
	for _, key := range keys[start:] {
		items = append(items, storage.KeyInfo{Key: key, Size: int64(len(k.records[key].Value))})
	}
	return storage.KeyListing{Items: items, IsTruncated: false}, nil
}
