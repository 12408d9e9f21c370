package requeststore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage"
)

// Fetch retrieves a text resource, used by RequestsFromURL sources. It is
// the same shape as sitemapfeed.Fetch, kept independent so this package
// doesn't import sitemapfeed for its list-loading path.
type Fetch func(ctx context.Context, rawURL string) ([]byte, error)

// Source is one of the three loading shapes: a bare URL, an
// inline request descriptor, or a RequestsFromURL expansion directive.
// Exactly one of URL, Inline or RequestsFromURL should be set.
type Source struct {
	URL             string
	Inline          *InlineRequest
	RequestsFromURL *RequestsFromURLSource
}

// InlineRequest is shape (b): a fully-specified request descriptor.
type InlineRequest struct {
	URL       string
	UniqueKey string
	Method    string
	Payload   []byte
	UserData  map[string]any
}

// RequestsFromURLSource is shape (c): a remote text resource expanded into
// one Request per matched URL, optionally filtered by Regexp.
type RequestsFromURLSource struct {
	URL    string
	Regexp string
}

// ListOptions configures a RequestList.
type ListOptions struct {
	Name              string
	KV                storage.KVDriver
	Sources           []Source
	Fetch             Fetch
	KeepDuplicateUrls bool
	Log               *logging.Logger
}

type persistedListState struct {
	NextIndex     int      `json:"nextIndex"`
	NextUniqueKey string   `json:"nextUniqueKey"`
	InProgress    []string `json:"inProgress"`
}

// RequestList is the immutable ordered source: deduplicates
// by uniqueKey on load, tracks a read cursor plus in-progress/reclaimed
// sets, and persists progress (not the requests themselves, unless no
// persisted requests blob existed yet) to a KV driver.
type RequestList struct {
	mu sync.Mutex

	name string
	kv   storage.KVDriver
	log  *logging.Logger

	requests  []*request.Request
	byKey     map[string]int // uniqueKey -> index in requests
	nextIndex int

	inProgress map[string]struct{}
	reclaimed  []string // FIFO order
	reclaimSet map[string]struct{}

	statePersisted    bool
	requestsPersisted bool
}

// NewRequestList loads a RequestList per the standard initialization
// algorithm: a persisted requests blob, if present, is authoritative;
// otherwise Sources are loaded and deduplicated.
func NewRequestList(ctx context.Context, opts ListOptions) (*RequestList, error) {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	l := &RequestList{
		name:       opts.Name,
		kv:         opts.KV,
		log:        opts.Log,
		inProgress: make(map[string]struct{}),
		reclaimSet: make(map[string]struct{}),
		byKey:      make(map[string]int),
	}

	requests, loadedFromBlob, err := l.loadRequests(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.requests = requests
	l.requestsPersisted = loadedFromBlob
	for i, r := range l.requests {
		l.byKey[r.UniqueKey] = i
	}

	if l.kv != nil {
		state, err := l.loadPersistedState(ctx)
		if err != nil {
			return nil, err
		}
		if state != nil {
			if err := l.applyPersistedState(*state); err != nil {
				return nil, err
			}
			l.statePersisted = true
		}
	}
	return l, nil
}

func (l *RequestList) loadRequests(ctx context.Context, opts ListOptions) ([]*request.Request, bool, error) {
	if l.kv != nil {
		rec, err := l.kv.GetRecord(ctx, fmt.Sprintf(requestListRequestsKeyFmt, opts.Name))
		if err != nil {
			return nil, false, fmt.Errorf("load persisted requests: %w", err)
		}
		if rec != nil {
			var blobs []serializedRequest
			if err := json.Unmarshal(rec.Value, &blobs); err != nil {
				return nil, false, request.ErrStateInconsistent
			}
			reqs := make([]*request.Request, 0, len(blobs))
			for _, b := range blobs {
				reqs = append(reqs, b.toRequest())
			}
			return reqs, true, nil
		}
	}

	reqs, err := l.loadFromSources(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	return reqs, false, nil
}

func (l *RequestList) loadFromSources(ctx context.Context, opts ListOptions) ([]*request.Request, error) {
	suffixer := request.NewDuplicateSuffixer()
	seen := make(map[string]struct{})
	var out []*request.Request

	addOne := func(r *request.Request, hadExplicitKey bool) {
		key := r.UniqueKey
		if opts.KeepDuplicateUrls && !hadExplicitKey {
			key = suffixer.Next(key)
			r.UniqueKey = key
		} else if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}

	for _, src := range opts.Sources {
		switch {
		case src.URL != "":
			r, err := request.New(src.URL)
			if err != nil {
				return nil, fmt.Errorf("source url %q: %w", src.URL, request.ErrInvalidInput)
			}
			addOne(r, false)

		case src.Inline != nil:
			in := src.Inline
			var reqOpts []request.Option
			if in.Method != "" {
				reqOpts = append(reqOpts, request.WithMethod(in.Method))
			}
			if in.Payload != nil {
				reqOpts = append(reqOpts, request.WithPayload(in.Payload))
			}
			if in.UserData != nil {
				reqOpts = append(reqOpts, request.WithUserData(in.UserData))
			}
			hadKey := in.UniqueKey != ""
			if hadKey {
				reqOpts = append(reqOpts, request.WithUniqueKey(in.UniqueKey))
			}
			r, err := request.New(in.URL, reqOpts...)
			if err != nil {
				return nil, err
			}
			addOne(r, hadKey)

		case src.RequestsFromURL != nil:
			if opts.Fetch == nil {
				return nil, fmt.Errorf("requestsFromUrl source without a Fetch function: %w", request.ErrSourcesLoadFailed)
			}
			body, err := opts.Fetch(ctx, src.RequestsFromURL.URL)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", request.ErrSourcesLoadFailed, err)
			}
			urls, err := extractURLs(body, src.RequestsFromURL.Regexp)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", request.ErrSourcesLoadFailed, err)
			}
			for _, u := range urls {
				r, err := request.New(u)
				if err != nil {
					continue
				}
				addOne(r, false)
			}

		default:
			return nil, fmt.Errorf("source has no url, inline request or requestsFromUrl: %w", request.ErrInvalidInput)
		}
	}
	return out, nil
}

var defaultURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

func extractURLs(body []byte, pattern string) ([]string, error) {
	re := defaultURLPattern
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		re = compiled
	}
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		urls = append(urls, re.FindAllString(scanner.Text(), -1)...)
	}
	return urls, scanner.Err()
}

func (l *RequestList) loadPersistedState(ctx context.Context) (*persistedListState, error) {
	rec, err := l.kv.GetRecord(ctx, fmt.Sprintf(requestListStateKeyFmt, l.name))
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var state persistedListState
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		return nil, fmt.Errorf("%w: unparsable state blob", request.ErrStateInconsistent)
	}
	return &state, nil
}

// applyPersistedState validates and applies a persisted state:
// nextIndex must be in range and must agree with nextUniqueKey;
// in-progress entries at or past nextIndex are discarded, the remainder
// becomes the reclaimed set.
func (l *RequestList) applyPersistedState(state persistedListState) error {
	if state.NextIndex > len(l.requests) {
		return fmt.Errorf("%w: nextIndex %d exceeds %d requests", request.ErrStateInconsistent, state.NextIndex, len(l.requests))
	}
	if state.NextIndex < len(l.requests) && l.requests[state.NextIndex].UniqueKey != state.NextUniqueKey {
		return fmt.Errorf("%w: nextUniqueKey mismatch at index %d", request.ErrStateInconsistent, state.NextIndex)
	}
	l.nextIndex = state.NextIndex
	for _, key := range state.InProgress {
		idx, ok := l.byKey[key]
		if !ok || idx >= state.NextIndex {
			continue
		}
		l.reclaimed = append(l.reclaimed, key)
		l.reclaimSet[key] = struct{}{}
	}
	return nil
}

// Length returns the total number of distinct requests after load.
func (l *RequestList) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// IsEmpty is true iff there is nothing reclaimed and the cursor has run off
// the end.
func (l *RequestList) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reclaimed) == 0 && l.nextIndex >= len(l.requests)
}

// IsFinished is true iff nothing is in-progress and the cursor has run off
// the end.
func (l *RequestList) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inProgress) == 0 && l.nextIndex >= len(l.requests)
}

// FetchNextRequest returns a reclaimed item first (FIFO), else the item at
// the cursor, advancing it; marks the result in-progress. ctx is accepted
// for interface parity with SitemapRequestList, which actually blocks on
// it; a RequestList never blocks since its requests are all known upfront.
func (l *RequestList) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.reclaimed) > 0 {
		key := l.reclaimed[0]
		l.reclaimed = l.reclaimed[1:]
		delete(l.reclaimSet, key)
		idx := l.byKey[key]
		r := l.requests[idx]
		l.inProgress[key] = struct{}{}
		return r, nil
	}

	if l.nextIndex >= len(l.requests) {
		return nil, nil
	}
	r := l.requests[l.nextIndex]
	l.nextIndex++
	l.inProgress[r.UniqueKey] = struct{}{}
	return r, nil
}

// MarkRequestHandled requires r be in-progress and not reclaimed; removes
// it from in-progress and marks the list's persisted state stale.
func (l *RequestList) MarkRequestHandled(r *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[r.UniqueKey]; !ok {
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.UniqueKey)
	}
	if _, ok := l.reclaimSet[r.UniqueKey]; ok {
		return fmt.Errorf("%w: %q is reclaimed", request.ErrInvalidInput, r.UniqueKey)
	}
	delete(l.inProgress, r.UniqueKey)
	r.MarkHandled(time.Now())
	l.statePersisted = false
	return nil
}

// ReclaimRequest requires the same preconditions as MarkRequestHandled but
// moves the uniqueKey to the reclaimed set instead.
func (l *RequestList) ReclaimRequest(r *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[r.UniqueKey]; !ok {
		return fmt.Errorf("%w: %q is not in-progress", request.ErrInvalidInput, r.UniqueKey)
	}
	delete(l.inProgress, r.UniqueKey)
	l.reclaimed = append(l.reclaimed, r.UniqueKey)
	l.reclaimSet[r.UniqueKey] = struct{}{}
	return nil
}

// HandledCount reports how many requests have a HandledAt, matching the
// TandemManager's delegation contract.
func (l *RequestList) HandledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.requests {
		if r.IsHandled() {
			n++
		}
	}
	return n
}

type serializedRequest struct {
	ID            string         `json:"id"`
	UniqueKey     string         `json:"uniqueKey"`
	URL           string         `json:"url"`
	Method        string         `json:"method"`
	Payload       []byte         `json:"payload,omitempty"`
	UserData      map[string]any `json:"userData,omitempty"`
	RetryCount    int            `json:"retryCount"`
	ErrorMessages []string       `json:"errorMessages,omitempty"`
	HandledAt     *time.Time     `json:"handledAt,omitempty"`
}

func toSerialized(r *request.Request) serializedRequest {
	return serializedRequest{
		ID: r.ID, UniqueKey: r.UniqueKey, URL: r.URL, Method: r.Method,
		Payload: r.Payload, UserData: r.UserData, RetryCount: r.RetryCount,
		ErrorMessages: r.ErrorMessages, HandledAt: r.HandledAt,
	}
}

func (s serializedRequest) toRequest() *request.Request {
	return &request.Request{
		ID: s.ID, UniqueKey: s.UniqueKey, URL: s.URL, Method: s.Method,
		Payload: s.Payload, UserData: s.UserData, RetryCount: s.RetryCount,
		ErrorMessages: s.ErrorMessages, HandledAt: s.HandledAt,
	}
}

// PersistState writes {nextIndex, nextUniqueKey, inProgress[]} under
// SDK_<name>-REQUEST_LIST_STATE, and — the first time only, since a
// persisted requests blob is authoritative thereafter — the requests
// themselves under SDK_<name>-REQUEST_LIST_REQUESTS.
func (l *RequestList) PersistState(ctx context.Context) error {
	l.mu.Lock()
	nextKey := ""
	if l.nextIndex < len(l.requests) {
		nextKey = l.requests[l.nextIndex].UniqueKey
	}
	inProgress := make([]string, 0, len(l.inProgress))
	for key := range l.inProgress {
		inProgress = append(inProgress, key)
	}
	state := persistedListState{NextIndex: l.nextIndex, NextUniqueKey: nextKey, InProgress: inProgress}
	needRequestsBlob := !l.requestsPersisted
	var serialized []serializedRequest
	if needRequestsBlob {
		serialized = make([]serializedRequest, 0, len(l.requests))
		for _, r := range l.requests {
			serialized = append(serialized, toSerialized(r))
		}
	}
	l.mu.Unlock()

	if l.kv == nil {
		return nil
	}
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal list state: %w", err)
	}
	if err := l.kv.SetRecord(ctx, storage.Record{
		Key: fmt.Sprintf(requestListStateKeyFmt, l.name), Value: stateBytes, ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("persist list state: %w", err)
	}

	if needRequestsBlob {
		reqBytes, err := json.Marshal(serialized)
		if err != nil {
			return fmt.Errorf("marshal list requests: %w", err)
		}
		if err := l.kv.SetRecord(ctx, storage.Record{
			Key: fmt.Sprintf(requestListRequestsKeyFmt, l.name), Value: reqBytes, ContentType: "application/octet-stream",
		}); err != nil {
			return fmt.Errorf("persist list requests: %w", err)
		}
		l.mu.Lock()
		l.requestsPersisted = true
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.statePersisted = true
	l.mu.Unlock()
	return nil
}
