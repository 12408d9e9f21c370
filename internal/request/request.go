// Package request defines the Request value type shared by every
// component of the Request Manager (RequestList, SitemapRequestList,
// RequestQueue, TandemManager), plus the error-kind taxonomy they all
// report through.
package request

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Kind classifies an error per error table. Kind values are
// comparable with errors.Is against the package-level sentinels below.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindDuplicatePageID   Kind = "duplicate_page_id"
	KindUnknownPlugin     Kind = "unknown_plugin"
	KindLaunchFailed      Kind = "launch_failed"
	KindPageOpenFailed    Kind = "page_open_failed"
	KindStateInconsistent Kind = "state_inconsistent"
	KindSourcesLoadFailed Kind = "sources_load_failed"
	KindLockLost          Kind = "lock_lost"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// policy via
// errors.Is / errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrInvalidInput) style checks by comparing Kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newErr(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels usable as errors.Is targets: &Error{Kind: KindX}.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrDuplicatePageID   = &Error{Kind: KindDuplicatePageID}
	ErrUnknownPlugin     = &Error{Kind: KindUnknownPlugin}
	ErrLaunchFailed      = &Error{Kind: KindLaunchFailed}
	ErrPageOpenFailed    = &Error{Kind: KindPageOpenFailed}
	ErrStateInconsistent = &Error{Kind: KindStateInconsistent}
	ErrSourcesLoadFailed = &Error{Kind: KindSourcesLoadFailed}
	ErrLockLost          = &Error{Kind: KindLockLost}
)

// Request is one crawlable unit.
type Request struct {
	ID            string
	UniqueKey     string
	URL           string
	Method        string
	Payload       []byte
	UserData      map[string]any
	RetryCount    int
	ErrorMessages []string
	HandledAt     *time.Time
}

// IsHandled reports whether the request has reached its terminal state.
func (r *Request) IsHandled() bool {
	return r != nil && r.HandledAt != nil
}

// MarkHandled sets HandledAt to now, matching the "terminal once handledAt
// is set" lifecycle rule.
func (r *Request) MarkHandled(now time.Time) {
	t := now
	r.HandledAt = &t
}

// AddError appends a retry error message and bumps RetryCount, the only
// fields a crawler (not the owning manager) is allowed to mutate.
func (r *Request) AddError(msg string) {
	r.RetryCount++
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// Option configures a Request at construction time.
type Option func(*Request)

// WithMethod sets the HTTP method (default "GET").
func WithMethod(method string) Option {
	return func(r *Request) { r.Method = method }
}

// WithPayload attaches a request body.
func WithPayload(payload []byte) Option {
	return func(r *Request) { r.Payload = payload }
}

// WithUserData attaches caller-defined data carried alongside the request.
func WithUserData(data map[string]any) Option {
	return func(r *Request) { r.UserData = data }
}

// WithUniqueKey overrides the default normalized-URL uniqueKey.
func WithUniqueKey(key string) Option {
	return func(r *Request) { r.UniqueKey = key }
}

// New constructs a Request from a URL, deriving UniqueKey via
// NormalizeUniqueKey unless WithUniqueKey overrides it. An empty or
// unparseable URL fails construction with KindInvalidInput.
func New(rawURL string, opts ...Option) (*Request, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, newErr("request.New", KindInvalidInput, errors.New("url is empty"))
	}
	r := &Request{URL: rawURL, Method: "GET"}
	for _, opt := range opts {
		opt(r)
	}
	if r.UniqueKey == "" {
		key, err := NormalizeUniqueKey(rawURL)
		if err != nil {
			return nil, newErr("request.New", KindInvalidInput, err)
		}
		r.UniqueKey = key
	}
	return r, nil
}

// NormalizeUniqueKey derives the default uniqueKey for a URL: lowercased
// scheme and host. Stable query-parameter ordering is left to the caller,
// so the path, query and fragment are passed through as-is.
func NormalizeUniqueKey(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// DuplicateSuffixer appends a monotonically increasing suffix to a
// uniqueKey, used by RequestList when KeepDuplicateUrls is set and a
// request carries no explicit uniqueKey. Safe for concurrent use: the
// counter map is guarded by a mutex.
type DuplicateSuffixer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewDuplicateSuffixer returns a ready-to-use suffixer.
func NewDuplicateSuffixer() *DuplicateSuffixer {
	return &DuplicateSuffixer{counters: make(map[string]int64)}
}

// Next returns key unchanged the first time it is seen, and
// "key#2", "key#3", ... on subsequent calls.
func (s *DuplicateSuffixer) Next(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.counters[key]
	if !ok {
		s.counters[key] = 1
		return key
	}
	n++
	s.counters[key] = n
	return fmt.Sprintf("%s#%d", key, n)
}
