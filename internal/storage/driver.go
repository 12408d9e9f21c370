// Package storage defines the external storage-driver boundary the spec
// treats as a pluggable collaborator: a queue driver for
// Request Manager persistence, and a key-value driver for list state.
// Neither the on-disk nor on-wire encoding is defined here — only the Go
// contract that internal/requeststore programs against.
package storage

import (
	"context"
	"time"

	"github.com/digster/crawlkit/internal/request"
)

// AddResult is returned by QueueDriver.AddRequest.
type AddResult struct {
	RequestID        string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// BatchResult is returned by QueueDriver.BatchAddRequests.
type BatchResult struct {
	Processed   []AddResult
	Unprocessed []*request.Request
}

// HeadItem is one entry of a ListHead response.
type HeadItem struct {
	ID        string
	UniqueKey string
}

// HeadListing is the response shape for ListHead/ListAndLockHead.
type HeadListing struct {
	Items             []HeadItem
	QueueModifiedAt   time.Time
	HadMultipleClients bool
	WasLimitReached   bool
}

// QueueInfo is returned by QueueDriver.Get.
type QueueInfo struct {
	TotalRequestCount  int64
	HandledRequestCount int64
}

// QueueDriver is the storage side of a Request Queue.
type QueueDriver interface {
	Get(ctx context.Context) (QueueInfo, error)
	Delete(ctx context.Context) error
	AddRequest(ctx context.Context, r *request.Request, forefront bool) (AddResult, error)
	BatchAddRequests(ctx context.Context, reqs []*request.Request, forefront bool) (BatchResult, error)
	GetRequest(ctx context.Context, id string) (*request.Request, error)
	UpdateRequest(ctx context.Context, r *request.Request, forefront *bool) error
	ListHead(ctx context.Context, limit int) (HeadListing, error)
}

// LockingQueueDriver is the server-side-lock variant. A driver
// satisfies this by additionally implementing these three
// methods; requeststore.NewLockingRequestQueue takes it directly.
type LockingQueueDriver interface {
	QueueDriver
	ListAndLockHead(ctx context.Context, limit int, lockSecs int) (HeadListing, error)
	ProlongRequestLock(ctx context.Context, id string, lockSecs int) error
	DeleteRequestLock(ctx context.Context, id string, forefront bool) error
}

// KeyInfo is one entry of a ListKeys response.
type KeyInfo struct {
	Key  string
	Size int64
}

// KeyListing is the response shape for ListKeys.
type KeyListing struct {
	Items                []KeyInfo
	NextExclusiveStartKey string
	IsTruncated          bool
}

// Record is a stored key/value/content-type triple.
type Record struct {
	Key         string
	Value       []byte
	ContentType string
}

// KVDriver is the storage side of RequestList/SitemapRequestList state and
// serialized-requests persistence.
type KVDriver interface {
	GetRecord(ctx context.Context, key string) (*Record, error)
	SetRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, key string) error
	ListKeys(ctx context.Context, exclusiveStartKey string) (KeyListing, error)
}
