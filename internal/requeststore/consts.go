package requeststore

import "time"

// Tuning constants for the request queue's caching and retry behavior.
const (
	// QueryHeadMinLength is the threshold below which a non-forefront push
	// still lands on the head cache's tail rather than waiting for a
	// refill.
	QueryHeadMinLength = 100

	// RequestQueueHeadMaxLimit bounds the higher-limit retry in
	// ensureHeadIsNonEmpty; chosen to favor generous buffering over extra
	// round trips.
	RequestQueueHeadMaxLimit = 1000

	// StorageConsistencyDelay is the window during which a head-cache hit
	// whose record is momentarily missing, or whose reclaim/mark-handled
	// write hasn't yet propagated, is given before retrying.
	StorageConsistencyDelay = 3 * time.Second

	// APIProcessedRequestsDelay is the minimum age a listHead response
	// must have for its contents to be trusted as "database consistent".
	APIProcessedRequestsDelay = 10 * time.Second

	// MaxQueriesForConsistency bounds ensureHeadIsNonEmpty's consistency
	// retry loop.
	MaxQueriesForConsistency = 6

	// DefaultInternalTimeout is isFinished's stuck-queue threshold: how
	// long a queue may go without any activity before it's considered
	// stuck.
	DefaultInternalTimeout = 5 * time.Minute

	// DefaultRequestLockSecs is the v2 locking queue's default
	// listAndLockHead/prolongRequestLock duration.
	DefaultRequestLockSecs = 180

	// defaultAddRequestsBatchSize is addRequestsBatched's default chunk
	// size.
	defaultAddRequestsBatchSize = 1000

	// defaultWaitBetweenBatches is addRequestsBatched's default
	// inter-chunk pause.
	defaultWaitBetweenBatches = time.Second

	// addRequestsDriverBatchSize bounds a single addRequests driver call.
	addRequestsDriverBatchSize = 25

	// defaultHeadRefillLimit seeds the first listHead call each time the
	// head cache empties.
	defaultHeadRefillLimit = 25

	// defaultLRUCapacity sizes requestCache/recentlyHandled.
	defaultLRUCapacity = 10000
)

// KV key names used to persist queue/list state across restarts.
const (
	requestListStateKeyFmt    = "SDK_%s-REQUEST_LIST_STATE"
	requestListRequestsKeyFmt = "SDK_%s-REQUEST_LIST_REQUESTS"
	sitemapRequestListStateKey = "SITEMAP_REQUEST_LIST_STATE"
)
