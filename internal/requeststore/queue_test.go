package requeststore

import (
	"context"
	"testing"
	"time"

	"github.com/digster/crawlkit/internal/logging"
	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage/memstore"
)

func newTestQueue(t *testing.T) *RequestQueue {
	t.Helper()
	q, err := NewRequestQueue(context.Background(), QueueOptions{
		Driver: memstore.New(),
		Log:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRequestQueue: %v", err)
	}
	return q
}

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	r, err := request.New(rawURL)
	if err != nil {
		t.Fatalf("request.New(%q): %v", rawURL, err)
	}
	return r
}

func TestAddAndFetchRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected a fetched request")
	}
	if fetched.URL != r.URL {
		t.Errorf("expected url %q, got %q", r.URL, fetched.URL)
	}

	// The queue should now report non-empty in-progress bookkeeping: a
	// second fetch with nothing else queued returns nil.
	again, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no further requests, got %+v", again)
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}
	if q.HandledCount() != 1 {
		t.Errorf("expected handled count 1, got %d", q.HandledCount())
	}
}

func TestAddRequestDedupesWithoutHittingDriver(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	r1 := mustRequest(t, "https://example.com/a")
	res1, err := q.AddRequest(ctx, r1, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	r2 := mustRequest(t, "https://example.com/a")
	res2, err := q.AddRequest(ctx, r2, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if !res2.WasAlreadyPresent {
		t.Fatal("expected the local cache to recognize the duplicate")
	}
	if res2.RequestID != res1.RequestID {
		t.Errorf("expected duplicate to resolve to %q, got %q", res1.RequestID, res2.RequestID)
	}
}

func TestMarkRequestHandledRequiresInProgress(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	r.ID = "never-fetched"
	if err := q.MarkRequestHandled(ctx, r); err == nil {
		t.Fatal("expected an error marking a request handled that was never fetched")
	}
}

func TestIsEmptyAndIsFinished(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	empty, err := q.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected a fresh queue to be empty")
	}
	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if !finished {
		t.Fatal("expected a fresh queue to be finished")
	}

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	empty, err = q.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if empty {
		t.Fatal("expected the queue to be non-empty after adding a request")
	}

	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if finished {
		t.Fatal("expected the queue to not be finished while a request is pending")
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected to fetch the pending request")
	}

	// In-progress: still not finished.
	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if finished {
		t.Fatal("expected the queue to not be finished while a request is in-progress")
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}

	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if !finished {
		t.Fatal("expected the queue to be finished once the only request is handled")
	}
}

func TestReclaimRequestReinsertsAfterConsistencyDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping consistency-delay test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	fetched, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected to fetch the seeded request")
	}

	if err := q.ReclaimRequest(ctx, fetched, true); err != nil {
		t.Fatalf("ReclaimRequest: %v", err)
	}

	time.Sleep(StorageConsistencyDelay + 500*time.Millisecond)

	again, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest after reclaim: %v", err)
	}
	if again == nil {
		t.Fatal("expected the reclaimed request to be fetchable again")
	}
	if again.URL != r.URL {
		t.Errorf("expected reclaimed request url %q, got %q", r.URL, again.URL)
	}
}
