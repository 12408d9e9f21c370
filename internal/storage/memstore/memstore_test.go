package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/digster/crawlkit/internal/request"
	"github.com/digster/crawlkit/internal/storage"
)

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	r, err := request.New(rawURL)
	if err != nil {
		t.Fatalf("request.New(%q): %v", rawURL, err)
	}
	return r
}

func TestQueueAddRequestDedupesByUniqueKey(t *testing.T) {
	q := New()
	ctx := context.Background()

	r1 := mustRequest(t, "https://example.com/a")
	res1, err := q.AddRequest(ctx, r1, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if res1.WasAlreadyPresent {
		t.Fatal("expected first add to not be a duplicate")
	}

	r2 := mustRequest(t, "https://example.com/a")
	res2, err := q.AddRequest(ctx, r2, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if !res2.WasAlreadyPresent {
		t.Fatal("expected second add of the same uniqueKey to be a duplicate")
	}
	if res2.RequestID != res1.RequestID {
		t.Errorf("expected duplicate add to return the original id %q, got %q", res1.RequestID, res2.RequestID)
	}
}

func TestQueueForefrontOrdering(t *testing.T) {
	q := New()
	ctx := context.Background()

	first := mustRequest(t, "https://example.com/first")
	second := mustRequest(t, "https://example.com/second")

	if _, err := q.AddRequest(ctx, first, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if _, err := q.AddRequest(ctx, second, true); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	listing, err := q.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("ListHead: %v", err)
	}
	if len(listing.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(listing.Items))
	}
	if listing.Items[0].UniqueKey != second.UniqueKey {
		t.Errorf("expected forefront add to be listed first, got %q", listing.Items[0].UniqueKey)
	}
}

func TestQueueListAndLockHeadExcludesLockedAndHandled(t *testing.T) {
	q := New()
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	res, err := q.AddRequest(ctx, r, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	listing, err := q.ListAndLockHead(ctx, 10, 30)
	if err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if len(listing.Items) != 1 {
		t.Fatalf("expected 1 locked item, got %d", len(listing.Items))
	}

	// Locked: a second listing should no longer surface it.
	again, err := q.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("ListHead: %v", err)
	}
	if len(again.Items) != 0 {
		t.Fatalf("expected locked item to be excluded from ListHead, got %d items", len(again.Items))
	}

	// Mark handled and confirm it's excluded even once unlocked.
	if err := q.DeleteRequestLock(ctx, res.RequestID, false); err != nil {
		t.Fatalf("DeleteRequestLock: %v", err)
	}
	stored, err := q.GetRequest(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	stored.MarkHandled(time.Now())
	if err := q.UpdateRequest(ctx, stored, nil); err != nil {
		t.Fatalf("UpdateRequest: %v", err)
	}

	final, err := q.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("ListHead: %v", err)
	}
	if len(final.Items) != 0 {
		t.Fatalf("expected handled item to be excluded, got %d items", len(final.Items))
	}

	info, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.HandledRequestCount != 1 {
		t.Errorf("expected handled count 1, got %d", info.HandledRequestCount)
	}
}

func TestQueueProlongAndMissingLock(t *testing.T) {
	q := New()
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	res, err := q.AddRequest(ctx, r, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if _, err := q.ListAndLockHead(ctx, 10, 30); err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if err := q.ProlongRequestLock(ctx, res.RequestID, 30); err != nil {
		t.Fatalf("ProlongRequestLock: %v", err)
	}

	if err := q.ProlongRequestLock(ctx, "nonexistent", 30); err == nil {
		t.Fatal("expected an error prolonging a lock that was never taken")
	}
}

func TestKVRoundTrip(t *testing.T) {
	kv := NewKV()
	ctx := context.Background()

	if err := kv.SetRecord(ctx, storage.Record{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}
	if err := kv.SetRecord(ctx, storage.Record{Key: "b", Value: []byte("2")}); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}

	rec, err := kv.GetRecord(ctx, "a")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec == nil || string(rec.Value) != "1" {
		t.Fatalf("expected record a=1, got %+v", rec)
	}

	listing, err := kv.ListKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(listing.Items) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(listing.Items))
	}

	if err := kv.DeleteRecord(ctx, "a"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	rec, err = kv.GetRecord(ctx, "a")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected deleted record to be nil, got %+v", rec)
	}
}
