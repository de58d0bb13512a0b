package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fingerprint := Fingerprint([]byte(`{"cart_id":"cart-1"}`))

	res, err := store.Reserve(ctx, "cart-1", fingerprint, now, time.Hour)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}
	if res.Record.Status != StatusPending {
		t.Fatalf("expected pending record, got %s", res.Record.Status)
	}

	res, err = store.Reserve(ctx, "cart-1", fingerprint, now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("second Reserve returned error: %v", err)
	}
	if res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", res.State)
	}

	payload := []byte(`{"session_count":2}`)
	if err := store.SaveResult(ctx, "cart-1", fingerprint, payload, now.Add(2*time.Minute), time.Hour); err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}

	res, err = store.Reserve(ctx, "cart-1", fingerprint, now.Add(3*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Reserve after completion returned error: %v", err)
	}
	if res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v", res.State)
	}
	if string(res.Record.Result) != string(payload) {
		t.Fatalf("expected stored result to replay, got %s", res.Record.Result)
	}
}

func TestMemoryStoreFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(ctx, "cart-1", "fp-a", now, time.Hour); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	if _, err := store.Reserve(ctx, "cart-1", "fp-b", now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
	if err := store.SaveResult(ctx, "cart-1", "fp-b", []byte("x"), now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch from SaveResult, got %v", err)
	}
}

func TestMemoryStoreReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(ctx, "cart-1", "fp", now, time.Hour); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if err := store.Release(ctx, "cart-1", "fp"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}

	res, err := store.Reserve(ctx, "cart-1", "fp", now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Reserve after release returned error: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected fresh reservation after release, got %v", res.State)
	}
}

func TestMemoryStoreExpiredReservationIsReplaced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(ctx, "cart-1", "fp", now, time.Minute); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	res, err := store.Reserve(ctx, "cart-1", "fp", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry returned error: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected expired record to be replaced, got %v", res.State)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for _, key := range []string{"cart-1", "cart-2", "cart-3"} {
		if _, err := store.Reserve(ctx, key, "fp", now, time.Minute); err != nil {
			t.Fatalf("Reserve %s returned error: %v", key, err)
		}
	}
	if _, err := store.Reserve(ctx, "cart-4", "fp", now, 2*time.Hour); err != nil {
		t.Fatalf("Reserve cart-4 returned error: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("CleanupExpired returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 expired records removed, got %d", removed)
	}

	res, err := store.Reserve(ctx, "cart-4", "fp", now.Add(time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("Reserve cart-4 after cleanup returned error: %v", err)
	}
	if res.State != ReservationStatePending {
		t.Fatalf("expected surviving reservation to stay pending, got %v", res.State)
	}
}

func TestMemoryStoreRequiresKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	if _, err := store.Reserve(ctx, "  ", "fp", now, time.Hour); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if err := store.SaveResult(ctx, "", "fp", nil, now, time.Hour); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired from SaveResult, got %v", err)
	}
}
