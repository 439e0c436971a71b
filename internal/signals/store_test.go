package signals_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotnull/meshsync/internal/signals"
)

func openStore(t *testing.T) *signals.SQLiteStore {
	t.Helper()
	store, err := signals.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "signals.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSignal(id string, created time.Time, ttl time.Duration) signals.Signal {
	expires := created.Add(ttl)
	return signals.Signal{
		ID:         id,
		AuthorID:   "user-1",
		Content:    "hello " + id,
		CreatedAt:  created,
		ExpiresAt:  &expires,
		ImageState: signals.ImageNone,
	}
}

func TestSQLiteStorePersistsSignal(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	node := uint32(0xabcd)
	path := "/tmp/img.png"
	sig := testSignal("sig-1", base, time.Hour)
	sig.Location = &signals.Location{Latitude: 52.1, Longitude: 4.3, Name: "Harbour"}
	sig.MeshNodeID = &node
	sig.ImageLocalPath = &path
	sig.ImageState = signals.ImageLocal
	sig.CommentCount = 2

	if err := store.Put(ctx, sig); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Get(ctx, "sig-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Content != sig.Content || got.AuthorID != "user-1" || got.CommentCount != 2 {
		t.Fatalf("unexpected signal %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.ExpiresAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps %s / %s", got.CreatedAt, got.ExpiresAt)
	}
	if got.Location == nil || got.Location.Name != "Harbour" || got.Location.Latitude != 52.1 {
		t.Fatalf("unexpected location %+v", got.Location)
	}
	if got.MeshNodeID == nil || *got.MeshNodeID != node {
		t.Fatalf("unexpected mesh node %v", got.MeshNodeID)
	}
	if got.ImageLocalPath == nil || *got.ImageLocalPath != path || got.ImageState != signals.ImageLocal {
		t.Fatalf("unexpected image fields %v %s", got.ImageLocalPath, got.ImageState)
	}
	if got.MediaURLs == nil || len(got.MediaURLs) != 0 {
		t.Fatalf("expected empty media list, got %#v", got.MediaURLs)
	}

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing signal, got ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStorePutKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Put(ctx, testSignal("sig-1", base, time.Hour)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, testSignal("sig-1", base, 5*time.Hour)); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, _, err := store.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ExpiresAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expiry must not be extended, got %s", got.ExpiresAt)
	}
}

func TestSQLiteStoreUpdateDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sig := testSignal("sig-1", time.Now(), time.Hour)
	if err := store.Put(ctx, sig); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := store.Delete(ctx, "sig-1"); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	sig.MediaURLs = []string{"https://blob.test/x.png"}
	updated, err := store.Update(ctx, sig)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated {
		t.Fatalf("update of a deleted signal must report false")
	}
	if _, ok, _ := store.Get(ctx, "sig-1"); ok {
		t.Fatalf("deleted signal came back")
	}
	if ok, err := store.Delete(ctx, "sig-1"); err != nil || ok {
		t.Fatalf("second delete should report false, got ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreEvictPrefersExpired(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Five expired signals created last, so age alone would not pick them.
	for i := 0; i < 200; i++ {
		sig := testSignal(fmt.Sprintf("live-%03d", i), now.Add(-time.Hour+time.Duration(i)*time.Second), 24*time.Hour)
		if err := store.Put(ctx, sig); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		sig := testSignal(fmt.Sprintf("old-%d", i), now.Add(-time.Minute), time.Second)
		if err := store.Put(ctx, sig); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	evicted, err := store.Evict(ctx, 200, now)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if len(evicted) != 5 {
		t.Fatalf("expected 5 evictions, got %d", len(evicted))
	}
	for _, sig := range evicted {
		if sig.ID[:4] != "old-" {
			t.Fatalf("expected expired signals evicted first, got %s", sig.ID)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 200 {
		t.Fatalf("expected 200 signals, got %d", len(all))
	}

	// Over the limit with nothing expired, the oldest go.
	if err := store.Put(ctx, testSignal("newest", now, time.Hour)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	evicted, err = store.Evict(ctx, 200, now)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if len(evicted) != 1 || evicted[0].ID != "live-000" {
		t.Fatalf("expected oldest signal evicted, got %+v", evicted)
	}
}

func TestSQLiteStoreListExpired(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Put(ctx, testSignal("past", now.Add(-2*time.Hour), time.Hour))
	_ = store.Put(ctx, testSignal("boundary", now.Add(-time.Hour), time.Hour))
	_ = store.Put(ctx, testSignal("future", now, time.Hour))

	expired, err := store.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "past" || expired[1].ID != "boundary" {
		t.Fatalf("unexpected expired set %+v", expired)
	}
}

func TestSQLiteStoreProximityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	pings := map[uint32][]time.Time{
		7: {now.Add(-20 * time.Minute), now.Add(-6 * time.Minute), now},
		9: {now.Add(-time.Minute)},
	}
	if err := store.SaveProximity(ctx, pings); err != nil {
		t.Fatalf("SaveProximity: %v", err)
	}
	loaded, err := store.LoadProximity(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("LoadProximity: %v", err)
	}
	if len(loaded[7]) != 2 || !loaded[7][0].Equal(now.Add(-6*time.Minute)) {
		t.Fatalf("unexpected pings for node 7: %v", loaded[7])
	}
	if len(loaded[9]) != 1 {
		t.Fatalf("unexpected pings for node 9: %v", loaded[9])
	}

	// Saving replaces the previous history.
	if err := store.SaveProximity(ctx, map[uint32][]time.Time{9: {now}}); err != nil {
		t.Fatalf("SaveProximity: %v", err)
	}
	loaded, err = store.LoadProximity(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LoadProximity: %v", err)
	}
	if len(loaded) != 1 || len(loaded[9]) != 1 {
		t.Fatalf("expected only the latest history, got %v", loaded)
	}
}
