package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/store"
)

func newTestWorker(t *testing.T, retain int) (*Worker, string) {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	dir := t.TempDir()
	w := NewWorker(repo, dir, time.Hour, time.Hour, retain, nil)
	return w, dir
}

func TestRunOnceWritesSnapshotAndRecord(t *testing.T) {
	w, dir := newTestWorker(t, 5)
	ctx := context.Background()

	w.runOnce(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one snapshot file, got %d", len(entries))
	}

	records, err := w.store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one snapshot record, got %d", len(records))
	}
}

func TestRunOnceRecordsRealUserCount(t *testing.T) {
	w, _ := newTestWorker(t, 5)
	ctx := context.Background()

	if err := w.store.UpsertUser(ctx, &domain.User{Handle: "alice", CreatedAt: time.Now(), LastSeenAt: time.Now()}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := w.store.UpsertUser(ctx, &domain.User{Handle: "bob", CreatedAt: time.Now(), LastSeenAt: time.Now()}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	w.runOnce(ctx)

	records, err := w.store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one snapshot record, got %d", len(records))
	}
	if records[0].UserCount != 2 {
		t.Errorf("expected the recorded user count to reflect the 2 upserted users, got %d", records[0].UserCount)
	}
}

func TestPruneRetainsOnlyMostRecentN(t *testing.T) {
	w, dir := newTestWorker(t, 2)
	ctx := context.Background()

	now := time.Now()
	var paths []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, "snap"+string(rune('a'+i))+".db")
		if f, err := os.Create(path); err != nil {
			t.Fatalf("create fake snapshot file: %v", err)
		} else {
			f.Close()
		}
		createdAt := now.Add(time.Duration(i) * time.Minute) // later i = more recent
		if err := w.store.RecordSnapshot(ctx, path, createdAt, 0, 0); err != nil {
			t.Fatalf("RecordSnapshot: %v", err)
		}
		paths = append(paths, path)
	}

	w.prune(ctx)

	records, err := w.store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected retention to keep exactly 2 records, got %d", len(records))
	}

	// The two oldest (index 0 and 1) should have been pruned, both the
	// file and the DB record.
	for _, p := range paths[:2] {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected stale snapshot file %s to be removed", p)
		}
	}
	for _, p := range paths[2:] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected recent snapshot file %s to survive pruning: %v", p, err)
		}
	}
}

func TestPruneNoOpWhenUnderRetention(t *testing.T) {
	w, _ := newTestWorker(t, 5)
	ctx := context.Background()

	if err := w.store.RecordSnapshot(ctx, "/tmp/only.db", time.Now(), 0, 0); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	w.prune(ctx)

	records, err := w.store.ListSnapshots(ctx)
	if err != nil || len(records) != 1 {
		t.Errorf("expected prune to be a no-op under the retention count, got %+v, err=%v", records, err)
	}
}
