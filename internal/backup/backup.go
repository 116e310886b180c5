// Package backup runs the periodic durable-store snapshot described in
// §6 "Operational outputs": a consistent copy written to the backup
// directory shortly after startup and on a fixed interval thereafter,
// retaining only the most recent N snapshots.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ashureev/presence-broker/internal/store"
)

// Worker owns the backup schedule.
type Worker struct {
	store        store.Repository
	dir          string
	initialDelay time.Duration
	interval     time.Duration
	retain       int
	logger       *slog.Logger
}

// NewWorker constructs a Worker.
func NewWorker(repo store.Repository, dir string, initialDelay, interval time.Duration, retain int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:        repo,
		dir:          dir,
		initialDelay: initialDelay,
		interval:     interval,
		retain:       retain,
		logger:       logger,
	}
}

// Start runs the backup schedule until ctx is cancelled. It returns
// immediately; the schedule runs in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		timer := time.NewTimer(w.initialDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Worker) runOnce(ctx context.Context) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Error("backup: create backup dir failed", "error", err)
		return
	}

	now := time.Now()
	path := filepath.Join(w.dir, fmt.Sprintf("presence-%s.db", now.UTC().Format("20060102T150405Z")))

	if err := w.store.Snapshot(ctx, path); err != nil {
		w.logger.Error("backup: snapshot failed", "error", err)
		return
	}

	userCount, err := w.store.CountUsers(ctx)
	if err != nil {
		w.logger.Warn("backup: count users failed", "error", err)
	}
	messageCount, err := w.store.CountChatMessages(ctx)
	if err != nil {
		w.logger.Warn("backup: count chat messages failed", "error", err)
	}

	if err := w.store.RecordSnapshot(ctx, path, now, userCount, messageCount); err != nil {
		w.logger.Error("backup: record snapshot failed", "error", err)
	}

	w.logger.Info("backup: snapshot written", "path", path)
	w.prune(ctx)
}

// prune deletes the oldest snapshots beyond the configured retention
// count (§6 "retaining the five most recent snapshots").
func (w *Worker) prune(ctx context.Context) {
	records, err := w.store.ListSnapshots(ctx)
	if err != nil {
		w.logger.Error("backup: list snapshots failed", "error", err)
		return
	}
	if len(records) <= w.retain {
		return
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	for _, rec := range records[w.retain:] {
		if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("backup: remove old snapshot failed", "path", rec.Path, "error", err)
		}
		if err := w.store.DeleteSnapshotRecord(ctx, rec.Path); err != nil {
			w.logger.Warn("backup: delete snapshot record failed", "path", rec.Path, "error", err)
		}
	}
}
