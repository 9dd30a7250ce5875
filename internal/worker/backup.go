package worker

import (
	"context"
	"log/slog"
	"time"
)

// BackupStore defines the store operation needed by the backup worker.
type BackupStore interface {
	Backup(ctx context.Context, dest string) error
}

// BackupUploader ships a finished backup file off the device.
type BackupUploader interface {
	Upload(ctx context.Context, clientID string, filePath string) error
}

// BackupWorker writes a point-in-time copy of the local store and uploads it.
type BackupWorker struct {
	store    BackupStore
	uploader BackupUploader
	clientID string
	path     string
	interval time.Duration
}

// NewBackupWorker creates a worker that backs store up to path every interval
// and uploads the copy under clientID.
func NewBackupWorker(store BackupStore, uploader BackupUploader, clientID, path string, interval time.Duration) *BackupWorker {
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		clientID: clientID,
		path:     path,
		interval: interval,
	}
}

// Run backs up immediately on start, then on each interval.
// Respects context cancellation for graceful shutdown.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "store-backup",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "store-backup",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.backup(ctx)
		}
	}
}

func (w *BackupWorker) backup(ctx context.Context) {
	if err := RunBackup(ctx, w.store, w.uploader, w.clientID, w.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("store backup failed",
			"component", "worker",
			"action", "backup_failed",
			"error", err,
		)
	}
}

// RunBackup performs one backup and upload cycle.
func RunBackup(ctx context.Context, store BackupStore, uploader BackupUploader, clientID, path string) error {
	start := time.Now()

	if err := store.Backup(ctx, path); err != nil {
		return err
	}
	if err := uploader.Upload(ctx, clientID, path); err != nil {
		return err
	}

	slog.Info("store backup completed",
		"component", "worker",
		"action", "backup_complete",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
