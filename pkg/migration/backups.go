package migration

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/forest6511/safectl/pkg/backup"
	"github.com/forest6511/safectl/pkg/store"
)

// Scheduler starts background workers.
type Scheduler interface {
	StartAutoBackup(ctx context.Context, safeID string) error
}

// ReconcileBackups records every backup file found in the backup directory
// that is not yet known to the item store, then starts the auto-backup
// worker. Rows are keyed by path, so re-running inserts nothing new.
type ReconcileBackups struct {
	transition
	dir       string
	scheduler Scheduler
}

// NewReconcileBackups returns the 2->3 step.
func NewReconcileBackups(dir string, sch Scheduler) *ReconcileBackups {
	return &ReconcileBackups{transition: transition{from: 2}, dir: dir, scheduler: sch}
}

func (s *ReconcileBackups) Name() string        { return "reconcile_backups" }
func (s *ReconcileBackups) ReentrantSafe() bool { return true }

func (s *ReconcileBackups) Execute(ctx context.Context, mc *Context) error {
	found, err := backup.Discover(s.dir, mc.SafeID, mc.Logger)
	if err != nil {
		return stepErr(s, "scan backup directory", CodeStorage, err)
	}

	var inserted int
	err = mc.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, f := range found {
			created := f.Header.CreatedAt
			if created.IsZero() {
				if info, err := os.Stat(f.Path); err == nil {
					created = info.ModTime()
				}
			}
			ok, err := tx.InsertBackupIfMissing(ctx, store.Backup{
				ID:        uuid.NewString(),
				SafeID:    mc.SafeID,
				Path:      f.Path,
				CreatedAt: created,
			})
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return stepErr(s, "insert backup rows", CodeStorage, err)
	}
	mc.Logger.Debug("backup files reconciled", "safe_id", mc.SafeID, "found", len(found), "inserted", inserted)

	if s.scheduler != nil {
		if err := s.scheduler.StartAutoBackup(ctx, mc.SafeID); err != nil {
			mc.Logger.Warn("failed to start auto-backup worker", "safe_id", mc.SafeID, "err", err)
		}
	}
	return nil
}
