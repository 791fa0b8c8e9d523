// Package schedule runs cron-driven database backups.
package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/metrics"
)

const (
	backupPrefix = "materiality-"
	backupSuffix = ".db"
	stampLayout  = "20060102T150405Z"
)

// Backuper writes a consistent copy of the database to dest.
type Backuper interface {
	Backup(ctx context.Context, dest string) error
}

// Backups writes timestamped database copies into dir and keeps the newest
// keep of them.
type Backups struct {
	store  Backuper
	dir    string
	keep   int
	logger *zap.Logger
	now    func() time.Time
}

func NewBackups(store Backuper, dir string, keep int, logger *zap.Logger) *Backups {
	if keep <= 0 {
		keep = 7
	}
	return &Backups{store: store, dir: dir, keep: keep, logger: logger, now: time.Now}
}

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Start runs backups on spec until ctx is cancelled. An empty spec disables
// scheduled backups.
func (b *Backups) Start(ctx context.Context, spec string) error {
	if strings.TrimSpace(spec) == "" {
		b.logger.Info("scheduled backups disabled (storage.backup_schedule not set)")
		return nil
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	b.logger.Info("scheduled backups enabled", zap.String("cron", spec), zap.String("dir", b.dir), zap.Int("keep", b.keep))
	go b.loop(ctx, sched)
	return nil
}

func (b *Backups) loop(ctx context.Context, sched cron.Schedule) {
	for {
		now := b.now()
		next := sched.Next(now)
		b.logger.Debug("next backup", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := b.RunOnce(ctx); err != nil {
			b.logger.Error("scheduled backup failed", zap.Error(err))
		}
	}
}

// RunOnce writes one backup, prunes old ones and returns the new file path.
func (b *Backups) RunOnce(ctx context.Context) (string, error) {
	dest := filepath.Join(b.dir, backupPrefix+b.now().UTC().Format(stampLayout)+backupSuffix)
	err := b.store.Backup(ctx, dest)
	metrics.ObserveBackup(err)
	if err != nil {
		return "", fmt.Errorf("writing backup %s: %w", dest, err)
	}

	removed, err := b.Prune()
	if err != nil {
		b.logger.Warn("pruning backups failed", zap.Error(err))
	}
	b.logger.Info("backup written", zap.String("path", dest), zap.Int("pruned", len(removed)))
	return dest, nil
}

// Prune deletes all but the newest keep backups and returns the removed paths.
func (b *Backups) Prune() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, backupPrefix) && strings.HasSuffix(n, backupSuffix) {
			names = append(names, n)
		}
	}
	if len(names) <= b.keep {
		return nil, nil
	}
	// Timestamps sort lexically, oldest first.
	slices.Sort(names)

	var removed []string
	for _, n := range names[:len(names)-b.keep] {
		p := filepath.Join(b.dir, n)
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}
