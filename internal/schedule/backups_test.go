package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/storage"
)

type fakeBackuper struct {
	mu    sync.Mutex
	dests []string
	err   error
}

func (f *fakeBackuper) Backup(_ context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dests = append(f.dests, dest)
	return os.WriteFile(dest, []byte("db"), 0o644)
}

func TestParseSchedule(t *testing.T) {
	if _, err := ParseSchedule("0 3 * * *"); err != nil {
		t.Errorf("ParseSchedule(daily) = %v", err)
	}
	if _, err := ParseSchedule("every day"); err == nil {
		t.Error("ParseSchedule accepted garbage")
	}
	if _, err := ParseSchedule("0 0 3 * * *"); err == nil {
		t.Error("ParseSchedule accepted a 6-field expression")
	}
}

func TestRunOncePrunesOldest(t *testing.T) {
	dir := t.TempDir()
	f := &fakeBackuper{}
	b := NewBackups(f, dir, 2, zap.NewNop())

	base := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		b.now = func() time.Time { return at }
		if _, err := b.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("backups kept = %d, want 2", len(entries))
	}
	if entries[0].Name() != "materiality-20260101T050000Z.db" || entries[1].Name() != "materiality-20260101T060000Z.db" {
		t.Errorf("kept %s and %s, want the two newest", entries[0].Name(), entries[1].Name())
	}
}

func TestPruneIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewBackups(&fakeBackuper{}, dir, 1, zap.NewNop())
	removed, err := b.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	b := NewBackups(&fakeBackuper{err: errors.New("disk full")}, t.TempDir(), 3, zap.NewNop())
	if _, err := b.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce succeeded despite backup failure")
	}
}

func TestStartDisabledAndInvalid(t *testing.T) {
	b := NewBackups(&fakeBackuper{}, t.TempDir(), 3, zap.NewNop())
	if err := b.Start(context.Background(), ""); err != nil {
		t.Errorf("Start(\"\") = %v, want nil", err)
	}
	if err := b.Start(context.Background(), "not cron"); err == nil {
		t.Error("Start accepted an invalid schedule")
	}
}

func TestRunOnceWithSQLite(t *testing.T) {
	dataDir := t.TempDir()
	s, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer s.Close()

	b := NewBackups(s, filepath.Join(dataDir, "backups"), 3, zap.NewNop())
	path, err := b.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}
