package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/retrain"
	"github.com/kalambet/materiality/internal/storage"
)

type mockReconciler struct {
	mu    sync.Mutex
	calls []retrain.MarkPayload
	err   error
}

func (m *mockReconciler) Reconcile(_ context.Context, versionID int64, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, retrain.MarkPayload{VersionID: versionID, FeedbackIDs: ids})
	return m.err
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *storage.Store, id string, payload any) {
	t.Helper()
	data, _ := json.Marshal(payload)
	if err := s.EnqueueJob(context.Background(), storage.Job{
		ID:          id,
		Type:        retrain.JobMarkProcessed,
		PayloadJSON: string(data),
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func TestRunOnce_NoJobs(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockReconciler{}, 0, zap.NewNop())
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestRunOnce_CompletesJob(t *testing.T) {
	s := openTestStore(t)
	rec := &mockReconciler{}
	enqueue(t, s, "job-1", retrain.MarkPayload{VersionID: 3, FeedbackIDs: []string{"f1", "f2"}})

	w := NewWorker(s, rec, 0, zap.NewNop())
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not process the job")
	}
	if len(rec.calls) != 1 || rec.calls[0].VersionID != 3 || len(rec.calls[0].FeedbackIDs) != 2 {
		t.Errorf("calls = %+v", rec.calls)
	}
	j, err := s.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != storage.JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, storage.JobCompleted)
	}
}

func TestRunOnce_FailureReschedules(t *testing.T) {
	s := openTestStore(t)
	rec := &mockReconciler{err: errors.New("database is locked")}
	enqueue(t, s, "job-1", retrain.MarkPayload{VersionID: 3, FeedbackIDs: []string{"f1"}})

	w := NewWorker(s, rec, 0, zap.NewNop())
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j, _ := s.GetJob(context.Background(), "job-1")
	if j.Status != storage.JobPending || j.Attempts != 1 || j.LastError != "database is locked" {
		t.Errorf("job = %+v, want pending after one failed attempt", j)
	}
}

func TestRunOnce_BadPayload(t *testing.T) {
	s := openTestStore(t)
	rec := &mockReconciler{}
	enqueue(t, s, "job-1", map[string]string{"unexpected": "shape"})

	w := NewWorker(s, rec, 0, zap.NewNop())
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("reconciler called with bad payload: %+v", rec.calls)
	}
}

func TestDrain(t *testing.T) {
	s := openTestStore(t)
	rec := &mockReconciler{}
	enqueue(t, s, "job-1", retrain.MarkPayload{VersionID: 2, FeedbackIDs: []string{"a"}})
	enqueue(t, s, "job-2", retrain.MarkPayload{VersionID: 3, FeedbackIDs: []string{"b"}})

	n, err := NewWorker(s, rec, 0, zap.NewNop()).Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Errorf("Drain = %d, want 2", n)
	}
	left, _ := s.CountJobs(context.Background(), retrain.JobMarkProcessed)
	if left != 0 {
		t.Errorf("pending jobs = %d, want 0", left)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := openTestStore(t)
	rec := &mockReconciler{}
	enqueue(t, s, "job-1", retrain.MarkPayload{VersionID: 2, FeedbackIDs: []string{"a"}})

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(s, rec, 10*time.Millisecond, zap.NewNop())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.calls)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
