package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{
		ID:          "j-claim-1",
		Type:        "mark_feedback_processed",
		PayloadJSON: `{"version_id":2}`,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"mark_feedback_processed"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"version_id":2}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"version_id":2}`)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"mark_feedback_processed"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-later", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("claimed job scheduled for the future: %+v", got)
	}
}

func TestClaimNextJob_TypeFilterAndSkipsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if got, _ := s.ClaimNextJob(ctx, []string{"b"}); got != nil {
		t.Errorf("claimed job of another type: %+v", got)
	}
	if got, _ := s.ClaimNextJob(ctx, []string{"a"}); got == nil {
		t.Fatal("expected to claim j-a")
	}
	if got, _ := s.ClaimNextJob(ctx, []string{"a"}); got != nil {
		t.Errorf("claimed running job twice: %+v", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-done", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-done")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, JobCompleted)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob(ctx, "j-fail", "locked"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 || j.LastError != "locked" {
		t.Errorf("after first failure: status=%q attempts=%d last_error=%q", j.Status, j.Attempts, j.LastError)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}

	if err := s.FailJob(ctx, "j-fail", "still locked"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, _ = s.GetJob(ctx, "j-fail")
	if j.Status != JobFailed {
		t.Errorf("status = %q, want %q", j.Status, JobFailed)
	}
}

func TestCountJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if err := s.EnqueueJob(ctx, Job{ID: id, Type: "x", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	n, err := s.CountJobs(ctx, "x")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("CountJobs = %d, want 1", n)
	}
}
