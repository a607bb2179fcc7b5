package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndListRuns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	started := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	run := Run{
		Kind:     "deploy",
		Status:   "failed",
		Started:  started,
		Finished: started.Add(42 * time.Second),
		Steps: []StepRecord{
			{Name: "backup", Status: "ok", Duration: 3 * time.Second},
			{Name: "update_code", Status: "failed", Error: "git pull: exit status 1", Duration: 2 * time.Second},
		},
	}
	id, err := s.RecordRun(ctx, run)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a run id")
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Kind != "deploy" || got.Status != "failed" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !got.Started.Equal(started) {
		t.Fatalf("started mismatch: %v", got.Started)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}
	if got.Steps[1].Name != "update_code" || got.Steps[1].Error == "" {
		t.Fatalf("unexpected step: %+v", got.Steps[1])
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	for _, kind := range []string{"deploy", "rollback", "deploy"} {
		if _, err := s.RecordRun(ctx, Run{Kind: kind, Status: "succeeded", Started: now, Finished: now}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID < runs[1].ID {
		t.Fatalf("expected newest first: %d then %d", runs[0].ID, runs[1].ID)
	}
}
