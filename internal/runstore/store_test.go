// SPDX-License-Identifier: MPL-2.0

package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "runs.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_Lifecycle(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	runs := []Run{
		{ID: "a", Name: "flux_fast_1", Profile: "fast", Command: "accelerate launch", StartedAt: start},
		{ID: "b", Name: "flux_final_1", Profile: "final", Command: "accelerate launch", StartedAt: start.Add(time.Minute)},
		{ID: "c", Name: "flux_final_2", Profile: "final", Command: "accelerate launch", StartedAt: start.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := s.Start(ctx, r); err != nil {
			t.Fatalf("Start(%s) error = %v", r.ID, err)
		}
	}
	if err := s.Finish(ctx, "a", 0, start.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, "b", 137, start.Add(40*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, "c", 130, start.Add(41*time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
		t.Fatalf("List() order = %v", got)
	}
	want := map[string]Status{"a": StatusSucceeded, "b": StatusFailed, "c": StatusInterrupted}
	for _, r := range got {
		if r.Status != want[r.ID] {
			t.Errorf("run %s status = %s, want %s", r.ID, r.Status, want[r.ID])
		}
		if r.ExitCode == nil || r.FinishedAt == nil {
			t.Errorf("run %s missing finish data", r.ID)
		}
	}

	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !a.StartedAt.Equal(start) || a.Duration(time.Now()) != 30*time.Minute {
		t.Errorf("run a = %+v", a)
	}

	limited, err := s.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("List(1) = %v, %v", limited, err)
	}
}

func TestStore_Running(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	if err := s.Start(ctx, Run{ID: "x", Name: "n", Profile: "fast"}); err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusRunning || r.ExitCode != nil || r.FinishedAt != nil {
		t.Errorf("run = %+v", r)
	}
}

func TestStore_Errors(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	if err := s.Start(ctx, Run{ID: "x"}); err == nil {
		t.Error("Start() without name should fail")
	}
	if err := s.Finish(ctx, "missing", 0, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Finish() error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := s.List(ctx, 0); err == nil {
		t.Error("List(0) should fail")
	}
	if err := s.Start(ctx, Run{ID: "dup", Name: "n", Profile: "fast"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, Run{ID: "dup", Name: "n", Profile: "fast"}); err == nil {
		t.Error("duplicate ID should fail")
	}
}

func TestOpen_Reopen(t *testing.T) {
	s, path := openStore(t)
	if err := s.Start(context.Background(), Run{ID: "keep", Name: "n", Profile: "fast"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	again, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = again.Close() }()
	if _, err := again.Get(context.Background(), "keep"); err != nil {
		t.Errorf("Get() after reopen = %v", err)
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE t (x);\n-- +migrate Down\nDROP TABLE t;\n")
	if got != "\nCREATE TABLE t (x);\n" {
		t.Errorf("upSection() = %q", got)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Errorf("upSection() = %q", got)
	}
}
