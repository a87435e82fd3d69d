package jobtracker

import (
	"testing"
	"time"
)

func TestTrackerProgress(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Close()

	tr.Start("e-M000", 4)
	tr.Update("e-M000", 1, 2)
	p := tr.Get("e-M000")
	if p == nil || p.Percent != 25 || p.Running != 2 || p.Phase != PhaseRunning {
		t.Fatalf("unexpected progress: %+v", p)
	}

	tr.Update("e-M000", 4, 0)
	tr.Finish("e-M000", PhaseCompleted)
	p = tr.Get("e-M000")
	if p.Percent != 100 || p.Phase != PhaseCompleted {
		t.Fatalf("unexpected final progress: %+v", p)
	}

	// Updates for unknown jobs are ignored.
	tr.Update("e-M999", 1, 0)
	if tr.Get("e-M999") != nil {
		t.Fatal("unknown job should not be tracked")
	}
}

func TestTrackerZeroCallJob(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Close()
	tr.Start("e-M001", 0)
	tr.Update("e-M001", 0, 0)
	if p := tr.Get("e-M001"); p.Percent != 100 {
		t.Fatalf("empty job should be 100%%, got %d", p.Percent)
	}
}

func TestTrackerListAndStale(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Close()
	tr.Start("b", 1)
	tr.Start("a", 1)
	list := tr.List()
	if len(list) != 2 || list[0].JobKey != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if tr.IsStale("a", time.Hour) {
		t.Fatal("fresh entry reported stale")
	}
	if !tr.IsStale("missing", time.Hour) {
		t.Fatal("missing entry should be stale")
	}
	tr.Remove("a")
	if tr.Get("a") != nil {
		t.Fatal("expected entry removed")
	}
}
