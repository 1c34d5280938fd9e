package trigger

import (
	"testing"
	"time"
)

func TestEvalCronSkippableCollapsesBacklog(t *testing.T) {
	// */5 with last execution at t0 and the clock waking up 20 minutes
	// later: exactly one due signal, and the next firing is the first
	// schedule point strictly after now.
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(1200 * time.Second)

	ev, err := EvalCron("*/5 * * * *", t0, now, true)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Due {
		t.Fatal("expected due")
	}
	want := t0.Add(1500 * time.Second) // 12:25, strictly after 12:20
	if !ev.NextAt.Equal(want) {
		t.Fatalf("NextAt = %v, want %v", ev.NextAt, want)
	}

	// After the writeback records the execution at now, nothing further is
	// due until 12:25.
	ev2, err := EvalCron("*/5 * * * *", now, now.Add(time.Second), true)
	if err != nil {
		t.Fatal(err)
	}
	if ev2.Due {
		t.Fatal("backlog must collapse into a single firing")
	}
	if !ev2.NextAt.Equal(want) {
		t.Fatalf("NextAt = %v, want %v", ev2.NextAt, want)
	}
}

func TestEvalCronNonSkippableReplaysOneAtATime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(1200 * time.Second)

	ev, err := EvalCron("*/5 * * * *", t0, now, false)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Due {
		t.Fatal("expected due")
	}
	// Pending firing is 12:05; the pointer advances one firing only.
	want := t0.Add(600 * time.Second)
	if !ev.NextAt.Equal(want) {
		t.Fatalf("NextAt = %v, want %v", ev.NextAt, want)
	}
}

func TestEvalCronNotDue(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev, err := EvalCron("*/5 * * * *", t0, t0.Add(2*time.Minute), true)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Due {
		t.Fatal("not due before the pending firing")
	}
	if !ev.NextAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("NextAt = %v", ev.NextAt)
	}
}

func TestEvalCronExactBoundaryIsDue(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// now exactly at the pending firing: at-or-before now means due.
	ev, err := EvalCron("*/5 * * * *", t0, t0.Add(5*time.Minute), true)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Due {
		t.Fatal("firing at now must be due")
	}
}

func TestEvalCronMalformed(t *testing.T) {
	if _, err := EvalCron("not a cron", time.Now(), time.Now(), true); err == nil {
		t.Fatal("expected parse error")
	}
	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCron("61 * * * *"); err == nil {
		t.Fatal("expected range error")
	}
}
