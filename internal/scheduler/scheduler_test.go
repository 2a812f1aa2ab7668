package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// --- cron Tests ---

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr string
		ok   bool
	}{
		{"@every 30s", true},
		{"@hourly", true},
		{"*/5 * * * *", true},
		{"0 3 * * 1", true},
		{"", false},
		{"not a schedule", false},
		{"* * *", false},
	}

	for _, tt := range tests {
		err := ValidateSchedule(tt.expr)
		if tt.ok && err != nil {
			t.Errorf("ValidateSchedule(%q) unexpected error: %v", tt.expr, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateSchedule(%q) expected error", tt.expr)
		}
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	next, err := NextRun("@every 30s", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := from.Add(30 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	next, err = NextRun("0 12 * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextRun("bad", from); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

// --- Scheduler Tests ---

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.schedule != defaultSchedule {
		t.Errorf("schedule = %q, want %q", s.schedule, defaultSchedule)
	}
	if s.timeout != defaultTimeout {
		t.Errorf("timeout = %v, want %v", s.timeout, defaultTimeout)
	}
	if s.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "every now and then"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestTick_RunsAllTasks(t *testing.T) {
	var first, second atomic.Int32
	boom := errors.New("boom")

	s, _ := New(Config{Tasks: []Task{
		{Name: "failing", Run: func(context.Context) error { first.Add(1); return boom }},
		{Name: "ok", Run: func(context.Context) error { second.Add(1); return nil }},
	}})

	err := s.Tick(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if first.Load() != 1 || second.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", first.Load(), second.Load())
	}
}

func TestTick_SetsDeadline(t *testing.T) {
	s, _ := New(Config{Timeout: time.Second, Tasks: []Task{
		{Name: "deadline", Run: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		}},
	}})

	if err := s.Tick(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTick_CancelledContext(t *testing.T) {
	var calls atomic.Int32
	s, _ := New(Config{Tasks: []Task{
		{Name: "count", Run: func(context.Context) error { calls.Add(1); return nil }},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Tick(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	ticked := make(chan struct{}, 10)
	s, err := New(Config{
		Schedule: "@every 1s",
		Tasks: []Task{
			{Name: "signal", Run: func(context.Context) error {
				select {
				case ticked <- struct{}{}:
				default:
				}
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}

	select {
	case <-ticked:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not tick")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
