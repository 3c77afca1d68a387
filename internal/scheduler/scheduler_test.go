package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fedlist/internal/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) step(name string, err error) Step {
	return Step{Name: name, Run: func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return err
	}}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestRunOnceRunsStepsInOrder(t *testing.T) {
	rec := &recorder{}
	s := New([]Step{rec.step("discover", nil), rec.step("filter", nil), rec.step("collect", nil)}, 0, logger.Nop())

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"discover", "filter", "collect"}, rec.got()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceStopsAtFailedStep(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	s := New([]Step{rec.step("discover", nil), rec.step("filter", boom), rec.step("collect", nil)}, 0, logger.Nop())

	err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != "filter" {
		t.Errorf("err = %v, want StepError for filter", err)
	}
	if diff := cmp.Diff([]string{"discover", "filter"}, rec.got()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	s := New([]Step{rec.step("discover", nil)}, 0, logger.Nop())
	if err := s.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(rec.got()) != 0 {
		t.Error("no step should run after cancellation")
	}
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	s := New([]Step{rec.step("collect", errors.New("transient"))}, time.Hour, logger.Nop())
	s.SetTickInterval(5 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(rec.got()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d passes before deadline", len(rec.got()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
