// Package scheduler repeats the discover, filter and collect pipeline on a
// fixed interval for operators without an external cron.
package scheduler

import (
	"context"
	"errors"
	"time"

	"fedlist/internal/logger"
)

// Step is one stage of a pipeline pass.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs its steps in order, once per tick.
type Scheduler struct {
	steps []Step
	log   logger.Logger
	tick  time.Duration
}

// New creates a Scheduler that repeats steps every interval.
func New(steps []Step, every time.Duration, log logger.Logger) *Scheduler {
	return &Scheduler{steps: steps, log: log, tick: every}
}

// SetTickInterval overrides the interval passed to New.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run performs a pass immediately and then once per tick, blocking until
// ctx is cancelled. A tick of zero runs a single pass and returns its error.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.tick <= 0 {
		return s.RunOnce(ctx)
	}

	s.pass(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// RunOnce runs every step once. A failing step stops the pass because
// later steps read what earlier ones wrote.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := st.Run(ctx); err != nil {
			return &StepError{Step: st.Name, Err: err}
		}
		s.log.Debug("step finished", logger.String("step", st.Name), logger.Duration("took", time.Since(start)))
	}
	return nil
}

func (s *Scheduler) pass(ctx context.Context) {
	err := s.RunOnce(ctx)
	switch {
	case err == nil:
		s.log.Info("pipeline pass finished", logger.Duration("next_in", s.tick))
	case errors.Is(err, context.Canceled):
		s.log.Info("pipeline pass interrupted")
	default:
		s.log.Error("pipeline pass failed", logger.Error(err))
	}
}

// StepError names the step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }
