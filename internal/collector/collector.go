// Package collector drives the prober over a worklist and keeps the
// statistics store up to date, one host at a time.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fedlist/internal/logger"
	"fedlist/internal/model"
	"fedlist/internal/storage"
)

// Prober verifies one host. It never fails; errors end up in the record.
type Prober interface {
	Probe(ctx context.Context, host, platform string) model.StatsRecord
}

// Notifier receives the summary of a finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, run model.Run) error
}

// Options tune a single run.
type Options struct {
	// Force re-probes hosts that already have a record.
	Force bool
}

// Collector is the only writer of the statistics store.
type Collector struct {
	store    storage.Storage
	prober   Prober
	notifier Notifier
	log      logger.Logger
	now      func() time.Time
}

// New creates a Collector.
func New(store storage.Storage, p Prober, log logger.Logger) *Collector {
	return &Collector{
		store:  store,
		prober: p,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers a receiver for run summaries.
func (c *Collector) SetNotifier(n Notifier) {
	c.notifier = n
}

// Run probes every target not yet known (or every target with Force) and
// persists each result before moving to the next host. Cancelling ctx stops
// the run before the next host; the host in flight is not written. The
// returned summary is valid even when err is non-nil.
func (c *Collector) Run(ctx context.Context, targets []model.Target, opts Options) (model.Run, error) {
	run := model.Run{
		ID:        uuid.NewString(),
		Command:   "collect",
		StartedAt: c.now(),
	}
	log := c.log.With(logger.String("run_id", run.ID))

	snap, err := storage.LoadSnapshot(ctx, c.store)
	if err != nil {
		return run, fmt.Errorf("load snapshot: %w", err)
	}
	log.Info("collection started",
		logger.Int("targets", len(targets)),
		logger.Int("known_ok", snap.Len(model.PartitionOK)),
		logger.Int("known_bad", snap.Len(model.PartitionBad)),
		logger.Bool("force", opts.Force),
	)

	var runErr error
	for _, t := range targets {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if !opts.Force && snap.Known(t.Host) {
			run.Skipped++
			log.Debug("skipping known host", logger.Host(t.Host))
			continue
		}
		if err := c.collect(ctx, log, snap, t, &run); err != nil {
			runErr = err
			break
		}
	}

	run.FinishedAt = c.now()
	// The summary is stored even when the run was interrupted.
	bg := context.WithoutCancel(ctx)
	if err := c.store.RecordRun(bg, run); err != nil {
		log.Error("record run", logger.Error(err))
	}
	if c.notifier != nil {
		if err := c.notifier.NotifyRun(bg, run); err != nil {
			log.Warn("notify run", logger.Error(err))
		}
	}

	log.Info("collection finished",
		logger.Int("processed", run.Processed),
		logger.Int("ok", run.OK),
		logger.Int("bad", run.Bad),
		logger.Int("moved", run.Moved),
		logger.Int("unchanged", run.Unchanged),
		logger.Int("skipped", run.Skipped),
		logger.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)
	return run, runErr
}

func (c *Collector) collect(ctx context.Context, log logger.Logger, snap *storage.Snapshot, t model.Target, run *model.Run) error {
	host := snap.Resolve(t.Host)
	platform := t.Platform
	if prev, _, ok := snap.Lookup(host); ok && platform == "" && prev.Software != nil {
		platform = prev.Software.Name
	}

	rec := c.prober.Probe(ctx, host, platform)
	if ctx.Err() != nil {
		log.Info("interrupted, dropping in-flight host", logger.Host(host))
		return ctx.Err()
	}

	change, err := c.store.Put(ctx, rec)
	if err != nil {
		return fmt.Errorf("store %s: %w", rec.Host, err)
	}

	run.Processed++
	switch change {
	case storage.Moved:
		run.Moved++
	case storage.Unchanged:
		run.Unchanged++
	}

	if model.PartitionOf(rec) == model.PartitionOK {
		run.OK++
		name := "-"
		if rec.Software != nil && rec.Software.Name != "" {
			name = rec.Software.Name
		}
		log.Info("ok", logger.Host(rec.Host), logger.String("software", name), logger.String("change", change.String()))
		return nil
	}

	run.Bad++
	reason := "unknown"
	if rec.FailureReason != nil {
		reason = rec.FailureReason.String()
	}
	log.Warn("bad", logger.Host(rec.Host), logger.String("reason", reason), logger.String("change", change.String()))
	return nil
}
