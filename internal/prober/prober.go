// Package prober verifies a single host through NodeInfo discovery and
// software-specific fallback endpoints, and maps whatever it finds into a
// canonical StatsRecord.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"fedlist/internal/fetcher"
	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

// Probe steps reported in FailureReason.Step.
const (
	StepNodeInfo = "nodeinfo"
	StepSoftware = "software"
	StepAssess   = "assess"
)

const (
	maxStatusesPerUser = 50_000
	maxActiveFactor    = 1.5
)

// Fields is the canonical field set every strategy extracts into.
type Fields struct {
	Software          *model.Software
	OpenRegistrations *bool
	UsersTotal        *int64
	UsersActiveMonth  *int64
	Statuses          *int64
	Languages         []string
}

// Empty reports whether no canonical field was found.
func (f Fields) Empty() bool {
	return f.Software == nil &&
		f.OpenRegistrations == nil &&
		f.UsersTotal == nil &&
		f.UsersActiveMonth == nil &&
		f.Statuses == nil &&
		len(f.Languages) == 0
}

// Result is the outcome of a successful strategy.
type Result struct {
	Fields Fields
	// Base is the scheme://host the fields were served from.
	Base string
}

// Strategy is one link of the discovery chain. A nil Result with a nil
// error means "nothing here, try the next one".
type Strategy interface {
	Name() string
	Run(ctx context.Context, f *fetcher.Fetcher, host, platform string) (*Result, error)
}

type nodeInfoStrategy struct{}

func (nodeInfoStrategy) Name() string { return StepNodeInfo }

func (nodeInfoStrategy) Run(ctx context.Context, f *fetcher.Fetcher, host, _ string) (*Result, error) {
	doc, base, err := FetchNodeInfo(ctx, f, host)
	if err != nil {
		return nil, err
	}
	return &Result{Fields: doc.Fields(), Base: base}, nil
}

type softwareStrategy struct{}

func (softwareStrategy) Name() string { return StepSoftware }

func (softwareStrategy) Run(ctx context.Context, f *fetcher.Fetcher, host, platform string) (*Result, error) {
	base := (&url.URL{Scheme: "https", Host: host}).String()
	var lastErr error
	for _, ex := range Extractors(platform) {
		fields, err := ex.Extract(ctx, f, base)
		if err == nil && !fields.Empty() {
			return &Result{Fields: fields, Base: base}, nil
		}
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", ex.Family(), err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// DefaultStrategies is the fixed discovery order.
func DefaultStrategies() []Strategy {
	return []Strategy{nodeInfoStrategy{}, softwareStrategy{}}
}

// Prober runs the strategy chain for one host at a time.
type Prober struct {
	fetcher    *fetcher.Fetcher
	strategies []Strategy
	now        func() time.Time
}

// New creates a Prober using the default strategy chain.
func New(f *fetcher.Fetcher) *Prober {
	return &Prober{
		fetcher:    f,
		strategies: DefaultStrategies(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source (useful for testing).
func (p *Prober) SetClock(now func() time.Time) {
	p.now = now
}

// Probe verifies host. platform is an optional software hint from the
// curated list used to order the fallback endpoints. Probe never fails:
// every error ends up in the returned record's FailureReason.
func (p *Prober) Probe(ctx context.Context, host, platform string) model.StatsRecord {
	host = hostname.Normalize(host)
	rec := model.StatsRecord{
		Host:              host,
		LanguagesDetected: []string{},
		FetchedAt:         p.now(),
	}
	if host == "" {
		rec.FailureReason = &model.FailureReason{Step: StepNodeInfo, Kind: model.FailUnreachable, Message: "empty host"}
		return rec
	}

	var (
		res     *Result
		step    string
		lastErr error
	)
	for _, s := range p.strategies {
		r, err := s.Run(ctx, p.fetcher, host, platform)
		if err == nil && r != nil {
			res, step = r, s.Name()
			break
		}
		if err != nil {
			lastErr, step = err, s.Name()
		}
		if ctx.Err() != nil {
			break
		}
	}

	if res == nil {
		if lastErr == nil {
			lastErr = errors.New("no strategy produced a document")
		}
		rec.FailureReason = &model.FailureReason{
			Step:    step,
			Kind:    fetcher.KindOf(lastErr),
			Message: lastErr.Error(),
		}
		return rec
	}

	rec.VerifiedActivityPub = true
	apply(&rec, res.Fields)
	if canon := canonicalHost(res.Base, host); canon != host {
		rec.RedirectedFrom = host
		rec.Host = canon
	}

	if reason := Assess(rec); reason != nil {
		rec.VerifiedActivityPub = false
		rec.FailureReason = reason
	}
	return rec
}

func apply(rec *model.StatsRecord, f Fields) {
	rec.Software = f.Software
	rec.OpenRegistrations = f.OpenRegistrations
	rec.UsersTotal = f.UsersTotal
	rec.UsersActiveMonth = f.UsersActiveMonth
	rec.Statuses = f.Statuses

	var langs languageSet
	langs.add(f.Languages...)
	rec.LanguagesDetected = langs.list()
}

// canonicalHost returns the host the document was served from when it is
// in the same zone as the probed host, and the probed host otherwise.
func canonicalHost(base, host string) string {
	if base == "" {
		return host
	}
	u, err := url.Parse(base)
	if err != nil {
		return host
	}
	canon := hostname.Normalize(u.Hostname())
	if canon == "" || !hostname.SameZone(canon, host) {
		return host
	}
	return canon
}

// Assess returns a failure reason for a verified record whose numbers are
// implausible or missing, and nil when the record belongs in the ok partition.
func Assess(rec model.StatsRecord) *model.FailureReason {
	if msg := anomaly(rec); msg != "" {
		return &model.FailureReason{Step: StepAssess, Kind: model.FailAnomalous, Message: msg}
	}
	if !rec.HasMetrics() {
		return &model.FailureReason{Step: StepAssess, Kind: model.FailNoMetrics, Message: "verified but no user or status counters"}
	}
	return nil
}

func anomaly(rec model.StatsRecord) string {
	for _, c := range []struct {
		name string
		v    *int64
	}{
		{"users_total", rec.UsersTotal},
		{"users_active_month", rec.UsersActiveMonth},
		{"statuses", rec.Statuses},
	} {
		if c.v != nil && *c.v < 0 {
			return fmt.Sprintf("negative %s: %d", c.name, *c.v)
		}
	}

	if rec.UsersTotal == nil || *rec.UsersTotal <= 0 {
		return ""
	}
	total := *rec.UsersTotal
	if rec.Statuses != nil && float64(*rec.Statuses)/float64(total) > maxStatusesPerUser {
		return fmt.Sprintf("statuses per user above %d: %d/%d", maxStatusesPerUser, *rec.Statuses, total)
	}
	if rec.UsersActiveMonth != nil && float64(*rec.UsersActiveMonth) > float64(total)*maxActiveFactor {
		return fmt.Sprintf("active users exceed total: %d/%d", *rec.UsersActiveMonth, total)
	}
	return ""
}
