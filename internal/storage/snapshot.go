package storage

import (
	"context"
	"fmt"
	"sort"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

// Snapshot is an immutable view of the store taken at the start of a run.
// Collector and discoverer consult it instead of the live store, so writes
// made during the run do not change which hosts count as known.
type Snapshot struct {
	ok      map[string]model.StatsRecord
	bad     map[string]model.StatsRecord
	aliases map[string]string
	known   hostname.Set
}

// LoadSnapshot reads both partitions and the alias table from s.
func LoadSnapshot(ctx context.Context, s Storage) (*Snapshot, error) {
	ok, err := s.List(ctx, model.PartitionOK)
	if err != nil {
		return nil, fmt.Errorf("list ok partition: %w", err)
	}
	bad, err := s.List(ctx, model.PartitionBad)
	if err != nil {
		return nil, fmt.Errorf("list bad partition: %w", err)
	}
	aliases, err := s.Aliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return NewSnapshot(ok, bad, aliases), nil
}

// NewSnapshot builds a snapshot from already loaded data.
func NewSnapshot(ok, bad []model.StatsRecord, aliases map[string]string) *Snapshot {
	s := &Snapshot{
		ok:      make(map[string]model.StatsRecord, len(ok)),
		bad:     make(map[string]model.StatsRecord, len(bad)),
		aliases: make(map[string]string, len(aliases)),
		known:   hostname.NewSet(),
	}
	add := func(dst map[string]model.StatsRecord, recs []model.StatsRecord) {
		for _, r := range recs {
			h := hostname.Normalize(r.Host)
			if h == "" {
				continue
			}
			dst[h] = r
			s.known[h] = struct{}{}
			if rf := hostname.Normalize(r.RedirectedFrom); rf != "" {
				s.known[rf] = struct{}{}
			}
		}
	}
	add(s.ok, ok)
	add(s.bad, bad)
	for from, to := range aliases {
		f, t := hostname.Normalize(from), hostname.Normalize(to)
		if f == "" || t == "" {
			continue
		}
		s.aliases[f] = t
		s.known[f] = struct{}{}
		s.known[t] = struct{}{}
	}
	return s
}

// Known reports whether host was already checked, under its own name or an alias.
func (s *Snapshot) Known(host string) bool {
	return s.known.Has(host)
}

// Resolve maps host through the alias table.
func (s *Snapshot) Resolve(host string) string {
	h := hostname.Normalize(host)
	if to, ok := s.aliases[h]; ok {
		return to
	}
	return h
}

// Lookup returns the record for host, following aliases.
func (s *Snapshot) Lookup(host string) (model.StatsRecord, model.Partition, bool) {
	h := s.Resolve(host)
	if r, ok := s.ok[h]; ok {
		return r, model.PartitionOK, true
	}
	if r, ok := s.bad[h]; ok {
		return r, model.PartitionBad, true
	}
	return model.StatsRecord{}, "", false
}

// Hosts returns the sorted hosts of partition p.
func (s *Snapshot) Hosts(p model.Partition) []string {
	src := s.ok
	if p == model.PartitionBad {
		src = s.bad
	}
	out := make([]string, 0, len(src))
	for h := range src {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Records returns the records of partition p sorted by host.
func (s *Snapshot) Records(p model.Partition) []model.StatsRecord {
	src := s.ok
	if p == model.PartitionBad {
		src = s.bad
	}
	out := make([]model.StatsRecord, 0, len(src))
	for _, h := range s.Hosts(p) {
		out = append(out, src[h])
	}
	return out
}

// Len returns the number of records in partition p.
func (s *Snapshot) Len(p model.Partition) int {
	if p == model.PartitionBad {
		return len(s.bad)
	}
	return len(s.ok)
}
