// Package storage persists probe results in two mutually exclusive
// partitions (ok and bad) and loads the pipeline's input files.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

var (
	// ErrNotFound is returned when a host has no record in either partition.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput wraps malformed input files and records.
	ErrInvalidInput = errors.New("invalid input")
)

// Change describes what a Put did.
type Change int

// Possible Put outcomes.
const (
	Unchanged Change = iota
	Created
	Updated
	Moved
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Moved:
		return "moved"
	default:
		return "unchanged"
	}
}

// Storage is the interface for all statistics persistence. A host is stored
// in at most one partition; Put moves it when its partition changes.
type Storage interface {
	// Put stores rec in the partition given by model.PartitionOf, removes
	// the host from the other partition, drops any record still keyed by
	// rec.RedirectedFrom and registers that alias.
	Put(ctx context.Context, rec model.StatsRecord) (Change, error)
	Get(ctx context.Context, host string) (model.StatsRecord, model.Partition, error)
	List(ctx context.Context, p model.Partition) ([]model.StatsRecord, error)

	Aliases(ctx context.Context) (map[string]string, error)
	// PutAlias maps from to its canonical host to. Both must be in the same
	// zone, otherwise ErrInvalidInput is returned.
	PutAlias(ctx context.Context, from, to string) error

	RecordRun(ctx context.Context, run model.Run) error
	Close() error
}

// sameRecord compares records by their serialized form.
func sameRecord(a, b model.StatsRecord) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// aliasPair normalizes an alias and checks that it stays within one zone.
func aliasPair(from, to string) (string, string, error) {
	f, t := hostname.Normalize(from), hostname.Normalize(to)
	if f == "" || t == "" || f == t {
		return "", "", fmt.Errorf("%w: alias %q -> %q", ErrInvalidInput, from, to)
	}
	if !hostname.SameZone(f, t) {
		return "", "", fmt.Errorf("%w: alias %s -> %s leaves the host zone", ErrInvalidInput, f, t)
	}
	return f, t, nil
}
