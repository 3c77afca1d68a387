package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

// File names inside the data directory.
const (
	OKFile      = "stats.ok.json"
	BadFile     = "stats.bad.json"
	LegacyFile  = "stats.json"
	AliasesFile = "host_aliases.json"
	RunsFile    = "runs.json"

	migratedSuffix  = ".migrated"
	migratingSuffix = ".migrating"
)

// FileStore implements Storage as JSON files in a data directory.
// Every write replaces the affected file atomically.
type FileStore struct {
	dir string

	mu      sync.Mutex
	ok      map[string]model.StatsRecord
	bad     map[string]model.StatsRecord
	aliases map[string]string
}

// NewFileStore loads the partitions found in dir, migrating a lone legacy
// stats file into the ok/bad split first.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		dir:     dir,
		ok:      make(map[string]model.StatsRecord),
		bad:     make(map[string]model.StatsRecord),
		aliases: make(map[string]string),
	}

	if err := s.migrateLegacy(); err != nil {
		return nil, err
	}
	if err := s.loadPartition(OKFile, s.ok); err != nil {
		return nil, err
	}
	if err := s.loadPartition(BadFile, s.bad); err != nil {
		return nil, err
	}
	// A crash between the two partition writes can leave a host in both;
	// keep the newer record.
	for h, b := range s.bad {
		if o, ok := s.ok[h]; ok {
			if b.FetchedAt.After(o.FetchedAt) {
				delete(s.ok, h)
			} else {
				delete(s.bad, h)
			}
		}
	}
	if err := s.loadAliases(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every write is already on disk.
func (s *FileStore) Close() error { return nil }

// Put implements Storage.
func (s *FileStore) Put(_ context.Context, rec model.StatsRecord) (Change, error) {
	rec.Host = hostname.Normalize(rec.Host)
	if rec.Host == "" {
		return Unchanged, fmt.Errorf("%w: record without host", ErrInvalidInput)
	}
	rec.RedirectedFrom = hostname.Normalize(rec.RedirectedFrom)

	s.mu.Lock()
	defer s.mu.Unlock()

	part := model.PartitionOf(rec)
	dst, other := s.maps(part)

	change := Created
	if prev, ok := dst[rec.Host]; ok {
		change = Updated
		if sameRecord(prev, rec) && !s.hasStale(rec) {
			return Unchanged, nil
		}
	} else if _, ok := other[rec.Host]; ok {
		change = Moved
	}

	dst[rec.Host] = rec
	delete(other, rec.Host)
	otherDirty := s.dropStale(rec)

	if err := s.writePartition(part); err != nil {
		return Unchanged, err
	}
	if change == Moved || otherDirty {
		if err := s.writePartition(part.Other()); err != nil {
			return Unchanged, err
		}
	}
	if f, t, err := aliasPair(rec.RedirectedFrom, rec.Host); err == nil {
		if err := s.putAliasLocked(f, t); err != nil {
			return Unchanged, err
		}
	}
	return change, nil
}

// Get implements Storage.
func (s *FileStore) Get(_ context.Context, host string) (model.StatsRecord, model.Partition, error) {
	h := hostname.Normalize(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.ok[h]; ok {
		return r, model.PartitionOK, nil
	}
	if r, ok := s.bad[h]; ok {
		return r, model.PartitionBad, nil
	}
	return model.StatsRecord{}, "", fmt.Errorf("%s: %w", h, ErrNotFound)
}

// List implements Storage. Records are sorted by host.
func (s *FileStore) List(_ context.Context, p model.Partition) ([]model.StatsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, _ := s.maps(p)
	return sortedRecords(src), nil
}

// Aliases implements Storage.
func (s *FileStore) Aliases(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out, nil
}

// PutAlias implements Storage.
func (s *FileStore) PutAlias(_ context.Context, from, to string) error {
	f, t, err := aliasPair(from, to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAliasLocked(f, t)
}

// RecordRun appends run to the run log.
func (s *FileStore) RecordRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, RunsFile)
	var runs []model.Run
	if err := readJSONFile(path, &runs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	runs = append(runs, run)
	return WriteJSON(path, runs)
}

// ListRuns returns the run log, newest first.
func (s *FileStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []model.Run
	if err := readJSONFile(filepath.Join(s.dir, RunsFile), &runs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

// putAliasLocked expects a pair checked by aliasPair.
func (s *FileStore) putAliasLocked(f, t string) error {
	if s.aliases[f] == t {
		return nil
	}
	s.aliases[f] = t
	return WriteJSON(filepath.Join(s.dir, AliasesFile), s.aliases)
}

// maps returns the record map of p and of the opposite partition.
func (s *FileStore) maps(p model.Partition) (map[string]model.StatsRecord, map[string]model.StatsRecord) {
	if p == model.PartitionBad {
		return s.bad, s.ok
	}
	return s.ok, s.bad
}

// hasStale reports whether a record is still keyed by rec's original host.
func (s *FileStore) hasStale(rec model.StatsRecord) bool {
	rf := rec.RedirectedFrom
	if rf == "" || rf == rec.Host {
		return false
	}
	_, inOK := s.ok[rf]
	_, inBad := s.bad[rf]
	return inOK || inBad
}

// dropStale removes records keyed by rec's original host and reports
// whether the partition other than rec's was touched.
func (s *FileStore) dropStale(rec model.StatsRecord) bool {
	rf := rec.RedirectedFrom
	if rf == "" || rf == rec.Host {
		return false
	}
	part := model.PartitionOf(rec)
	_, other := s.maps(part)
	_, inOther := other[rf]
	delete(s.ok, rf)
	delete(s.bad, rf)
	return inOther
}

func (s *FileStore) writePartition(p model.Partition) error {
	src, _ := s.maps(p)
	name := OKFile
	if p == model.PartitionBad {
		name = BadFile
	}
	return WriteJSON(filepath.Join(s.dir, name), sortedRecords(src))
}

func (s *FileStore) loadPartition(name string, dst map[string]model.StatsRecord) error {
	var recs []model.StatsRecord
	err := readJSONFile(filepath.Join(s.dir, name), &recs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range recs {
		h := hostname.Normalize(r.Host)
		if h == "" {
			continue
		}
		r.Host = h
		dst[h] = r
	}
	return nil
}

func (s *FileStore) loadAliases() error {
	var raw map[string]string
	err := readJSONFile(filepath.Join(s.dir, AliasesFile), &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for k, v := range raw {
		f, t := hostname.Normalize(k), hostname.Normalize(v)
		if f != "" && t != "" {
			s.aliases[f] = t
		}
	}
	return nil
}

// migrateLegacy splits a lone stats.json into the two partition files.
// The legacy file is first renamed to stats.json.migrating; while that file
// exists the split is redone from it, so an interrupted migration resumes on
// the next open instead of leaving one partition behind.
func (s *FileStore) migrateLegacy() error {
	legacy := filepath.Join(s.dir, LegacyFile)
	pending := legacy + migratingSuffix
	if !exists(pending) {
		if !exists(legacy) || exists(filepath.Join(s.dir, OKFile)) || exists(filepath.Join(s.dir, BadFile)) {
			return nil
		}
		if err := os.Rename(legacy, pending); err != nil {
			return fmt.Errorf("stage legacy stats: %w", err)
		}
	}

	var recs []model.StatsRecord
	if err := readJSONFile(pending, &recs); err != nil {
		return fmt.Errorf("migrate legacy stats: %w", err)
	}
	for _, r := range recs {
		h := hostname.Normalize(r.Host)
		if h == "" {
			continue
		}
		r.Host = h
		if r.VerifiedActivityPub {
			s.ok[h] = r
		} else {
			s.bad[h] = r
		}
	}
	if err := s.writePartition(model.PartitionOK); err != nil {
		return err
	}
	if err := s.writePartition(model.PartitionBad); err != nil {
		return err
	}
	if err := os.Rename(pending, legacy+migratedSuffix); err != nil {
		return fmt.Errorf("retire legacy stats: %w", err)
	}
	s.ok = make(map[string]model.StatsRecord)
	s.bad = make(map[string]model.StatsRecord)
	return nil
}

func sortedRecords(src map[string]model.StatsRecord) []model.StatsRecord {
	out := make([]model.StatsRecord, 0, len(src))
	for _, r := range src {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, filepath.Base(path), err)
	}
	return nil
}
