package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"fedlist/internal/hostname"
	"fedlist/internal/model"
	"fedlist/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database. The host column is
// the primary key, so a host can only ever sit in one partition.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put implements Storage in a single transaction.
func (s *SQLite) Put(ctx context.Context, rec model.StatsRecord) (Change, error) {
	rec.Host = hostname.Normalize(rec.Host)
	if rec.Host == "" {
		return Unchanged, fmt.Errorf("%w: record without host", ErrInvalidInput)
	}
	rec.RedirectedFrom = hostname.Normalize(rec.RedirectedFrom)
	part := model.PartitionOf(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return Unchanged, fmt.Errorf("encode record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevPart, prevData string
	change := Created
	err = tx.QueryRowContext(ctx, `SELECT partition, record FROM stats WHERE host = ?`, rec.Host).Scan(&prevPart, &prevData)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Unchanged, fmt.Errorf("query stats: %w", err)
	case model.Partition(prevPart) != part:
		change = Moved
	default:
		change = Updated
	}

	stale := rec.RedirectedFrom != "" && rec.RedirectedFrom != rec.Host
	if change == Updated && prevData == string(data) {
		if !stale {
			return Unchanged, nil
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stats WHERE host = ?`, rec.RedirectedFrom).Scan(&n); err != nil {
			return Unchanged, fmt.Errorf("query stale: %w", err)
		}
		if n == 0 {
			return Unchanged, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats (host, partition, record, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET partition = excluded.partition, record = excluded.record, fetched_at = excluded.fetched_at`,
		rec.Host, string(part), string(data), rec.FetchedAt.UTC().Format(timeLayout),
	); err != nil {
		return Unchanged, fmt.Errorf("upsert stats: %w", err)
	}

	if stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stats WHERE host = ?`, rec.RedirectedFrom); err != nil {
			return Unchanged, fmt.Errorf("delete stale stats: %w", err)
		}
		if f, t, err := aliasPair(rec.RedirectedFrom, rec.Host); err == nil {
			if err := putAlias(ctx, tx, f, t); err != nil {
				return Unchanged, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("commit: %w", err)
	}
	return change, nil
}

// Get implements Storage.
func (s *SQLite) Get(ctx context.Context, host string) (model.StatsRecord, model.Partition, error) {
	h := hostname.Normalize(host)
	var part, data string
	err := s.db.QueryRowContext(ctx, `SELECT partition, record FROM stats WHERE host = ?`, h).Scan(&part, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatsRecord{}, "", fmt.Errorf("%s: %w", h, ErrNotFound)
	}
	if err != nil {
		return model.StatsRecord{}, "", fmt.Errorf("query stats: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return model.StatsRecord{}, "", err
	}
	return rec, model.Partition(part), nil
}

// List implements Storage. Records are sorted by host.
func (s *SQLite) List(ctx context.Context, p model.Partition) ([]model.StatsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM stats WHERE partition = ? ORDER BY host`, string(p))
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.StatsRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Aliases implements Storage.
func (s *SQLite) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_host, to_host FROM aliases`)
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out[from] = to
	}
	return out, rows.Err()
}

// PutAlias implements Storage.
func (s *SQLite) PutAlias(ctx context.Context, from, to string) error {
	f, t, err := aliasPair(from, to)
	if err != nil {
		return err
	}
	return putAlias(ctx, s.db, f, t)
}

// RecordRun stores a run summary.
func (s *SQLite) RecordRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, started_at, finished_at, processed, ok, bad, moved, unchanged, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout),
		run.Processed, run.OK, run.Bad, run.Moved, run.Unchanged, run.Skipped,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns stored run summaries, newest first.
func (s *SQLite) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, started_at, finished_at, processed, ok, bad, moved, unchanged, skipped
		 FROM runs ORDER BY started_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Command, &started, &finished, &r.Processed, &r.OK, &r.Bad, &r.Moved, &r.Unchanged, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		r.FinishedAt, _ = time.Parse(timeLayout, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putAlias(ctx context.Context, db execer, from, to string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO aliases (from_host, to_host) VALUES (?, ?)
		 ON CONFLICT(from_host) DO UPDATE SET to_host = excluded.to_host`,
		from, to,
	)
	if err != nil {
		return fmt.Errorf("upsert alias: %w", err)
	}
	return nil
}

func decodeRecord(data string) (model.StatsRecord, error) {
	var rec model.StatsRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
