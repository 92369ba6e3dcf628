package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"liase/internal/jobs"
	logx "liase/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore keeps each record as a JSON document next to the columns
// the due query filters on.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Save(ctx context.Context, rec jobs.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var next any
	if rec.NextRunAt != nil {
		next = rec.NextRunAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, name, kind, is_active, status, next_run_at, updated_at, doc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  kind = excluded.kind,
  is_active = excluded.is_active,
  status = excluded.status,
  next_run_at = excluded.next_run_at,
  updated_at = excluded.updated_at,
  doc = excluded.doc`,
		rec.ID, rec.Name, rec.Kind, boolInt(rec.IsActive), string(rec.Status), next, rec.UpdatedAt.UnixMilli(), string(doc))
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (jobs.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Record{}, ErrNotFound
	}
	if err != nil {
		return jobs.Record{}, err
	}
	var rec jobs.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return jobs.Record{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return rec, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, f Filter) ([]jobs.Record, error) {
	where, args := sqliteWhere(f)
	q := `SELECT id, doc FROM jobs` + where + ` ORDER BY next_run_at IS NULL, next_run_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Record
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var rec jobs.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			// One bad row must not hide every other job from the scheduler.
			s.log.Warn("sqlite job decode failed", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// sqliteWhere renders f as a WHERE clause over the indexed columns.
func sqliteWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if f.ExcludeRunning {
		conds = append(conds, "status <> ?")
		args = append(args, string(jobs.StatusRunning))
	}
	if !f.DueBy.IsZero() {
		conds = append(conds, "next_run_at IS NOT NULL AND next_run_at <= ?")
		args = append(args, f.DueBy.UnixMilli())
	}
	if f.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Name)
	}
	if len(f.IDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		conds = append(conds, "id IN ("+ph+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
