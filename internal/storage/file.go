package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"liase/internal/jobs"
	logx "liase/pkg/logx"
)

// compactEvery bounds journal growth between snapshots.
const compactEvery = 256

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (all records, rewritten on compaction)
//   - <prefix>.jobs.journal.jsonl (append-only puts/deletes since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]jobs.Record
	writes       int
}

type journalEntry struct {
	Op     string       `json:"op"` // "put" | "del"
	ID     string       `json:"id"`
	Record *jobs.Record `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	recs := map[string]jobs.Record{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		// A torn last line after a crash is expected; anything more is worth a look.
		log.Warn("storage journal lines skipped", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{log: log, snapshotPath: snapPath, journal: jf, recs: recs}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("jobs", len(recs)))
	return s, nil
}

func (s *fileStore) Load(ctx context.Context, f Filter) ([]jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrDisabled
	}
	all := make([]jobs.Record, 0, len(s.recs))
	for _, r := range s.recs {
		all = append(all, r)
	}
	return selectRecords(all, f), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return jobs.Record{}, ErrDisabled
	}
	r, ok := s.recs[id]
	if !ok {
		return jobs.Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *fileStore) Save(ctx context.Context, rec jobs.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Op: "put", ID: rec.ID, Record: &rec}); err != nil {
		return err
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		if s.journal == nil {
			return ErrDisabled
		}
		return ErrNotFound
	}
	if err := s.appendLocked(journalEntry{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.recs, id)
	return nil
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// compactLocked writes every record to the snapshot via tmp+rename, then
// truncates the journal.
func (s *fileStore) compactLocked() error {
	all := make([]jobs.Record, 0, len(s.recs))
	for _, r := range s.recs {
		all = append(all, r)
	}
	sortRecords(all)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]jobs.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []jobs.Record
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[r.ID] = r
	}
	return nil
}

// replayJournal applies journal entries in order. Undecodable lines are
// skipped and counted.
func replayJournal(path string, out map[string]jobs.Record) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.ID == "" {
			skipped++
			continue
		}
		switch e.Op {
		case "put":
			if e.Record == nil {
				skipped++
				continue
			}
			out[e.ID] = *e.Record
		case "del":
			delete(out, e.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
