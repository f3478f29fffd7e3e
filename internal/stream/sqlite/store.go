// Package sqlite persists streams in SQLite files: a catalog database with
// stream definitions and group checkpoints, and one append-only database per
// stream.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cascade/internal/domain"
	"cascade/internal/logger"
	"cascade/internal/stream"

	_ "modernc.org/sqlite"
)

const (
	catalogSchema = `
CREATE TABLE IF NOT EXISTS streams (
	name TEXT PRIMARY KEY,
	partitions INTEGER NOT NULL,
	created_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	group_name TEXT NOT NULL,
	stream TEXT NOT NULL,
	part INTEGER NOT NULL,
	next_offset INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (group_name, stream, part)
);
`
	recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	part INTEGER NOT NULL,
	log_offset INTEGER NOT NULL,
	record_key TEXT NOT NULL,
	data BLOB,
	watermark INTEGER NOT NULL,
	flags INTEGER NOT NULL,
	appended_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (part, log_offset)
);

CREATE TRIGGER IF NOT EXISTS trg_records_no_update
BEFORE UPDATE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_records_no_delete
BEFORE DELETE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: DELETE forbidden');
END;
`
)

type Config struct {
	Dir string
	// PollInterval bounds how late a tailer sees records appended by another process.
	PollInterval time.Duration
}

type streamDB struct {
	db         *sql.DB
	partitions int
	mu         sync.Mutex
	next       []int64
}

type Manager struct {
	cfg     Config
	catalog *sql.DB
	log     zerolog.Logger

	mu      sync.Mutex
	streams map[string]*streamDB
	closed  bool
	changed chan struct{}
}

var _ stream.Manager = (*Manager)(nil)

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("sqlite stream dir is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	catalog, err := openSQLite(filepath.Join(cfg.Dir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	if _, err := catalog.Exec(catalogSchema); err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	return &Manager{cfg: cfg, catalog: catalog, log: logger.With("sqlite-log"), streams: map[string]*streamDB{}, changed: make(chan struct{})}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, s := range m.streams {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	close(m.changed)
	return errors.Join(errs...)
}

func (m *Manager) CreateStream(ctx context.Context, name string, partitions int) (bool, error) {
	if name == "" {
		return false, errors.New("stream name is required")
	}
	if partitions <= 0 {
		partitions = 1
	}
	res, err := m.catalog.ExecContext(ctx, `
INSERT INTO streams(name, partitions, created_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(name) DO NOTHING`, name, partitions, time.Now().UTC().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := m.streamDB(ctx, name); err != nil {
		return true, err
	}
	m.log.Debug().Str("stream", name).Int("partitions", partitions).Msg("stream created")
	return true, nil
}

func (m *Manager) DeleteStream(ctx context.Context, name string) (bool, error) {
	tx, err := m.catalog.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE name=?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE stream=?`, name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	m.mu.Lock()
	s, open := m.streams[name]
	delete(m.streams, name)
	m.mu.Unlock()
	if open {
		_ = s.db.Close()
	}
	path := m.recordsPath(name)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n > 0, fmt.Errorf("remove %s: %w", path+suffix, err)
		}
	}
	m.notify()
	return n > 0, nil
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.PartitionCount(ctx, name)
	if errors.Is(err, stream.ErrUnknownStream) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) PartitionCount(ctx context.Context, name string) (int, error) {
	var n int
	err := m.catalog.QueryRowContext(ctx, `SELECT partitions FROM streams WHERE name=?`, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, stream.UnknownStreamError(name)
	}
	return n, err
}

func (m *Manager) Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	s, err := m.streamDB(ctx, name)
	if err != nil {
		return domain.LogOffset{}, err
	}
	if partition < 0 || partition >= s.partitions {
		return domain.LogOffset{}, stream.InvalidPartitionError(name, partition, s.partitions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.next[partition]
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records(part, log_offset, record_key, data, watermark, flags, appended_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?)`, partition, offset, rec.Key, rec.Data, rec.Watermark, int(rec.Flags), time.Now().UTC().UnixNano())
	if err != nil {
		return domain.LogOffset{}, err
	}
	s.next[partition] = offset + 1
	m.notify()
	return domain.LogOffset{Partition: domain.LogPartition{Name: name, Partition: partition}, Offset: offset}, nil
}

func (m *Manager) CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (stream.Tailer, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("tailer %s: no partition to read", group)
	}
	t := &tailer{m: m, group: group, position: map[domain.LogPartition]int64{}, buffered: map[domain.LogPartition][]domain.LogRecord{}}
	for _, p := range partitions {
		s, err := m.streamDB(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		if p.Partition < 0 || p.Partition >= s.partitions {
			return nil, stream.InvalidPartitionError(p.Name, p.Partition, s.partitions)
		}
		if _, dup := t.position[p]; dup {
			continue
		}
		t.position[p] = 0
		t.parts = append(t.parts, p)
	}
	if err := t.ToLastCommitted(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) Lag(ctx context.Context, name, group string) (domain.LogLag, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return domain.LogLag{}, err
	}
	return domain.LagOfPartitions(lags), nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]domain.LogLag, error) {
	s, err := m.streamDB(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LogLag, s.partitions)
	for i := range out {
		lower, err := m.committed(ctx, group, domain.LogPartition{Name: name, Partition: i})
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		upper := s.next[i]
		s.mu.Unlock()
		out[i] = domain.LagOf(lower, upper)
	}
	return out, nil
}

func (m *Manager) commit(ctx context.Context, group string, p domain.LogPartition, next int64) error {
	_, err := m.catalog.ExecContext(ctx, `
INSERT INTO checkpoints(group_name, stream, part, next_offset, updated_at_utc_ns) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(group_name, stream, part) DO UPDATE SET next_offset=excluded.next_offset, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		group, p.Name, p.Partition, next, time.Now().UTC().UnixNano())
	return err
}

func (m *Manager) committed(ctx context.Context, group string, p domain.LogPartition) (int64, error) {
	var next int64
	err := m.catalog.QueryRowContext(ctx, `SELECT next_offset FROM checkpoints WHERE group_name=? AND stream=? AND part=?`, group, p.Name, p.Partition).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return next, err
}

func (m *Manager) end(ctx context.Context, p domain.LogPartition) (int64, error) {
	s, err := m.streamDB(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[p.Partition], nil
}

func (m *Manager) readFrom(ctx context.Context, p domain.LogPartition, offset int64, limit int) ([]domain.LogRecord, error) {
	s, err := m.streamDB(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT log_offset, record_key, data, watermark, flags FROM records
WHERE part=? AND log_offset>=?
ORDER BY log_offset ASC
LIMIT ?`, p.Partition, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LogRecord
	for rows.Next() {
		var lr domain.LogRecord
		var flags int
		if err := rows.Scan(&lr.Offset.Offset, &lr.Record.Key, &lr.Record.Data, &lr.Record.Watermark, &flags); err != nil {
			return nil, err
		}
		lr.Offset.Partition = p
		lr.Record.Flags = domain.Flag(flags)
		out = append(out, lr)
	}
	return out, rows.Err()
}

func (m *Manager) changes() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *Manager) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) recordsPath(name string) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("records-%s.db", url.PathEscape(name)))
}

func (m *Manager) streamDB(ctx context.Context, name string) (*streamDB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, stream.ErrClosed
	}
	if s, ok := m.streams[name]; ok {
		return s, nil
	}
	var partitions int
	err := m.catalog.QueryRowContext(ctx, `SELECT partitions FROM streams WHERE name=?`, name).Scan(&partitions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stream.UnknownStreamError(name)
	}
	if err != nil {
		return nil, err
	}
	db, err := openSQLite(m.recordsPath(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &streamDB{db: db, partitions: partitions, next: make([]int64, partitions)}
	rows, err := db.QueryContext(ctx, `SELECT part, max(log_offset) FROM records GROUP BY part`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p int
		var last int64
		if err := rows.Scan(&p, &last); err != nil {
			_ = db.Close()
			return nil, err
		}
		if p >= 0 && p < partitions {
			s.next[p] = last + 1
		}
	}
	if err := rows.Err(); err != nil {
		_ = db.Close()
		return nil, err
	}
	m.streams[name] = s
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
