package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-tape/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	// mu serializes appends from this process; the immediate transaction
	// serializes them across processes.
	mu sync.Mutex
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		tape       TEXT NOT NULL,
		id         INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		meta       TEXT,
		text       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tape, id)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(tape, kind, id);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		text,
		content=entries,
		content_rowid=rowid
	);

	CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
		INSERT INTO entries_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS entries_no_update BEFORE UPDATE ON entries BEGIN
		SELECT RAISE(ABORT, 'entries are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS entries_no_delete BEFORE DELETE ON entries BEGIN
		SELECT RAISE(ABORT, 'entries are append-only');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, p AppendParams) ([]model.Entry, error) {
	drafts := slices.Clone(p.Entries)
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM entries WHERE tape = ?`, p.Tape).Scan(&size)
	if err != nil {
		return nil, storageErr("read size", err)
	}
	if p.IfSize != nil && *p.IfSize != size {
		return nil, fmt.Errorf("%w: tape %q has %d entries, expected %d", model.ErrConflict, p.Tape, size, *p.IfSize)
	}
	if len(drafts) == 0 {
		return []model.Entry{}, nil
	}

	now := time.Now().UTC()
	entries := make([]model.Entry, 0, len(drafts))
	for i, d := range drafts {
		e := model.Entry{
			ID:        size + int64(i) + 1,
			Kind:      d.Kind,
			Payload:   d.Payload,
			Meta:      model.CloneMeta(d.Meta),
			CreatedAt: now,
		}
		var metaJSON *string
		if len(e.Meta) > 0 {
			b, _ := json.Marshal(e.Meta)
			m := string(b)
			metaJSON = &m
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (tape, id, kind, payload, meta, text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Tape, e.ID, string(e.Kind), string(e.Payload), metaJSON, e.Text(),
			now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, storageErr("insert entry", err)
		}
		entries = append(entries, e.Clone())
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit append", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Read(ctx context.Context, tape string, id int64) (model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, meta, created_at FROM entries WHERE tape = ? AND id = ?`, tape, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("%w: entry %s/%d", model.ErrNotFound, tape, id)
	}
	if err != nil {
		return model.Entry{}, storageErr("read entry", err)
	}
	return e, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, tape string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	entries, err := s.query(ctx,
		`SELECT id, kind, payload, meta, created_at FROM entries
		 WHERE tape = ? ORDER BY id DESC LIMIT ?`, tape, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (s *SQLiteStore) Range(ctx context.Context, p RangeParams) ([]model.Entry, error) {
	if p.Start > p.End {
		return nil, fmt.Errorf("%w: start %d > end %d", model.ErrInvalidRange, p.Start, p.End)
	}
	return s.query(ctx,
		`SELECT id, kind, payload, meta, created_at FROM entries
		 WHERE tape = ? AND id BETWEEN ? AND ? ORDER BY id`, p.Tape, p.Start, p.End)
}

func (s *SQLiteStore) Size(ctx context.Context, tape string) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM entries WHERE tape = ?`, tape).Scan(&size)
	if err != nil {
		return 0, storageErr("read size", err)
	}
	return size, nil
}

func (s *SQLiteStore) Tapes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tape FROM entries ORDER BY tape`)
	if err != nil {
		return nil, storageErr("list tapes", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("scan tape", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Match returns entries whose text shares at least one token with the query,
// best FTS rank first. An empty token set matches nothing.
func (s *SQLiteStore) Match(ctx context.Context, tape, query string, limit int) ([]model.Entry, error) {
	tokens := model.Tokens(query)
	if len(tokens) == 0 || limit <= 0 {
		return []model.Entry{}, nil
	}
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return s.query(ctx,
		`SELECT e.id, e.kind, e.payload, e.meta, e.created_at
		 FROM entries_fts f JOIN entries e ON e.rowid = f.rowid
		 WHERE entries_fts MATCH ? AND e.tape = ?
		 ORDER BY f.rank LIMIT ?`, strings.Join(terms, " OR "), tape, limit)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query entries", err)
	}
	defer rows.Close()

	entries := []model.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query entries", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.Entry, error) {
	var e model.Entry
	var kind, payload, createdAt string
	var meta sql.NullString

	if err := row.Scan(&e.ID, &kind, &payload, &meta, &createdAt); err != nil {
		return e, err
	}
	e.Kind = model.Kind(kind)
	e.Payload = json.RawMessage(payload)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
			return e, fmt.Errorf("decode meta of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}
