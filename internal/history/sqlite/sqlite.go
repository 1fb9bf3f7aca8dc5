package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/winecharm/internal/history"
)

// Sink writes launch history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// Entry is one stored history row.
type Entry struct {
	OccurredAt    time.Time
	Event         history.EventType
	Key           string
	Progname      string
	Prefix        string
	CorrelationID string
	PIDs          []int
	ExitCode      int
	LogPath       string
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/history.db"
//   - "/path/to/history.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: is per-connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS launch_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			descriptor_key TEXT NOT NULL,
			progname TEXT NOT NULL,
			wineprefix TEXT NOT NULL,
			correlation_id TEXT,
			pids TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			log_path TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_launch_history_key ON launch_history(descriptor_key);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_history(occurred_at, event, descriptor_key, progname, wineprefix, correlation_id, pids, exit_code, log_path)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Key, rec.Progname, rec.Prefix,
		nullable(rec.CorrelationID), joinPIDs(rec.PIDs), rec.ExitCode, nullable(rec.LogPath))
	return err
}

// Recent returns up to limit entries, newest first. An empty key returns
// entries of every descriptor.
func (s *Sink) Recent(ctx context.Context, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT occurred_at, event, descriptor_key, progname, wineprefix, correlation_id, pids, exit_code, log_path
		FROM launch_history`
	args := []any{}
	if key != "" {
		q += ` WHERE descriptor_key = ?`
		args = append(args, key)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			evt, pids  string
			corr, logP sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &evt, &e.Key, &e.Progname, &e.Prefix, &corr, &pids, &e.ExitCode, &logP); err != nil {
			return nil, err
		}
		e.Event = history.EventType(evt)
		e.CorrelationID = corr.String
		e.LogPath = logP.String
		e.PIDs = splitPIDs(pids)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func splitPIDs(s string) []int {
	var out []int
	for _, f := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(f); err == nil {
			out = append(out, n)
		}
	}
	return out
}
