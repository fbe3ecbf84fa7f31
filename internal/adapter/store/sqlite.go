package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"omniclaw/internal/domain"
)

// SQLiteStore implements domain.SessionStore, domain.GroupStore and
// domain.RunLog on one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ domain.SessionStore = (*SQLiteStore)(nil)
	_ domain.GroupStore   = (*SQLiteStore)(nil)
	_ domain.RunLog       = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// A single connection serializes writers; SQLite allows one anyway.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			group_folder TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS registered_groups (
			folder           TEXT PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			jid              TEXT NOT NULL,
			channel          TEXT NOT NULL,
			backend          TEXT NOT NULL DEFAULT '',
			is_main          INTEGER NOT NULL DEFAULT 0,
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			startup_timeout  INTEGER NOT NULL DEFAULT 0,
			idle_timeout     INTEGER NOT NULL DEFAULT 0,
			added_at         TEXT NOT NULL,
			UNIQUE (channel, jid)
		);
		CREATE TABLE IF NOT EXISTS agent_runs (
			run_id      TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			backend     TEXT NOT NULL,
			status      TEXT NOT NULL,
			error_code  TEXT NOT NULL DEFAULT '',
			exit_code   INTEGER NOT NULL DEFAULT 0,
			outputs     INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_runs_group ON agent_runs (group_folder, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession returns the stored session id, or "" when the group has none.
func (s *SQLiteStore) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT session_id FROM sessions WHERE group_folder = ?", folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *SQLiteStore) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, time.Now().UTC().Format(timeLayout),
	)
	return err
}

func (s *SQLiteStore) UpsertGroup(ctx context.Context, g domain.RegisteredGroup) error {
	if err := domain.ValidateFolder(g.Folder); err != nil {
		return err
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups
			(folder, name, jid, channel, backend, is_main, requires_trigger, startup_timeout, idle_timeout, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET
			name = excluded.name, jid = excluded.jid, channel = excluded.channel,
			backend = excluded.backend, is_main = excluded.is_main,
			requires_trigger = excluded.requires_trigger,
			startup_timeout = excluded.startup_timeout, idle_timeout = excluded.idle_timeout`,
		g.Folder, g.Name, g.JID, g.Channel, g.Backend, g.IsMain, g.RequiresTrigger,
		int64(g.StartupTimeout), int64(g.IdleTimeout), g.AddedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.Folder, err)
	}
	return nil
}

const groupColumns = "folder, name, jid, channel, backend, is_main, requires_trigger, startup_timeout, idle_timeout, added_at"

func (s *SQLiteStore) GetGroup(ctx context.Context, folder string) (domain.RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM registered_groups WHERE folder = ?", folder)
	return scanGroup(row, folder)
}

func (s *SQLiteStore) FindGroupByChat(ctx context.Context, channel, chatJID string) (domain.RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM registered_groups WHERE channel = ? AND jid = ?", channel, chatJID)
	return scanGroup(row, channel+"/"+chatJID)
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]domain.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+groupColumns+" FROM registered_groups ORDER BY added_at, folder")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows, "")
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, folder string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM registered_groups WHERE folder = ?", folder)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("DeleteGroup", domain.ErrNotFound, folder)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner, key string) (domain.RegisteredGroup, error) {
	var g domain.RegisteredGroup
	var startup, idle int64
	var added string
	err := row.Scan(&g.Folder, &g.Name, &g.JID, &g.Channel, &g.Backend,
		&g.IsMain, &g.RequiresTrigger, &startup, &idle, &added)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, domain.NewDomainError("GetGroup", domain.ErrNotFound, key)
		}
		return g, err
	}
	g.StartupTimeout = time.Duration(startup)
	g.IdleTimeout = time.Duration(idle)
	g.AddedAt, _ = time.Parse(timeLayout, added)
	return g, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, rec domain.AgentRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_runs
			(run_id, group_folder, backend, status, error_code, exit_code, outputs, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Group, rec.Backend, string(rec.Status), string(rec.ErrorCode),
		rec.ExitCode, rec.Outputs, rec.Duration.Milliseconds(), rec.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of the group, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, folder string, limit int) ([]domain.AgentRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, group_folder, backend, status, error_code, exit_code, outputs, duration_ms, started_at
		FROM agent_runs WHERE group_folder = ? ORDER BY started_at DESC, run_id DESC LIMIT ?`,
		folder, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.AgentRunRecord
	for rows.Next() {
		var r domain.AgentRunRecord
		var status, code, started string
		var ms int64
		if err := rows.Scan(&r.RunID, &r.Group, &r.Backend, &status, &code, &r.ExitCode, &r.Outputs, &ms, &started); err != nil {
			return nil, err
		}
		r.Status = domain.OutputStatus(status)
		r.ErrorCode = domain.ErrorCode(code)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.StartedAt, _ = time.Parse(timeLayout, started)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
