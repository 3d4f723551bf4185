package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"parley/server/internal/core"
	"parley/server/internal/transfer"
)

// ErrBackupExists is returned when a backup destination is already present.
var ErrBackupExists = errors.New("backup destination already exists")

// Store persists the user and room tables plus transfer history in SQLite.
// It implements core.Snapshot and transfer.Recorder.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer keeps the snapshot transactions serialized.
	db.SetMaxOpenConns(1)

	st := &Store{db: db, path: path}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rooms (
	name TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS room_members (
	room TEXT NOT NULL REFERENCES rooms(name) ON DELETE CASCADE,
	username TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (room, username)
);

CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	filename TEXT NOT NULL,
	stored_as TEXT NOT NULL DEFAULT '',
	peer TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0 CHECK(bytes >= 0),
	started_at_unix_ms INTEGER NOT NULL,
	finished_at_unix_ms INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transfers_finished ON transfers(finished_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	// Mute columns came later; ignore "duplicate column" on newer databases.
	for _, stmt := range []string{
		`ALTER TABLE users ADD COLUMN muted INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN mute_until_unix INTEGER NOT NULL DEFAULT 0`,
	} {
		_, _ = s.db.ExecContext(ctx, stmt)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveUsers replaces the users table.
func (s *Store) SaveUsers(ctx context.Context, users []core.UserRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin users tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return fmt.Errorf("clear users: %w", err)
	}
	const q = `INSERT INTO users (username, password, role, position, muted, mute_until_unix) VALUES (?, ?, ?, ?, ?, ?)`
	for i, u := range users {
		var until int64
		if u.Muted && !u.MuteUntil.IsZero() {
			until = u.MuteUntil.Unix()
		}
		if _, err := tx.ExecContext(ctx, q, u.Username, u.Password, int(u.Role), i, boolInt(u.Muted), until); err != nil {
			return fmt.Errorf("insert user %q: %w", u.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit users: %w", err)
	}
	slog.Debug("users persisted", "count", len(users))
	return nil
}

// LoadUsers returns users in registration order.
func (s *Store) LoadUsers(ctx context.Context) ([]core.UserRecord, error) {
	const q = `SELECT username, password, role, muted, mute_until_unix FROM users ORDER BY position, rowid`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []core.UserRecord
	for rows.Next() {
		var (
			u     core.UserRecord
			role  int
			muted int
			until int64
		)
		if err := rows.Scan(&u.Username, &u.Password, &role, &muted, &until); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = core.Role(role)
		u.Muted = muted != 0
		if until > 0 {
			u.MuteUntil = time.Unix(until, 0)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveRooms replaces the rooms and room_members tables.
func (s *Store) SaveRooms(ctx context.Context, rooms []core.RoomRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rooms tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members`); err != nil {
		return fmt.Errorf("clear room members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	for i, r := range rooms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rooms (name, creator, position) VALUES (?, ?, ?)`, r.Name, r.Creator, i); err != nil {
			return fmt.Errorf("insert room %q: %w", r.Name, err)
		}
		for j, m := range r.Members {
			if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room, username, position) VALUES (?, ?, ?)`, r.Name, m, j); err != nil {
				return fmt.Errorf("insert member %q of %q: %w", m, r.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rooms: %w", err)
	}
	slog.Debug("rooms persisted", "count", len(rooms))
	return nil
}

// LoadRooms returns rooms with their members in join order.
func (s *Store) LoadRooms(ctx context.Context) ([]core.RoomRecord, error) {
	const q = `
SELECT r.name, r.creator, COALESCE(m.username, '')
FROM rooms r
LEFT JOIN room_members m ON m.room = r.name
ORDER BY r.position, r.rowid, m.position
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []core.RoomRecord
	for rows.Next() {
		var name, creator, member string
		if err := rows.Scan(&name, &creator, &member); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if n := len(rooms); n == 0 || rooms[n-1].Name != name {
			rooms = append(rooms, core.RoomRecord{Name: name, Creator: creator})
		}
		if member != "" {
			last := &rooms[len(rooms)-1]
			last.Members = append(last.Members, member)
		}
	}
	return rooms, rows.Err()
}

// RecordTransfer inserts one finished transfer.
func (s *Store) RecordTransfer(ctx context.Context, r transfer.Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("transfer id is required")
	}
	if r.Bytes < 0 {
		return fmt.Errorf("transfer size must be non-negative")
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.FinishedAt
	}

	const q = `
INSERT INTO transfers (
	id, direction, filename, stored_as, peer, port, bytes, started_at_unix_ms, finished_at_unix_ms, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		r.ID,
		string(r.Direction),
		r.Filename,
		r.StoredAs,
		r.Peer,
		r.Port,
		r.Bytes,
		r.StartedAt.UnixMilli(),
		r.FinishedAt.UnixMilli(),
		r.Err,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	slog.Debug("transfer persisted", "id", r.ID, "bytes", r.Bytes)
	return nil
}

// RecentTransfers returns up to limit transfers, newest first.
func (s *Store) RecentTransfers(ctx context.Context, limit int) ([]transfer.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, direction, filename, stored_as, peer, port, bytes, started_at_unix_ms, finished_at_unix_ms, error
FROM transfers
ORDER BY finished_at_unix_ms DESC, rowid DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []transfer.Record
	for rows.Next() {
		var (
			r                 transfer.Record
			dir               string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &dir, &r.Filename, &r.StoredAs, &r.Peer, &r.Port, &r.Bytes, &started, &finished, &r.Err); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		r.Direction = transfer.Direction(dir)
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Backup writes a consistent copy of the database to dest.
func (s *Store) Backup(ctx context.Context, dest string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s: %w", dest, ErrBackupExists)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	slog.Info("database backed up", "dest", dest)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
