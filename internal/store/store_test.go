package store

import (
	"context"
	"database/sql"
	"errors"
	"net/netip"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/transfer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addrPort(port int) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestUsersRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	until := time.Unix(1_900_000_000, 0)
	in := []core.UserRecord{
		{Username: "zed", Password: "a", Role: core.RoleAdmin},
		{Username: "amy", Password: "b", Role: core.RoleModerator},
		{Username: "bob", Password: "c", Role: core.RoleUser, Muted: true, MuteUntil: until},
	}
	if err := st.SaveUsers(ctx, in); err != nil {
		t.Fatalf("save users: %v", err)
	}
	got, err := st.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("expected %d users, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i].Username != in[i].Username || got[i].Password != in[i].Password || got[i].Role != in[i].Role {
			t.Fatalf("user %d: got %+v want %+v", i, got[i], in[i])
		}
	}
	if !got[2].Muted || !got[2].MuteUntil.Equal(until) {
		t.Fatalf("mute not preserved: %+v", got[2])
	}

	// A second save replaces, not appends.
	if err := st.SaveUsers(ctx, in[:1]); err != nil {
		t.Fatalf("save users again: %v", err)
	}
	got, _ = st.LoadUsers(ctx)
	if len(got) != 1 || got[0].Username != "zed" {
		t.Fatalf("expected only zed, got %+v", got)
	}
}

func TestRoomsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	in := []core.RoomRecord{
		{Name: "lobby", Creator: "alice", Members: []string{"carol", "alice"}},
		{Name: "dev", Creator: "bob", Members: []string{"bob"}},
	}
	if err := st.SaveRooms(ctx, in); err != nil {
		t.Fatalf("save rooms: %v", err)
	}
	got, err := st.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("load rooms: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rooms, got %+v", got)
	}
	for i := range in {
		if got[i].Name != in[i].Name || got[i].Creator != in[i].Creator || !slices.Equal(got[i].Members, in[i].Members) {
			t.Fatalf("room %d: got %+v want %+v", i, got[i], in[i])
		}
	}

	if err := st.SaveRooms(ctx, nil); err != nil {
		t.Fatalf("clear rooms: %v", err)
	}
	got, _ = st.LoadRooms(ctx)
	if len(got) != 0 {
		t.Fatalf("expected no rooms, got %+v", got)
	}
}

func TestLegacyUsersTableGetsMuteColumns(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE users (username TEXT PRIMARY KEY, password TEXT NOT NULL, role INTEGER NOT NULL DEFAULT 0, position INTEGER NOT NULL DEFAULT 0)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users (username, password, role, position) VALUES ('old', 'pw', 2, 0)`); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	_ = db.Close()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("open legacy store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	users, err := st.LoadUsers(context.Background())
	if err != nil {
		t.Fatalf("load legacy users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "old" || users[0].Role != core.RoleAdmin || users[0].Muted {
		t.Fatalf("unexpected legacy users: %+v", users)
	}
}

func TestSnapshotThroughRegistries(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sessions := core.NewSessions(core.DefaultCapacity)
	rooms := core.NewRooms(sessions)
	for i, name := range []string{"alice", "bob"} {
		if _, err := sessions.Connect(name, "pw", addrPort(4000+i)); err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
	}
	if err := rooms.Create("lobby", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rooms.Join("bob", "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := core.Save(ctx, st, sessions, rooms); err != nil {
		t.Fatalf("save: %v", err)
	}

	sessions2 := core.NewSessions(core.DefaultCapacity)
	rooms2 := core.NewRooms(sessions2)
	if err := core.Restore(ctx, st, sessions2, rooms2); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, _ := rooms2.Members("lobby"); !slices.Equal(got, []string{"bob"}) {
		t.Fatalf("expected lobby members [bob], got %v", got)
	}
	users := sessions2.Export()
	if len(users) != 2 || users[0].Username != "alice" || users[0].Role != core.RoleAdmin {
		t.Fatalf("unexpected restored users: %+v", users)
	}
}

func TestRecordAndListTransfers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000).UTC()
	recs := []transfer.Record{
		{ID: "a", Direction: transfer.Download, Filename: "one.txt", Peer: "127.0.0.1:5000", Port: 40000, Bytes: 10, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{ID: "b", Direction: transfer.Upload, Filename: "two.txt", StoredAs: "two_copy.txt", Bytes: 20, StartedAt: base, FinishedAt: base.Add(2 * time.Second)},
		{ID: "c", Direction: transfer.Download, Filename: "three.txt", StartedAt: base, FinishedAt: base.Add(3 * time.Second), Err: "transfer timed out"},
	}
	for _, r := range recs {
		if err := st.RecordTransfer(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.ID, err)
		}
	}

	got, err := st.RecentTransfers(ctx, 2)
	if err != nil {
		t.Fatalf("recent transfers: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].OK() || got[1].StoredAs != "two_copy.txt" || got[1].Direction != transfer.Upload {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if !got[1].FinishedAt.Equal(recs[1].FinishedAt) {
		t.Fatalf("expected finished_at=%s got=%s", recs[1].FinishedAt, got[1].FinishedAt)
	}

	if err := st.RecordTransfer(ctx, transfer.Record{}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestBackup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SaveUsers(ctx, []core.UserRecord{{Username: "alice", Password: "pw", Role: core.RoleAdmin}}); err != nil {
		t.Fatalf("save users: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "backups", "copy.db")
	if err := st.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := st.Backup(ctx, dest); !errors.Is(err, ErrBackupExists) {
		t.Fatalf("expected ErrBackupExists, got %v", err)
	}

	cp, err := Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	t.Cleanup(func() { _ = cp.Close() })
	users, err := cp.LoadUsers(ctx)
	if err != nil || len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("backup contents: %+v, %v", users, err)
	}
}
