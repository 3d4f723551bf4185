package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"parley/server/internal/core"
)

func newFiles(t *testing.T) *Files {
	t.Helper()
	f, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("new snapshot files: %v", err)
	}
	return f
}

func TestMissingFilesLoadEmpty(t *testing.T) {
	t.Parallel()
	f := newFiles(t)
	ctx := context.Background()

	users, err := f.LoadUsers(ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("expected no users, got %+v, %v", users, err)
	}
	rooms, err := f.LoadRooms(ctx)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %+v, %v", rooms, err)
	}
}

func TestUsersRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFiles(t)
	ctx := context.Background()

	until := time.Unix(1_900_000_000, 0)
	in := []core.UserRecord{
		{Username: "alice", Password: "secret", Role: core.RoleAdmin},
		{Username: "bob", Password: "hunter2", Role: core.RoleUser, Muted: true, MuteUntil: until},
	}
	if err := f.SaveUsers(ctx, in); err != nil {
		t.Fatalf("save users: %v", err)
	}

	info, err := os.Stat(filepath.Join(f.dir, UsersFile))
	if err != nil {
		t.Fatalf("stat users file: %v", err)
	}
	if want := int64(4 + 2*113); info.Size() != want {
		t.Fatalf("expected %d bytes, got %d", want, info.Size())
	}

	got, err := f.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 users, got %+v", got)
	}
	if got[0] != in[0] {
		t.Fatalf("user 0: got %+v want %+v", got[0], in[0])
	}
	if got[1].Username != "bob" || !got[1].Muted || !got[1].MuteUntil.Equal(until) {
		t.Fatalf("user 1: got %+v", got[1])
	}
}

func TestLegacyUsersWithoutMuteFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(2))
	for _, u := range []struct {
		name, pass string
		role       int32
	}{{"alice", "pw", 2}, {"bob", "pw2", 0}} {
		buf.Write(fixed(u.name))
		buf.Write(fixed(u.pass))
		_ = binary.Write(&buf, binary.LittleEndian, u.role)
	}

	got, err := decodeUsers(buf.Bytes())
	if err != nil {
		t.Fatalf("decode legacy users: %v", err)
	}
	if len(got) != 2 || got[0].Username != "alice" || got[0].Role != core.RoleAdmin || got[1].Password != "pw2" {
		t.Fatalf("unexpected legacy users: %+v", got)
	}
	if got[0].Muted || got[1].Muted {
		t.Fatalf("legacy users must load unmuted: %+v", got)
	}
}

func TestTruncatedUsersFileKeepsWholeRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(3))
	buf.Write(fixed("alice"))
	buf.Write(fixed("pw"))
	_ = binary.Write(&buf, binary.LittleEndian, int32(0))
	buf.Write(fixed("bo"))

	got, err := decodeUsers(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Username != "alice" {
		t.Fatalf("expected only alice, got %+v", got)
	}
}

func TestRoomsRoundTripSkipsEmpty(t *testing.T) {
	t.Parallel()
	f := newFiles(t)
	ctx := context.Background()

	in := []core.RoomRecord{
		{Name: "lobby", Creator: "alice", Members: []string{"alice", "bob"}},
		{Name: "ghost", Creator: "carol"},
	}
	if err := f.SaveRooms(ctx, in); err != nil {
		t.Fatalf("save rooms: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(f.dir, RoomsFile))
	if err != nil {
		t.Fatalf("read rooms file: %v", err)
	}
	want := "room: lobby\ncreator: alice\nmember: alice\nmember: bob\n"
	if string(raw) != want {
		t.Fatalf("rooms file:\n%s\nwant:\n%s", raw, want)
	}

	got, err := f.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("load rooms: %v", err)
	}
	if len(got) != 1 || got[0].Name != "lobby" || !slices.Equal(got[0].Members, []string{"alice", "bob"}) {
		t.Fatalf("unexpected rooms: %+v", got)
	}
}

func TestParseRoomsDefaultsAndLegacyKeys(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		"room: plain",
		"member: alice",
		"salon: ancien",
		"createur: bob",
		"membre: bob",
		"garbage line",
		"member: carol",
	}, "\n")
	got, err := parseRooms(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rooms, got %+v", got)
	}
	if got[0].Creator != "admin" || !slices.Equal(got[0].Members, []string{"alice"}) {
		t.Fatalf("room 0: %+v", got[0])
	}
	if got[1].Name != "ancien" || got[1].Creator != "bob" || !slices.Equal(got[1].Members, []string{"bob", "carol"}) {
		t.Fatalf("room 1: %+v", got[1])
	}
}

func TestRestoreThroughRegistries(t *testing.T) {
	t.Parallel()
	f := newFiles(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	if err := f.SaveUsers(ctx, []core.UserRecord{
		{Username: "alice", Password: "pw", Role: core.RoleAdmin},
		{Username: "bob", Password: "pw", Muted: true, MuteUntil: past},
	}); err != nil {
		t.Fatalf("save users: %v", err)
	}
	if err := f.SaveRooms(ctx, []core.RoomRecord{{Name: "lobby", Creator: "alice", Members: []string{"bob"}}}); err != nil {
		t.Fatalf("save rooms: %v", err)
	}

	sessions := core.NewSessions(core.DefaultCapacity)
	rooms := core.NewRooms(sessions)
	if err := core.Restore(ctx, f, sessions, rooms); err != nil {
		t.Fatalf("restore: %v", err)
	}
	users := sessions.Export()
	if len(users) != 2 || users[1].Muted {
		t.Fatalf("expired mute should be cleared on load: %+v", users)
	}
	if got, _ := rooms.Members("lobby"); !slices.Equal(got, []string{"bob"}) {
		t.Fatalf("expected lobby [bob], got %v", got)
	}
}
