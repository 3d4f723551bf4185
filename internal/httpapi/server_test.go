package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/store"
	"parley/server/internal/transfer"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func newRegistries(t *testing.T) (*core.Sessions, *core.Rooms) {
	t.Helper()
	sessions := core.NewSessions(core.DefaultCapacity)
	rooms := core.NewRooms(sessions)
	for i, name := range []string{"alice", "bob"} {
		addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(6000+i))
		if _, err := sessions.Connect(name, "pw", addr); err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
	}
	if err := rooms.Create("lobby", "alice"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := rooms.Join("alice", "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := rooms.Create("empty", "bob"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return sessions, rooms
}

func TestHealthSessionsAndRooms(t *testing.T) {
	t.Parallel()
	sessions, rooms := newRegistries(t)
	if _, err := sessions.Mute("bob", 5); err != nil {
		t.Fatalf("mute: %v", err)
	}

	api := New(sessions, rooms, nil, nil)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	var health healthResponse
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", code)
	}
	if health.Status != "ok" || health.Clients != 2 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	var ss sessionsResponse
	if code := getJSON(t, ts.URL+"/api/sessions", &ss); code != http.StatusOK {
		t.Fatalf("expected 200 from /api/sessions, got %d", code)
	}
	if ss.Connected != 2 || ss.Registered != 2 || len(ss.Sessions) != 2 {
		t.Fatalf("unexpected sessions payload: %#v", ss)
	}
	alice, bob := ss.Sessions[0], ss.Sessions[1]
	if alice.Username != "alice" || alice.Role != "admin" || alice.Room != "lobby" || alice.Address != "127.0.0.1:6000" {
		t.Fatalf("unexpected alice: %#v", alice)
	}
	if !bob.Connected || bob.Role != "user" || bob.Room != "" || !bob.Muted || bob.MuteUntil == "" {
		t.Fatalf("unexpected bob: %#v", bob)
	}

	var rs []roomView
	if code := getJSON(t, ts.URL+"/api/rooms", &rs); code != http.StatusOK {
		t.Fatalf("expected 200 from /api/rooms, got %d", code)
	}
	if len(rs) != 2 || rs[0].Name != "lobby" || len(rs[0].Members) != 1 || rs[1].Name != "empty" || rs[1].Members == nil {
		t.Fatalf("unexpected rooms payload: %#v", rs)
	}
}

func TestFilesListingAndDownload(t *testing.T) {
	t.Parallel()
	sessions, rooms := newRegistries(t)

	dir := t.TempDir()
	files, err := transfer.NewStorage(dir)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello parley"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	api := New(sessions, rooms, files, nil)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	var list []transfer.FileInfo
	if code := getJSON(t, ts.URL+"/api/files", &list); code != http.StatusOK {
		t.Fatalf("expected 200 from /api/files, got %d", code)
	}
	if len(list) != 1 || list[0].Name != "notes.txt" || list[0].Size != 12 {
		t.Fatalf("unexpected files payload: %#v", list)
	}

	resp, err := http.Get(ts.URL + "/api/files/notes.txt")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello parley" {
		t.Fatalf("download: status=%d body=%q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="notes.txt"` {
		t.Fatalf("unexpected disposition %q", got)
	}

	if code := getJSON(t, ts.URL+"/api/files/missing.txt", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/files/..%2Fsecret", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d", code)
	}
}

func TestTransfersHistory(t *testing.T) {
	t.Parallel()
	sessions, rooms := newRegistries(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	for i, name := range []string{"a.txt", "b.txt"} {
		rec := transfer.Record{
			ID:         name,
			Direction:  transfer.Download,
			Filename:   name,
			Bytes:      int64(10 * (i + 1)),
			StartedAt:  now,
			FinishedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.RecordTransfer(context.Background(), rec); err != nil {
			t.Fatalf("record transfer: %v", err)
		}
	}

	withHistory := httptest.NewServer(New(sessions, rooms, nil, st).Echo())
	t.Cleanup(withHistory.Close)

	var out []transferView
	if code := getJSON(t, withHistory.URL+"/api/transfers?limit=1", &out); code != http.StatusOK {
		t.Fatalf("expected 200 from /api/transfers, got %d", code)
	}
	if len(out) != 1 || out[0].Filename != "b.txt" || !out[0].OK || out[0].Bytes != 20 {
		t.Fatalf("unexpected transfers payload: %#v", out)
	}
	if code := getJSON(t, withHistory.URL+"/api/transfers?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}

	without := httptest.NewServer(New(sessions, rooms, nil, nil).Echo())
	t.Cleanup(without.Close)
	if code := getJSON(t, without.URL+"/api/transfers", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", code)
	}
}
