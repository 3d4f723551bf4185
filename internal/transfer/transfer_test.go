package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{
		PollInterval: 20 * time.Millisecond,
		Wait:         2 * time.Second,
		AckTimeout:   time.Second,
		ChunkSize:    7,
	}
}

type recordSink struct {
	mu   sync.Mutex
	recs []Record
	ch   chan Record
}

func newRecordSink() *recordSink {
	return &recordSink{ch: make(chan Record, 16)}
}

func (s *recordSink) RecordTransfer(_ context.Context, r Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
	s.ch <- r
	return nil
}

func (s *recordSink) next(t *testing.T) Record {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer record")
		return Record{}
	}
}

func newTestStorage(t *testing.T, files map[string]string) *Storage {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	st, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return st
}

func TestUniqueName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
	}

	want := []string{"report.pdf", "report_copy.pdf", "report_copy2.pdf", "report_copy3.pdf"}
	for _, w := range want {
		got, err := UniqueName(dir, "report.pdf")
		if err != nil {
			t.Fatalf("UniqueName: %v", err)
		}
		if got != w {
			t.Fatalf("UniqueName = %q, want %q", got, w)
		}
		touch(got)
	}

	touch("README")
	if got, _ := UniqueName(dir, "README"); got != "README_copy" {
		t.Fatalf("no extension: got %q", got)
	}
	touch(".env")
	if got, _ := UniqueName(dir, ".env"); got != ".env_copy" {
		t.Fatalf("dotfile: got %q", got)
	}
}

func TestUniqueNameGivesUp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	names := []string{"x.txt", "x_copy.txt"}
	for i := 2; i < MaxCopies; i++ {
		names = append(names, fmt.Sprintf("x_copy%d.txt", i))
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := UniqueName(dir, "x.txt"); !errors.Is(err, ErrTooManyCopies) {
		t.Fatalf("err = %v, want ErrTooManyCopies", err)
	}
}

func TestCleanName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a.txt", "a.txt", true},
		{"../../etc/passwd", "passwd", true},
		{`..\secret.txt`, "secret.txt", true},
		{"", "", false},
		{"..", "", false},
		{"/", "", false},
		{strings.Repeat("a", MaxNameLen+1), "", false},
		{"my file.txt", "", false},
		{"tab\tname", "", false},
		{"  padded.txt ", "padded.txt", true},
	}
	for _, tc := range tests {
		got, err := CleanName(tc.in)
		if tc.ok != (err == nil) || got != tc.want {
			t.Errorf("CleanName(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestFilesListing(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"b.txt": "bb", "a.txt": "a", ".hidden": "x"})
	if err := os.Mkdir(filepath.Join(st.Dir(), "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := st.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.txt" || files[1].Name != "b.txt" || files[1].Size != 2 {
		t.Fatalf("Files() = %+v", files)
	}
}

// fetch plays the client side of a download.
func fetch(t *testing.T, port int, ack string) (string, []byte, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return "", nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	name, err := br.ReadString(0)
	if err != nil {
		return "", nil, err
	}
	if _, err := conn.Write([]byte(ack)); err != nil {
		return "", nil, err
	}
	body, err := io.ReadAll(br)
	return strings.TrimSuffix(name, "\x00"), body, err
}

func TestDownloadStreamsFile(t *testing.T) {
	t.Parallel()
	content := strings.Repeat("0123456789", 50)
	st := newTestStorage(t, map[string]string{"notes.txt": content})
	sink := newRecordSink()
	svc := NewService(st, "127.0.0.1", fastOptions(), sink)

	type result struct {
		name string
		body []byte
		err  error
	}
	got := make(chan result, 1)
	notify := func(port int) error {
		go func() {
			name, body, err := fetch(t, port, Ack)
			got <- result{name, body, err}
		}()
		return nil
	}

	if err := svc.Download(context.Background(), "notes.txt", "peer", notify); err != nil {
		t.Fatalf("download: %v", err)
	}
	r := <-got
	if r.err != nil {
		t.Fatalf("fetch: %v", r.err)
	}
	if r.name != "notes.txt" || !bytes.Equal(r.body, []byte(content)) {
		t.Fatalf("fetched %q with %d bytes", r.name, len(r.body))
	}

	rec := sink.next(t)
	if !rec.OK() || rec.Direction != Download || rec.Bytes != int64(len(content)) || rec.ID == "" || rec.Port == 0 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDownloadMissingFileOpensNoListener(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, nil)
	svc := NewService(st, "127.0.0.1", fastOptions(), nil)

	called := false
	err := svc.Download(context.Background(), "missing.txt", "peer", func(int) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if called {
		t.Fatal("notify called for a missing file")
	}
	if err := svc.Check("missing.txt"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("Check err = %v", err)
	}
}

func TestDownloadRejectedAck(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"a.txt": "data"})
	svc := NewService(st, "127.0.0.1", fastOptions(), nil)

	err := svc.Download(context.Background(), "a.txt", "peer", func(port int) error {
		go fetch(t, port, "NO\x00")
		return nil
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestDownloadTimesOutWithoutPeer(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"a.txt": "data"})
	opts := fastOptions()
	opts.Wait = 150 * time.Millisecond
	sink := newRecordSink()
	svc := NewService(st, "127.0.0.1", opts, sink)

	start := time.Now()
	err := svc.Download(context.Background(), "a.txt", "peer", func(int) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if rec := sink.next(t); rec.OK() {
		t.Fatalf("timed out transfer recorded as ok: %+v", rec)
	}
}

func TestDownloadAbortsOnCancel(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"a.txt": "data"})
	opts := fastOptions()
	opts.Wait = time.Minute
	svc := NewService(st, "127.0.0.1", opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	svc.Go(func() {
		done <- svc.Download(ctx, "a.txt", "peer", func(int) error { return nil })
	})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download ignored cancellation")
	}
	if !svc.Drain(time.Second) {
		t.Fatal("worker not drained")
	}
}

func TestDownloadAbortsWhilePeerStalls(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"big.bin": strings.Repeat("x", 32<<20)})
	opts := fastOptions()
	opts.Wait = time.Minute
	opts.ChunkSize = 64 << 10
	svc := NewService(st, "127.0.0.1", opts, nil)

	acked := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	notify := func(port int) error {
		go func() {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				close(acked)
				return
			}
			defer conn.Close()
			if _, err := bufio.NewReader(conn).ReadString(0); err == nil {
				_, _ = conn.Write([]byte(Ack))
			}
			close(acked)
			<-release
		}()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Download(ctx, "big.bin", "peer", notify) }()

	<-acked
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download blocked on a stalled peer after cancellation")
	}
}

func upload(t *testing.T, addr *net.TCPAddr, name string, body []byte) {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(append([]byte(name), 0)); err != nil {
		t.Fatalf("send name: %v", err)
	}
	ack := make([]byte, len(Ack))
	if _, err := io.ReadFull(conn, ack); err != nil || string(ack) != Ack {
		t.Fatalf("ack = %q, %v", ack, err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("send body: %v", err)
	}
}

func TestAcceptorStoresUniqueFiles(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, map[string]string{"report.pdf": "original"})
	sink := newRecordSink()
	acc := NewAcceptor(st, "127.0.0.1:0", fastOptions(), sink)
	if err := acc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- acc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	upload(t, acc.Addr(), "report.pdf", []byte("second"))
	first := sink.next(t)
	upload(t, acc.Addr(), "../report.pdf", []byte("third version"))
	second := sink.next(t)

	if first.StoredAs != "report_copy.pdf" || second.StoredAs != "report_copy2.pdf" {
		t.Fatalf("stored as %q and %q", first.StoredAs, second.StoredAs)
	}
	if first.Bytes != 6 || !first.OK() || first.Direction != Upload {
		t.Fatalf("first record = %+v", first)
	}
	for name, want := range map[string]string{
		"report.pdf":       "original",
		"report_copy.pdf":  "second",
		"report_copy2.pdf": "third version",
	} {
		got, err := os.ReadFile(filepath.Join(st.Dir(), name))
		if err != nil || string(got) != want {
			t.Fatalf("%s = %q, %v", name, got, err)
		}
	}
}

func TestAcceptorStopsOnCancel(t *testing.T) {
	t.Parallel()
	st := newTestStorage(t, nil)
	acc := NewAcceptor(st, "127.0.0.1:0", fastOptions(), nil)
	if err := acc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := acc.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- acc.Serve(ctx) }()
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor ignored cancellation")
	}
	if conn, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatal("listener still open after stop")
	}
}
