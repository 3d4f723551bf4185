package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Service sends stored files to clients over one-shot TCP listeners.
type Service struct {
	storage  *Storage
	opts     Options
	recorder Recorder
	host     string
	workers  workers
}

// NewService serves files from storage. host is the interface download
// listeners bind to; empty means all interfaces.
func NewService(storage *Storage, host string, opts Options, recorder Recorder) *Service {
	return &Service{
		storage:  storage,
		opts:     opts.withDefaults(),
		recorder: recorder,
		host:     host,
	}
}

// Storage returns the directory the service serves from.
func (s *Service) Storage() *Storage { return s.storage }

// Go runs fn on a tracked worker goroutine.
func (s *Service) Go(fn func()) { s.workers.Go(fn) }

// Drain waits up to timeout for in-flight transfers.
func (s *Service) Drain(timeout time.Duration) bool { return s.workers.Drain(timeout) }

// Check reports ErrFileNotFound without opening any listener.
func (s *Service) Check(filename string) error {
	if !s.storage.Exists(filename) {
		return ErrFileNotFound
	}
	return nil
}

// Download offers filename to one peer. It opens a listener on an ephemeral
// port, hands the port to notify, waits a bounded time for exactly one
// connection, performs the handshake and streams the file. The file is
// checked before any listener is opened.
func (s *Service) Download(ctx context.Context, filename, peer string, notify func(port int) error) (err error) {
	f, info, err := s.storage.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	name := info.Name()
	rec := newRecord(Download, name, peer)
	rec.StoredAs = name
	defer func() { finish(ctx, s.recorder, rec, err) }()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP(s.host)})
	if err != nil {
		return fmt.Errorf("listen for download: %w", err)
	}
	defer ln.Close()

	rec.Port = ln.Addr().(*net.TCPAddr).Port
	slog.Debug("download listener open", "id", rec.ID, "file", name, "port", rec.Port)

	if err := notify(rec.Port); err != nil {
		return fmt.Errorf("notify peer: %w", err)
	}

	conn, err := s.accept(ctx, ln)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = ln.Close()

	if err := s.handshake(ctx, conn, name); err != nil {
		return err
	}

	rec.Bytes, err = s.stream(ctx, conn, f)
	return err
}

func (s *Service) accept(ctx context.Context, ln *net.TCPListener) (*net.TCPConn, error) {
	limit := time.Now().Add(s.opts.Wait)
	for {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		if !time.Now().Before(limit) {
			return nil, ErrTimeout
		}
		if err := ln.SetDeadline(step(s.opts.PollInterval, limit)); err != nil {
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := ln.AcceptTCP()
		if err == nil {
			return conn, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("accept download peer: %w", err)
		}
	}
}

func (s *Service) handshake(ctx context.Context, conn *net.TCPConn, name string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.AckTimeout))
	if _, err := conn.Write(append([]byte(name), 0)); err != nil {
		return fmt.Errorf("send filename: %w", err)
	}

	ack := make([]byte, len(Ack))
	got := 0
	limit := time.Now().Add(s.opts.AckTimeout)
	for got < len(ack) {
		if ctx.Err() != nil {
			return ErrAborted
		}
		if !time.Now().Before(limit) {
			return ErrTimeout
		}
		_ = conn.SetReadDeadline(step(s.opts.PollInterval, limit))
		n, err := conn.Read(ack[got:])
		got += n
		if err == nil {
			continue
		}
		if isTimeout(err) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return ErrRejected
		}
		return fmt.Errorf("read ack: %w", err)
	}
	if string(ack) != Ack {
		return ErrRejected
	}
	return nil
}

func (s *Service) stream(ctx context.Context, conn *net.TCPConn, r io.Reader) (int64, error) {
	buf := make([]byte, s.opts.ChunkSize)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ErrAborted
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			w, err := s.write(ctx, conn, buf[:n])
			total += int64(w)
			if err != nil {
				return total, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read file data: %w", rerr)
		}
	}
}

// write sends chunk in poll-sized deadline slices so cancellation is seen
// while a slow peer drains its window. The peer has Wait to accept the
// whole chunk.
func (s *Service) write(ctx context.Context, conn *net.TCPConn, chunk []byte) (int, error) {
	limit := time.Now().Add(s.opts.Wait)
	sent := 0
	for sent < len(chunk) {
		if ctx.Err() != nil {
			return sent, ErrAborted
		}
		if !time.Now().Before(limit) {
			return sent, ErrTimeout
		}
		_ = conn.SetWriteDeadline(step(s.opts.PollInterval, limit))
		n, err := conn.Write(chunk[sent:])
		sent += n
		if err != nil && !isTimeout(err) {
			return sent, fmt.Errorf("send file data: %w", err)
		}
	}
	return sent, nil
}
