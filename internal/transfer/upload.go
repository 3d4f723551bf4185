package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Acceptor receives uploads on one well-known TCP port, one connection at
// a time.
type Acceptor struct {
	storage  *Storage
	addr     string
	opts     Options
	recorder Recorder
	ln       *net.TCPListener
}

// NewAcceptor returns an acceptor for addr. Call Listen before Serve.
func NewAcceptor(storage *Storage, addr string, opts Options, recorder Recorder) *Acceptor {
	return &Acceptor{
		storage:  storage,
		addr:     addr,
		opts:     opts.withDefaults(),
		recorder: recorder,
	}
}

// Listen binds the upload port.
func (a *Acceptor) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("resolve upload addr %q: %w", a.addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen upload %s: %w", a.addr, err)
	}
	a.ln = ln
	slog.Info("upload acceptor listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Acceptor) Addr() *net.TCPAddr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr().(*net.TCPAddr)
}

// Close releases a listener that will never be served.
func (a *Acceptor) Close() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}

// Serve accepts uploads until ctx is cancelled, then closes the listener.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.ln == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	defer a.ln.Close()

	for {
		if ctx.Err() != nil {
			slog.Info("upload acceptor stopped")
			return nil
		}
		_ = a.ln.SetDeadline(time.Now().Add(a.opts.PollInterval))
		conn, err := a.ln.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("upload accept failed", "err", err)
			continue
		}
		a.receive(ctx, conn)
	}
}

func (a *Acceptor) receive(ctx context.Context, conn *net.TCPConn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	slog.Debug("upload connection", "peer", peer)

	br := bufio.NewReaderSize(conn, max(a.opts.ChunkSize, MaxNameLen+1))
	name, err := a.readName(ctx, conn, br)
	if err != nil {
		slog.Warn("upload filename not received", "peer", peer, "err", err)
		return
	}

	rec := newRecord(Upload, name, peer)
	rec.Port = a.Addr().Port
	err = a.store(ctx, conn, br, &rec)
	finish(ctx, a.recorder, rec, err)
}

// readName reads the NUL-terminated filename. Bytes after the NUL stay
// buffered in br for the body.
func (a *Acceptor) readName(ctx context.Context, conn *net.TCPConn, br *bufio.Reader) (string, error) {
	limit := time.Now().Add(a.opts.AckTimeout)
	name := make([]byte, 0, 64)
	for {
		if ctx.Err() != nil {
			return "", ErrAborted
		}
		if !time.Now().Before(limit) {
			return "", ErrTimeout
		}
		_ = conn.SetReadDeadline(step(a.opts.PollInterval, limit))
		c, err := br.ReadByte()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return "", err
		}
		if c == 0 {
			return string(name), nil
		}
		if len(name) == MaxNameLen {
			return "", fmt.Errorf("%w: not terminated within %d bytes", ErrBadName, MaxNameLen+1)
		}
		name = append(name, c)
	}
}

// store writes the body to a unique file. A failed or aborted upload leaves
// whatever was written so far on disk.
func (a *Acceptor) store(ctx context.Context, conn *net.TCPConn, br *bufio.Reader, rec *Record) error {
	storedAs, f, err := a.storage.Create(rec.Filename)
	if err != nil {
		return err
	}
	defer f.Close()
	rec.StoredAs = storedAs

	_ = conn.SetWriteDeadline(time.Now().Add(a.opts.AckTimeout))
	if _, err := conn.Write([]byte(Ack)); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}

	buf := make([]byte, a.opts.ChunkSize)
	idle := time.Now().Add(a.opts.Wait)
	for {
		if ctx.Err() != nil {
			return ErrAborted
		}
		_ = conn.SetReadDeadline(step(a.opts.PollInterval, idle))
		n, rerr := br.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", storedAs, err)
			}
			rec.Bytes += int64(n)
			idle = time.Now().Add(a.opts.Wait)
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return nil
		case isTimeout(rerr):
			if !time.Now().Before(idle) {
				return ErrTimeout
			}
		default:
			return fmt.Errorf("receive %s: %w", storedAs, rerr)
		}
	}
}
