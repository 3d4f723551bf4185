// Package transfer implements the TCP data plane: one file per connection,
// framed as filename\0, then an "OK\0" acknowledgement, then raw bytes until
// the sender closes.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrTimeout       = errors.New("transfer timed out")
	ErrRejected      = errors.New("transfer rejected by peer")
	ErrAborted       = errors.New("transfer aborted")
	ErrTooManyCopies = errors.New("too many copies of file")
	ErrBadName       = errors.New("invalid filename")
)

// Ack is the acknowledgement a receiver sends after reading the filename.
const Ack = "OK\x00"

// Direction tells downloads and uploads apart in transfer records.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Record describes one finished transfer.
type Record struct {
	ID         string
	Direction  Direction
	Filename   string
	StoredAs   string
	Peer       string
	Port       int
	Bytes      int64
	StartedAt  time.Time
	FinishedAt time.Time
	Err        string
}

// OK reports whether the transfer completed.
func (r Record) OK() bool { return r.Err == "" }

// Recorder receives a Record for every finished transfer.
type Recorder interface {
	RecordTransfer(ctx context.Context, rec Record) error
}

// Options bounds every blocking step of a transfer.
type Options struct {
	// PollInterval is the longest a socket call blocks before the context
	// is checked again.
	PollInterval time.Duration
	// Wait bounds how long a download waits for its peer to connect, and
	// how long an upload may stay idle.
	Wait       time.Duration
	AckTimeout time.Duration
	ChunkSize  int
}

// DefaultOptions matches the server defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: time.Second,
		Wait:         30 * time.Second,
		AckTimeout:   5 * time.Second,
		ChunkSize:    1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.Wait <= 0 {
		o.Wait = d.Wait
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	return o
}

func newRecord(dir Direction, filename, peer string) Record {
	return Record{
		ID:        uuid.NewString(),
		Direction: dir,
		Filename:  filename,
		Peer:      peer,
		StartedAt: time.Now().UTC(),
	}
}

func finish(ctx context.Context, rec Recorder, r Record, err error) {
	r.FinishedAt = time.Now().UTC()
	if err != nil {
		r.Err = err.Error()
		slog.Warn("transfer failed", "id", r.ID, "direction", r.Direction, "file", r.Filename, "peer", r.Peer, "bytes", r.Bytes, "err", err)
	} else {
		slog.Info("transfer complete", "id", r.ID, "direction", r.Direction, "file", r.Filename, "stored_as", r.StoredAs, "peer", r.Peer, "bytes", r.Bytes, "elapsed", r.FinishedAt.Sub(r.StartedAt))
	}
	if rec == nil {
		return
	}
	// The server context may already be cancelled during shutdown; the
	// record is still worth keeping.
	if err := rec.RecordTransfer(context.WithoutCancel(ctx), r); err != nil {
		slog.Warn("transfer record not saved", "id", r.ID, "err", err)
	}
}

// workers tracks in-flight transfer goroutines so shutdown can drain them.
type workers struct {
	wg sync.WaitGroup
}

func (w *workers) Go(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Drain waits up to timeout for every worker to return.
func (w *workers) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// step returns the next socket deadline: one poll interval ahead, capped at
// limit.
func step(poll time.Duration, limit time.Time) time.Time {
	next := time.Now().Add(poll)
	if !limit.IsZero() && next.After(limit) {
		return limit
	}
	return next
}
