// Package server runs the UDP control plane.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"parley/server/internal/command"
	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/transfer"
)

// Options configures a Server.
type Options struct {
	Addr         string
	PollInterval time.Duration
	// RateLimit is datagrams per second per source IP; zero disables it.
	RateLimit float64
	RateBurst int
	// DrainTimeout bounds how long shutdown waits for transfers.
	DrainTimeout time.Duration
	UploadPort   int
	HelpFile     string
	CreditsFile  string
}

// Server is the control-plane loop. It implements core.Sender over its UDP
// socket.
type Server struct {
	opts      Options
	sessions  *core.Sessions
	rooms     *core.Rooms
	snapshot  core.Snapshot
	transfers *transfer.Service
	commands  *command.Dispatcher
	limiter   *addrLimiter
	stats     counters

	conn *net.UDPConn

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires a server around the registries. snapshot and transfers may be
// nil.
func New(opts Options, sessions *core.Sessions, rooms *core.Rooms, snapshot core.Snapshot, transfers *transfer.Service) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	s := &Server{
		opts:      opts,
		sessions:  sessions,
		rooms:     rooms,
		snapshot:  snapshot,
		transfers: transfers,
		limiter:   newAddrLimiter(opts.RateLimit, opts.RateBurst),
	}
	s.commands = command.New(command.Deps{
		Sessions:    sessions,
		Rooms:       rooms,
		Sender:      s,
		Transfers:   transfers,
		UploadPort:  opts.UploadPort,
		FlushRooms:  s.flushRooms,
		Shutdown:    s.requestShutdown,
		HelpFile:    opts.HelpFile,
		CreditsFile: opts.CreditsFile,
	})
	return s
}

// Listen binds the UDP socket.
func (s *Server) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("resolve control addr %q: %w", s.opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", s.opts.Addr, err)
	}
	s.conn = conn
	slog.Info("control plane listening", "addr", conn.LocalAddr())
	return nil
}

// Addr returns the bound control address.
func (s *Server) Addr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send encodes msg into one datagram for addr.
func (s *Server) Send(addr netip.AddrPort, msg protocol.Request) error {
	if s.conn == nil {
		return net.ErrClosed
	}
	_, err := s.conn.WriteToUDPAddrPort(msg.Encode(), addr)
	return err
}

// Run reads datagrams until ctx is cancelled or an admin runs @shutdown,
// then shuts down in order: stop reading, drain transfers, notify sessions,
// save the snapshot, close the socket.
func (s *Server) Run(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// One extra byte so oversized datagrams are seen as such.
	buf := make([]byte, protocol.RecordSize+1)
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PollInterval))
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("control read failed", "err", err)
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		s.stats.datagrams.Add(1)
		s.stats.bytes.Add(uint64(n))

		if !s.limiter.Allow(addr.Addr(), time.Now()) {
			s.stats.limited.Add(1)
			slog.Debug("datagram rate limited", "addr", addr)
			continue
		}
		req, err := protocol.Decode(buf[:n])
		if err != nil {
			s.stats.dropped.Add(1)
			slog.Debug("datagram dropped", "addr", addr, "bytes", n, "err", err)
			continue
		}
		s.handle(ctx, req, addr)
	}

	s.shutdown()
	return nil
}

func (s *Server) requestShutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) shutdown() {
	slog.Info("control plane stopping", "connected", s.sessions.ConnectedCount())

	if s.transfers != nil && !s.transfers.Drain(s.opts.DrainTimeout) {
		slog.Warn("transfers still running at shutdown", "waited", s.opts.DrainTimeout)
	}

	n := s.sessions.Broadcast(protocol.ServerMessage(protocol.NoticeShuttingDown), "", s)
	slog.Info("shutdown notice sent", "sessions", n)

	if s.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := core.Save(ctx, s.snapshot, s.sessions, s.rooms); err != nil {
			slog.Error("snapshot save failed", "err", err)
		} else {
			slog.Info("snapshot saved")
		}
		cancel()
	}

	if err := s.conn.Close(); err != nil {
		slog.Warn("control socket close failed", "err", err)
	}
	slog.Info("control plane stopped")
}

func (s *Server) flushRooms(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	return core.SaveRooms(context.WithoutCancel(ctx), s.snapshot, s.rooms)
}
