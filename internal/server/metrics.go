package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type counters struct {
	datagrams atomic.Uint64
	bytes     atomic.Uint64
	dropped   atomic.Uint64
	limited   atomic.Uint64
}

// Stats is the traffic seen since the previous call plus current
// occupancy.
type Stats struct {
	Datagrams uint64
	Bytes     uint64
	Dropped   uint64
	Limited   uint64
	Clients   int
	Rooms     int
}

// Stats returns and resets the traffic counters.
func (s *Server) Stats() Stats {
	return Stats{
		Datagrams: s.stats.datagrams.Swap(0),
		Bytes:     s.stats.bytes.Swap(0),
		Dropped:   s.stats.dropped.Swap(0),
		Limited:   s.stats.limited.Swap(0),
		Clients:   s.sessions.ConnectedCount(),
		Rooms:     len(s.rooms.List()),
	}
}

// RunMetrics logs traffic every interval until ctx is cancelled. Idle
// intervals are not logged.
func (s *Server) RunMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			if st.Clients == 0 && st.Datagrams == 0 {
				continue
			}
			slog.Info("traffic",
				"clients", st.Clients,
				"rooms", st.Rooms,
				"datagrams", st.Datagrams,
				"bytes", st.Bytes,
				"dropped", st.Dropped,
				"rate_limited", st.Limited,
				"kb_per_s", float64(st.Bytes)/interval.Seconds()/1024,
			)
		}
	}
}
