package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"parley/server/internal/config"
	"parley/server/internal/core"
	"parley/server/internal/httpapi"
	"parley/server/internal/transfer"
)

// App is the whole server process: the control plane, the upload acceptor
// and the optional status API, sharing one pair of registries.
type App struct {
	cfg config.Config

	Sessions  *core.Sessions
	Rooms     *core.Rooms
	Storage   *transfer.Storage
	Transfers *transfer.Service
	Uploads   *transfer.Acceptor
	Control   *Server
	HTTP      *httpapi.Server
}

// Backend is the persistence the app runs on. Snapshot may be nil for an
// in-memory server; Recorder and History are optional.
type Backend struct {
	Snapshot core.Snapshot
	Recorder transfer.Recorder
	History  httpapi.History
}

// NewApp restores the snapshot and binds the control and upload sockets.
func NewApp(ctx context.Context, cfg config.Config, be Backend) (*App, error) {
	sessions := core.NewSessions(cfg.MaxClients)
	rooms := core.NewRooms(sessions)
	if be.Snapshot != nil {
		if err := core.Restore(ctx, be.Snapshot, sessions, rooms); err != nil {
			return nil, err
		}
	}

	storage, err := transfer.NewStorage(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	opts := transfer.Options{
		PollInterval: cfg.PollInterval,
		Wait:         cfg.TransferWait,
		AckTimeout:   cfg.AckTimeout,
		ChunkSize:    cfg.ChunkSize,
	}

	host, _, err := net.SplitHostPort(cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("control addr %q: %w", cfg.ControlAddr, err)
	}

	a := &App{
		cfg:       cfg,
		Sessions:  sessions,
		Rooms:     rooms,
		Storage:   storage,
		Transfers: transfer.NewService(storage, host, opts, be.Recorder),
		Uploads:   transfer.NewAcceptor(storage, cfg.UploadAddr, opts, be.Recorder),
	}
	if err := a.Uploads.Listen(); err != nil {
		return nil, err
	}

	a.Control = New(Options{
		Addr:         cfg.ControlAddr,
		PollInterval: cfg.PollInterval,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		DrainTimeout: cfg.TransferWait,
		UploadPort:   a.Uploads.Addr().Port,
		HelpFile:     cfg.HelpFile,
		CreditsFile:  cfg.CreditsFile,
	}, sessions, rooms, be.Snapshot, a.Transfers)
	if err := a.Control.Listen(); err != nil {
		_ = a.Uploads.Close()
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		a.HTTP = httpapi.New(sessions, rooms, storage, be.History)
	}
	return a, nil
}

// Run serves until ctx is cancelled or an admin shuts the server down.
// The control plane stopping stops everything else.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.Control.Run(gctx)
	})
	g.Go(func() error {
		return a.Uploads.Serve(gctx)
	})
	if a.cfg.MetricsInterval > 0 {
		g.Go(func() error {
			a.Control.RunMetrics(gctx, a.cfg.MetricsInterval)
			return nil
		})
	}
	if a.HTTP != nil {
		g.Go(func() error {
			slog.Info("status api listening", "addr", a.cfg.HTTPAddr)
			return a.HTTP.Run(gctx, a.cfg.HTTPAddr)
		})
	}

	err := g.Wait()
	slog.Info("server stopped", "err", err)
	return err
}
