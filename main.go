package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"parley/server/internal/config"
	"parley/server/internal/server"
	"parley/server/internal/snapshot"
	"parley/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd, cfgFile)
	}
	root := &cobra.Command{
		Use:           "parleyd",
		Short:         "Multi-room chat server over UDP with TCP file transfer",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the server (default command)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	addCLICommands(root, &cfgFile)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n%s", err, cmd.UsageString())
	})
	return root
}

func loadConfig(cmd *cobra.Command, cfgFile string) (config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}

func setupLogging(debug bool) {
	// Auto-enable debug logging for dev builds; override with --debug.
	level := slog.LevelInfo
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runServe(cmd *cobra.Command, cfgFile string) error {
	cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg.Debug)

	slog.Info("starting server",
		"version", Version,
		"control_addr", cfg.ControlAddr,
		"upload_addr", cfg.UploadAddr,
		"http_addr", cfg.HTTPAddr,
		"persistence", cfg.Persistence,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, closeBackend, err := openBackend(cfg)
	if err != nil {
		slog.Error("open persistence", "err", err)
		return err
	}
	defer closeBackend()

	app, err := server.NewApp(ctx, cfg, be)
	if err != nil {
		slog.Error("start server", "err", err)
		return err
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}

// openBackend opens the configured snapshot. Only the SQLite backend keeps
// transfer history.
func openBackend(cfg config.Config) (server.Backend, func(), error) {
	if cfg.Persistence == config.PersistenceFile {
		snap, err := snapshot.New(cfg.DataDir)
		if err != nil {
			return server.Backend{}, nil, err
		}
		slog.Debug("flat-file snapshot", "dir", cfg.DataDir)
		return server.Backend{Snapshot: snap}, func() {}, nil
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return server.Backend{}, nil, err
	}
	closeFn := func() {
		if err := st.Close(); err != nil {
			slog.Error("close sqlite store", "err", err)
		}
	}
	return server.Backend{Snapshot: st, Recorder: st, History: st}, closeFn, nil
}
