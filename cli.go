package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"parley/server/internal/config"
	"parley/server/internal/core"
	"parley/server/internal/store"
)

// addCLICommands registers the offline subcommands. They read the snapshot
// on disk and never start the server.
func addCLICommands(root *cobra.Command, cfgFile *string) {
	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the server version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "parleyd %s\n", Version)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Summarize the saved snapshot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cliStatus(cmd, *cfgFile)
			},
		},
		&cobra.Command{
			Use:   "users",
			Short: "List saved users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cliUsers(cmd, *cfgFile)
			},
		},
		&cobra.Command{
			Use:   "rooms",
			Short: "List saved rooms",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cliRooms(cmd, *cfgFile)
			},
		},
		&cobra.Command{
			Use:   "backup [dest]",
			Short: "Copy the SQLite snapshot",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cliBackup(cmd, *cfgFile, args)
			},
		},
	)
}

func openSnapshot(cmd *cobra.Command, cfgFile string) (config.Config, core.Snapshot, func(), error) {
	cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	be, closeFn, err := openBackend(cfg)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("error opening snapshot: %w", err)
	}
	return cfg, be.Snapshot, closeFn, nil
}

func cliStatus(cmd *cobra.Command, cfgFile string) error {
	cfg, snap, closeFn, err := openSnapshot(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	users, err := snap.LoadUsers(ctx)
	if err != nil {
		return err
	}
	rooms, err := snap.LoadRooms(ctx)
	if err != nil {
		return err
	}
	muted := 0
	now := time.Now()
	for _, u := range users {
		if u.Muted && now.Before(u.MuteUntil) {
			muted++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Persistence: %s\n", cfg.Persistence)
	if cfg.Persistence == config.PersistenceSQLite {
		fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
	} else {
		fmt.Fprintf(out, "Data dir: %s\n", cfg.DataDir)
	}
	fmt.Fprintf(out, "Users: %d (%d muted)\n", len(users), muted)
	fmt.Fprintf(out, "Rooms: %d\n", len(rooms))
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func cliUsers(cmd *cobra.Command, cfgFile string) error {
	_, snap, closeFn, err := openSnapshot(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer closeFn()

	users, err := snap.LoadUsers(cmd.Context())
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users found.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tROLE\tMUTED")
	now := time.Now()
	for _, u := range users {
		muted := "-"
		if u.Muted && now.Before(u.MuteUntil) {
			muted = "until " + humanize.Time(u.MuteUntil)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Role, muted)
	}
	return tw.Flush()
}

func cliRooms(cmd *cobra.Command, cfgFile string) error {
	_, snap, closeFn, err := openSnapshot(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer closeFn()

	rooms, err := snap.LoadRooms(cmd.Context())
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
		return nil
	}
	for _, r := range rooms {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s (creator %s): %d member(s)\n", r.Name, r.Creator, len(r.Members))
		for _, m := range r.Members {
			fmt.Fprintf(cmd.OutOrStdout(), "    - %s\n", m)
		}
	}
	return nil
}

func cliBackup(cmd *cobra.Command, cfgFile string, args []string) error {
	cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return err
	}
	if cfg.Persistence != config.PersistenceSQLite {
		return errors.New("backup needs the sqlite persistence backend")
	}
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer st.Close()

	outPath := "parley-backup-" + time.Now().Format("20060102-150405") + ".db"
	if len(args) > 0 {
		outPath = args[0]
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := st.Backup(ctx, outPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	size := "unknown size"
	if info, err := os.Stat(outPath); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Database backed up to %s (%s)\n", outPath, size)
	return nil
}
