package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// UserRecord is the persisted form of one registered user.
type UserRecord struct {
	Username  string
	Password  string
	Role      Role
	Muted     bool
	MuteUntil time.Time
}

// RoomRecord is the persisted form of one room.
type RoomRecord struct {
	Name    string
	Creator string
	Members []string
}

// Snapshot saves and restores the user and room tables.
type Snapshot interface {
	SaveUsers(ctx context.Context, users []UserRecord) error
	LoadUsers(ctx context.Context) ([]UserRecord, error)
	SaveRooms(ctx context.Context, rooms []RoomRecord) error
	LoadRooms(ctx context.Context) ([]RoomRecord, error)
}

// Restore loads users, then rooms, so restored members get their current
// room back.
func Restore(ctx context.Context, snap Snapshot, sessions *Sessions, rooms *Rooms) error {
	users, err := snap.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	nu := sessions.Import(users)

	rs, err := snap.LoadRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	nr := rooms.Import(rs)

	slog.Info("snapshot restored", "users", nu, "rooms", nr)
	return nil
}

// Save writes both tables.
func Save(ctx context.Context, snap Snapshot, sessions *Sessions, rooms *Rooms) error {
	if err := snap.SaveUsers(ctx, sessions.Export()); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	if err := SaveRooms(ctx, snap, rooms); err != nil {
		return err
	}
	return nil
}

// SaveRooms writes only the room table.
func SaveRooms(ctx context.Context, snap Snapshot, rooms *Rooms) error {
	recs := rooms.Export()
	if err := snap.SaveRooms(ctx, recs); err != nil {
		return fmt.Errorf("save rooms: %w", err)
	}
	slog.Debug("rooms saved", "rooms", len(recs))
	return nil
}
