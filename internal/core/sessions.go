package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"parley/server/internal/protocol"
)

// DefaultCapacity is the maximum number of registered usernames.
const DefaultCapacity = 100

// Mute duration bounds, in minutes.
const (
	MinMuteMinutes     = 1
	MaxMuteMinutes     = 60
	DefaultMuteMinutes = 10
)

// Sender delivers one control-plane record to an address. The UDP server
// implements it; tests inject a recorder.
type Sender interface {
	Send(addr netip.AddrPort, msg protocol.Request) error
}

// Session is a value snapshot of one registered user.
type Session struct {
	Username    string
	Address     netip.AddrPort
	Connected   bool
	CurrentRoom string
	Role        Role
	Muted       bool
	MuteUntil   time.Time
}

type session struct {
	Session
	password string
}

// MuteStatus is the outcome of a mute check on an inbound request.
type MuteStatus struct {
	// Muted is true while the mute window is still open.
	Muted     bool
	Remaining time.Duration
	// Lifted is true when this check found an expired mute and cleared it.
	Lifted bool
}

// MinutesLeft rounds the remaining window up to whole minutes.
func (m MuteStatus) MinutesLeft() int {
	return int(m.Remaining/time.Minute) + 1
}

// Sessions is the authoritative table of registered users.
//
// Records are keyed by username and never handed out by pointer; callers
// re-resolve by name on every access. When a Rooms registry is attached,
// operations touching both tables take the Rooms lock first.
type Sessions struct {
	mu       sync.RWMutex
	users    map[string]*session
	order    []string
	capacity int
	created  int
	now      func() time.Time
	rooms    *Rooms
}

// NewSessions returns an empty registry holding at most capacity users.
func NewSessions(capacity int) *Sessions {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sessions{
		users:    make(map[string]*session),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for mute windows.
func (s *Sessions) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Connect registers a new user or reconnects a known one.
func (s *Sessions) Connect(username, password string, addr netip.AddrPort) (Session, error) {
	if err := validateName(username); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[username]; ok {
		if u.Connected {
			return Session{}, ErrAlreadyConnected
		}
		if u.password != password {
			return Session{}, ErrBadCredentials
		}
		u.Address = addr
		u.Connected = true
		if u.Muted && !s.now().Before(u.MuteUntil) {
			u.Muted = false
			u.MuteUntil = time.Time{}
			slog.Info("mute expired while away", "username", username)
		}
		slog.Info("client reconnected", "username", username, "addr", addr, "role", u.Role)
		return u.Session, nil
	}

	if len(s.users) >= s.capacity {
		return Session{}, ErrServerFull
	}

	role := RoleUser
	if s.created == 0 {
		role = RoleAdmin
	}
	s.created++

	u := &session{
		Session: Session{
			Username:  username,
			Address:   addr,
			Connected: true,
			Role:      role,
		},
		password: password,
	}
	s.users[username] = u
	s.order = append(s.order, username)

	slog.Info("client registered", "username", username, "addr", addr, "role", role, "total_users", len(s.users))
	return u.Session, nil
}

// Disconnect marks a connected user offline and drops its room membership.
// The record survives so the user can reconnect with the same password.
// It returns the room the user was in, if any.
func (s *Sessions) Disconnect(username string) (string, error) {
	if s.rooms != nil {
		s.rooms.mu.Lock()
		defer s.rooms.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.findLocked(username)
	if !ok {
		return "", ErrNotFound
	}
	room := u.CurrentRoom
	if room != "" && s.rooms != nil {
		s.rooms.removeMemberLocked(room, username)
	}
	u.CurrentRoom = ""
	u.Connected = false

	slog.Info("client disconnected", "username", username, "left_room", room)
	return room, nil
}

// Find resolves a connected user. Disconnected records are invisible.
func (s *Sessions) Find(username string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.findLocked(username)
	if !ok {
		return Session{}, ErrNotFound
	}
	return u.Session, nil
}

// Role returns the role of a connected user.
func (s *Sessions) Role(username string) (Role, error) {
	sess, err := s.Find(username)
	if err != nil {
		return RoleUser, err
	}
	return sess.Role, nil
}

// Mute silences a connected user for minutes, clamped to
// [MinMuteMinutes, MaxMuteMinutes]. Moderators and admins cannot be muted.
func (s *Sessions) Mute(username string, minutes int) (Session, error) {
	minutes = max(MinMuteMinutes, min(minutes, MaxMuteMinutes))

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.findLocked(username)
	if !ok {
		return Session{}, ErrNotFound
	}
	if u.Role >= RoleModerator {
		return Session{}, ErrProtectedRole
	}
	u.Muted = true
	u.MuteUntil = s.now().Add(time.Duration(minutes) * time.Minute)

	slog.Info("user muted", "username", username, "minutes", minutes, "until", u.MuteUntil)
	return u.Session, nil
}

// Unmute lifts a mute early.
func (s *Sessions) Unmute(username string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.findLocked(username)
	if !ok {
		return Session{}, ErrNotFound
	}
	if !u.Muted {
		return Session{}, ErrNotMuted
	}
	u.Muted = false
	u.MuteUntil = time.Time{}

	slog.Info("user unmuted", "username", username)
	return u.Session, nil
}

// CheckMute applies lazy mute expiry for an inbound request from username.
func (s *Sessions) CheckMute(username string) MuteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.findLocked(username)
	if !ok || !u.Muted {
		return MuteStatus{}
	}
	now := s.now()
	if now.Before(u.MuteUntil) {
		return MuteStatus{Muted: true, Remaining: u.MuteUntil.Sub(now)}
	}
	u.Muted = false
	u.MuteUntil = time.Time{}
	slog.Info("mute expired", "username", username)
	return MuteStatus{Lifted: true}
}

// Promote raises a connected user to moderator. Roles only ever go up.
func (s *Sessions) Promote(username string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.findLocked(username)
	if !ok {
		return Session{}, ErrNotFound
	}
	if u.Role >= RoleModerator {
		return Session{}, ErrAlreadyPrivileged
	}
	u.Role = RoleModerator

	slog.Info("user promoted", "username", username, "role", u.Role)
	return u.Session, nil
}

// List returns connected sessions in registration order.
func (s *Sessions) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.order))
	for _, name := range s.order {
		if u := s.users[name]; u.Connected {
			out = append(out, u.Session)
		}
	}
	return out
}

// ConnectedCount returns the number of connected sessions.
func (s *Sessions) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, u := range s.users {
		if u.Connected {
			n++
		}
	}
	return n
}

// Broadcast sends msg to every connected session except the one named
// except. The table lock is released before any send.
func (s *Sessions) Broadcast(msg protocol.Request, except string, tx Sender) int {
	s.mu.RLock()
	targets := make([]netip.AddrPort, 0, len(s.users))
	for name, u := range s.users {
		if !u.Connected || name == except {
			continue
		}
		targets = append(targets, u.Address)
	}
	s.mu.RUnlock()

	return sendAll(tx, targets, msg)
}

// SendTo delivers msg to one connected user.
func (s *Sessions) SendTo(username string, msg protocol.Request, tx Sender) error {
	sess, err := s.Find(username)
	if err != nil {
		return err
	}
	return tx.Send(sess.Address, msg)
}

// Export returns every record, connected or not, for a snapshot.
func (s *Sessions) Export() []UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UserRecord, 0, len(s.order))
	for _, name := range s.order {
		u := s.users[name]
		out = append(out, UserRecord{
			Username:  u.Username,
			Password:  u.password,
			Role:      u.Role,
			Muted:     u.Muted,
			MuteUntil: u.MuteUntil,
		})
	}
	return out
}

// Import loads snapshot records as disconnected users. Mute expiries are
// re-validated against the current time. Existing usernames are kept.
func (s *Sessions) Import(records []UserRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	loaded := 0
	for _, rec := range records {
		if validateName(rec.Username) != nil {
			slog.Warn("skipping invalid user record", "username", rec.Username)
			continue
		}
		if _, exists := s.users[rec.Username]; exists {
			continue
		}
		if len(s.users) >= s.capacity {
			slog.Warn("user snapshot exceeds capacity", "capacity", s.capacity, "dropped", len(records)-loaded)
			break
		}
		role := rec.Role
		if !role.Valid() {
			role = RoleUser
		}
		u := &session{
			Session:  Session{Username: rec.Username, Role: role},
			password: rec.Password,
		}
		if rec.Muted && now.Before(rec.MuteUntil) {
			u.Muted = true
			u.MuteUntil = rec.MuteUntil
		}
		s.users[rec.Username] = u
		s.order = append(s.order, rec.Username)
		loaded++
	}
	s.created += loaded

	slog.Debug("users imported", "loaded", loaded, "total_users", len(s.users))
	return loaded
}

func (s *Sessions) findLocked(username string) (*session, bool) {
	u, ok := s.users[username]
	if !ok || !u.Connected {
		return nil, false
	}
	return u, true
}

func sendAll(tx Sender, targets []netip.AddrPort, msg protocol.Request) int {
	sent := 0
	for _, addr := range targets {
		if err := tx.Send(addr, msg); err != nil {
			slog.Debug("send dropped", "addr", addr, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// validateName accepts a single non-empty token that fits a wire field.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) >= protocol.SenderSize:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, protocol.SenderSize-1)
	case strings.ContainsAny(name, " \t\r\n\x00"):
		return fmt.Errorf("%w: contains whitespace", ErrInvalidName)
	}
	return nil
}
