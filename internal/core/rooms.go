package core

import (
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"parley/server/internal/protocol"
)

// RoomInfo summarizes one room for listings.
type RoomInfo struct {
	Name    string
	Creator string
	Members int
}

type room struct {
	name    string
	creator string
	members []string
}

// Rooms is the table of named rooms. A user belongs to at most one room.
//
// Lock order: Rooms.mu is always taken before Sessions.mu.
type Rooms struct {
	mu       sync.Mutex
	rooms    map[string]*room
	order    []string
	sessions *Sessions
}

// NewRooms returns an empty room table bound to sessions.
func NewRooms(sessions *Sessions) *Rooms {
	r := &Rooms{
		rooms:    make(map[string]*room),
		sessions: sessions,
	}
	sessions.rooms = r
	return r
}

// Create adds an empty room owned by creator.
func (r *Rooms) Create(name, creator string) error {
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; ok {
		return ErrRoomExists
	}
	r.rooms[name] = &room{name: name, creator: creator}
	r.order = append(r.order, name)

	slog.Info("room created", "room", name, "creator", creator, "total_rooms", len(r.order))
	return nil
}

// Join moves a connected user into name. The user always leaves its current
// room first, even when that room is name itself, so a rejoin produces the
// same leave and join notices as a move. left is the room that was left.
func (r *Rooms) Join(username, name string) (left string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()

	u, ok := r.sessions.findLocked(username)
	if !ok {
		return "", ErrNotFound
	}
	left = u.CurrentRoom
	u.CurrentRoom = ""
	r.evictLocked(username)

	rm, ok := r.rooms[name]
	if !ok {
		return left, ErrRoomNotFound
	}
	rm.members = append(rm.members, username)
	u.CurrentRoom = name

	slog.Debug("room joined", "room", name, "username", username, "left", left, "members", len(rm.members))
	return left, nil
}

// Leave removes a connected user from its current room.
func (r *Rooms) Leave(username string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()

	u, ok := r.sessions.findLocked(username)
	if !ok {
		return "", ErrNotFound
	}
	if u.CurrentRoom == "" {
		return "", ErrNotInRoom
	}
	name := u.CurrentRoom
	r.removeMemberLocked(name, username)
	u.CurrentRoom = ""

	slog.Debug("room left", "room", name, "username", username)
	return name, nil
}

// Delete removes a room on behalf of its creator and clears the current
// room of every former member. It returns the members at deletion time.
func (r *Rooms) Delete(name, requester string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if rm.creator != requester {
		return nil, ErrNotCreator
	}

	r.sessions.mu.Lock()
	for _, member := range rm.members {
		if u, ok := r.sessions.users[member]; ok && u.CurrentRoom == name {
			u.CurrentRoom = ""
		}
	}
	r.sessions.mu.Unlock()

	delete(r.rooms, name)
	if i := slices.Index(r.order, name); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}

	slog.Info("room deleted", "room", name, "by", requester, "members", len(rm.members), "remaining_rooms", len(r.order))
	return rm.members, nil
}

// Broadcast sends msg to every connected member of name except the one
// named except. Members that went offline are skipped; failed sends are
// dropped. Locks are released before sending.
func (r *Rooms) Broadcast(name string, msg protocol.Request, except string, tx Sender) (int, error) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return 0, ErrRoomNotFound
	}
	targets := make([]netip.AddrPort, 0, len(rm.members))
	r.sessions.mu.RLock()
	for _, member := range rm.members {
		if member == except {
			continue
		}
		if u, ok := r.sessions.findLocked(member); ok {
			targets = append(targets, u.Address)
		}
	}
	r.sessions.mu.RUnlock()
	r.mu.Unlock()

	sent := sendAll(tx, targets, msg)
	slog.Debug("room broadcast", "room", name, "recipients", sent, "total", len(targets))
	return sent, nil
}

// Members returns the member list of name in join order.
func (r *Rooms) Members(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return slices.Clone(rm.members), nil
}

// List returns every room in creation order, empty ones included.
func (r *Rooms) List() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomInfo, 0, len(r.order))
	for _, name := range r.order {
		rm := r.rooms[name]
		out = append(out, RoomInfo{Name: rm.name, Creator: rm.creator, Members: len(rm.members)})
	}
	return out
}

// Export returns the rooms that have at least one member. Empty rooms are
// not persisted.
func (r *Rooms) Export() []RoomRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomRecord, 0, len(r.order))
	for _, name := range r.order {
		rm := r.rooms[name]
		if len(rm.members) == 0 {
			continue
		}
		out = append(out, RoomRecord{Name: rm.name, Creator: rm.creator, Members: slices.Clone(rm.members)})
	}
	return out
}

// Import loads snapshot rooms. Known users get their current room restored.
// Members with no user record are dropped, and a user already placed in
// another room is not added twice.
func (r *Rooms) Import(records []RoomRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		if validateName(rec.Name) != nil {
			slog.Warn("skipping invalid room record", "room", rec.Name)
			continue
		}
		if _, exists := r.rooms[rec.Name]; exists {
			continue
		}
		rm := &room{name: rec.Name, creator: rec.Creator}
		for _, member := range rec.Members {
			u, known := r.sessions.users[member]
			if !known {
				slog.Warn("dropping room member without user record", "room", rec.Name, "username", member)
				continue
			}
			if slices.Contains(rm.members, member) || r.memberOfLocked(member) != "" {
				continue
			}
			rm.members = append(rm.members, member)
			u.CurrentRoom = rec.Name
		}
		r.rooms[rec.Name] = rm
		r.order = append(r.order, rec.Name)
		loaded++
	}

	slog.Debug("rooms imported", "loaded", loaded, "total_rooms", len(r.order))
	return loaded
}

func (r *Rooms) removeMemberLocked(name, username string) {
	rm, ok := r.rooms[name]
	if !ok {
		return
	}
	if i := slices.Index(rm.members, username); i >= 0 {
		rm.members = slices.Delete(rm.members, i, i+1)
	}
}

// evictLocked removes username from every member list.
func (r *Rooms) evictLocked(username string) {
	for _, rm := range r.rooms {
		if i := slices.Index(rm.members, username); i >= 0 {
			rm.members = slices.Delete(rm.members, i, i+1)
		}
	}
}

func (r *Rooms) memberOfLocked(username string) string {
	for _, name := range r.order {
		if slices.Contains(r.rooms[name].members, username) {
			return name
		}
	}
	return ""
}
