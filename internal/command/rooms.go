package command

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

func (d *Dispatcher) create(c *Call) {
	name := firstField(c.Args)
	if name == "" {
		c.usage(d)
		return
	}
	err := d.deps.Rooms.Create(name, c.Session.Username)
	switch {
	case errors.Is(err, core.ErrRoomExists):
		d.replyf(c, "Room '%s' already exists", name)
		return
	case errors.Is(err, core.ErrInvalidName):
		d.replyf(c, "Invalid room name '%s'", name)
		return
	case err != nil:
		d.replyf(c, "Error: %v", err)
		return
	}
	d.replyf(c, protocol.FmtRoomCreated, name)
	d.enter(c, name)
}

func (d *Dispatcher) join(c *Call) {
	name := firstField(c.Args)
	if name == "" {
		c.usage(d)
		return
	}
	d.enter(c, name)
}

// enter moves the caller into name. The current room is always left first,
// even when it is name itself.
func (d *Dispatcher) enter(c *Call, name string) {
	user := c.Session.Username
	left, err := d.deps.Rooms.Join(user, name)
	if left != "" {
		d.replyf(c, protocol.FmtRoomLeft, left)
		d.toRoom(left, user, protocol.ServerMessagef(protocol.FmtMemberLeft, user))
	}
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		d.replyf(c, "Room '%s' not found", name)
		return
	case err != nil:
		d.replyf(c, "Error: %v", err)
		return
	}
	d.replyf(c, protocol.FmtRoomJoined, name)
	d.toRoom(name, user, protocol.ServerMessagef(protocol.FmtMemberJoined, user))
}

func (d *Dispatcher) leave(c *Call) {
	user := c.Session.Username
	room, err := d.deps.Rooms.Leave(user)
	switch {
	case errors.Is(err, core.ErrNotInRoom):
		d.reply(c, "You are not in a room")
		return
	case err != nil:
		d.replyf(c, "Error: %v", err)
		return
	}
	d.replyf(c, protocol.FmtRoomLeft, room)
	d.toRoom(room, user, protocol.ServerMessagef(protocol.FmtMemberLeft, user))
}

func (d *Dispatcher) deleteRoom(c *Call) {
	name := firstField(c.Args)
	if name == "" {
		c.usage(d)
		return
	}
	user := c.Session.Username
	members, err := d.deps.Rooms.Delete(name, user)
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		d.replyf(c, "Room '%s' not found", name)
		return
	case errors.Is(err, core.ErrNotCreator):
		d.replyf(c, "Only the creator of room '%s' can delete it", name)
		return
	case err != nil:
		d.replyf(c, "Error: %v", err)
		return
	}

	notice := protocol.ServerMessagef(protocol.FmtRoomDeleted, name)
	for _, m := range members {
		if m != user {
			d.notify(m, notice)
		}
	}
	d.replyf(c, "Room '%s' deleted", name)

	if d.deps.FlushRooms != nil {
		if err := d.deps.FlushRooms(c.Ctx); err != nil {
			slog.Error("room snapshot not saved after delete", "room", name, "err", err)
		}
	}
}

func (d *Dispatcher) rooms(c *Call) {
	rooms := d.deps.Rooms.List()
	if len(rooms) == 0 {
		d.reply(c, "No rooms. Create one with @create <room>")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rooms (%d):", len(rooms))
	for _, r := range rooms {
		fmt.Fprintf(&b, "\n- %s (%d member(s), created by %s)", r.Name, r.Members, r.Creator)
		if r.Name == c.Session.CurrentRoom {
			b.WriteString(" *")
		}
	}
	d.reply(c, b.String())
}
