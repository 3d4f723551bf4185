// Package command runs "@name args" control-plane commands on behalf of
// connected sessions.
package command

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/transfer"
)

// Handler runs one command.
type Handler func(d *Dispatcher, c *Call)

// Spec is one entry of the command table.
type Spec struct {
	Name    string
	MinRole core.Role
	Usage   string
	Summary string
	Run     Handler
}

// Call is a single command invocation.
type Call struct {
	Ctx     context.Context
	Req     protocol.Request
	Addr    netip.AddrPort
	Session core.Session
	Name    string
	Args    string
}

// Deps are the collaborators commands act on.
type Deps struct {
	Sessions  *core.Sessions
	Rooms     *core.Rooms
	Sender    core.Sender
	Transfers *transfer.Service
	// UploadPort is advertised by @upload.
	UploadPort int
	// FlushRooms rewrites the room snapshot. Called after a room is deleted.
	FlushRooms func(ctx context.Context) error
	// Shutdown starts an orderly server shutdown.
	Shutdown    func()
	HelpFile    string
	CreditsFile string
}

// Dispatcher maps command names to handlers and enforces their roles.
type Dispatcher struct {
	deps  Deps
	table map[string]Spec
	order []string
}

// New returns a dispatcher with the full command table.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{deps: deps, table: make(map[string]Spec)}
	for _, s := range commands() {
		d.table[s.Name] = s
		d.order = append(d.order, s.Name)
	}
	return d
}

// muteExempt lists the commands a muted user may still run.
var muteExempt = []string{"help", "credits", "disconnect"}

// MuteExempt reports whether a muted sender may still run content.
func MuteExempt(content string) bool {
	name, _ := protocol.ParseCommand(content)
	return slices.Contains(muteExempt, name)
}

// Commands returns the table in registration order.
func (d *Dispatcher) Commands() []Spec {
	out := make([]Spec, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.table[name])
	}
	return out
}

// Dispatch resolves the sender, checks its role and runs the command.
// Every outcome, failures included, is reported to addr.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request, addr netip.AddrPort) {
	name, args := protocol.ParseCommand(req.Content)
	spec, ok := d.table[name]
	if !ok {
		slog.Debug("unknown command", "sender", req.Sender, "command", name)
		d.replyTo(addr, protocol.NoticeUnknownCommand)
		return
	}

	sess, err := d.deps.Sessions.Find(req.Sender)
	if err != nil {
		slog.Debug("command from unknown sender", "sender", req.Sender, "command", name, "addr", addr)
		d.replyTo(addr, protocol.NoticeNotAuthenticated)
		return
	}
	if sess.Role < spec.MinRole {
		slog.Info("command refused", "username", sess.Username, "command", name, "role", sess.Role, "required", spec.MinRole)
		d.replyTo(addr, protocol.NoticePermission)
		return
	}

	slog.Debug("command", "username", sess.Username, "command", name, "args", args)
	spec.Run(d, &Call{
		Ctx:     ctx,
		Req:     req,
		Addr:    addr,
		Session: sess,
		Name:    name,
		Args:    args,
	})
}

// Disconnect marks username offline and tells everyone else. It backs both
// the DISCONNECT request and @disconnect.
func (d *Dispatcher) Disconnect(username string, addr netip.AddrPort) error {
	room, err := d.deps.Sessions.Disconnect(username)
	if err != nil {
		return err
	}
	d.replyTo(addr, protocol.NoticeDisconnected)
	if room != "" {
		d.toRoom(room, "", protocol.ServerMessagef(protocol.FmtMemberLeft, username))
	}
	d.deps.Sessions.Broadcast(protocol.ServerMessagef(protocol.FmtUserLeft, username), username, d.deps.Sender)
	return nil
}

func (c *Call) usage(d *Dispatcher) {
	spec := d.table[c.Name]
	d.reply(c, "Usage: "+spec.Usage)
}

func (d *Dispatcher) reply(c *Call, text string) {
	d.replyTo(c.Addr, text)
}

func (d *Dispatcher) replyf(c *Call, format string, args ...any) {
	d.send(c.Addr, protocol.ServerMessagef(format, args...))
}

func (d *Dispatcher) replyTo(addr netip.AddrPort, text string) {
	d.send(addr, protocol.ServerMessage(text))
}

func (d *Dispatcher) send(addr netip.AddrPort, msg protocol.Request) {
	if err := d.deps.Sender.Send(addr, msg); err != nil {
		slog.Debug("reply dropped", "addr", addr, "err", err)
	}
}

// notify sends to a connected user by name. Offline users are skipped.
func (d *Dispatcher) notify(username string, msg protocol.Request) {
	err := d.deps.Sessions.SendTo(username, msg, d.deps.Sender)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		slog.Debug("notice dropped", "username", username, "err", err)
	}
}

func (d *Dispatcher) toRoom(room, except string, msg protocol.Request) {
	if _, err := d.deps.Rooms.Broadcast(room, msg, except, d.deps.Sender); err != nil && !errors.Is(err, core.ErrRoomNotFound) {
		slog.Debug("room notice dropped", "room", room, "err", err)
	}
}
