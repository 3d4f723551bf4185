package command

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/transfer"
)

const builtinCredits = "parley chat server\nMulti-room chat over UDP with TCP file transfer."

func commands() []Spec {
	return []Spec{
		{Name: "help", Usage: "@help", Summary: "list commands", Run: (*Dispatcher).help},
		{Name: "ping", Usage: "@ping", Summary: "check the server is alive", Run: (*Dispatcher).ping},
		{Name: "msg", Usage: "@msg <user> <message>", Summary: "private message", Run: (*Dispatcher).msg},
		{Name: "credits", Usage: "@credits", Summary: "show credits", Run: (*Dispatcher).credits},
		{Name: "shutdown", MinRole: core.RoleAdmin, Usage: "@shutdown", Summary: "stop the server", Run: (*Dispatcher).shutdown},
		{Name: "list", Usage: "@list", Summary: "connected users", Run: (*Dispatcher).list},
		{Name: "download", Usage: "@download <file>", Summary: "fetch a file", Run: (*Dispatcher).download},
		{Name: "upload", Usage: "@upload <file>", Summary: "send a file", Run: (*Dispatcher).upload},
		{Name: "file_uploaded", Usage: "@file_uploaded <file>", Summary: "announce a finished upload", Run: (*Dispatcher).fileUploaded},
		{Name: "files", Usage: "@files", Summary: "files on the server", Run: (*Dispatcher).files},
		{Name: "promote", MinRole: core.RoleAdmin, Usage: "@promote <user>", Summary: "make a user moderator", Run: (*Dispatcher).promote},
		{Name: "disconnect", Usage: "@disconnect", Summary: "leave the server", Run: (*Dispatcher).disconnect},
		{Name: "mute", MinRole: core.RoleModerator, Usage: "@mute <user> [minutes]", Summary: "silence a user (default 10 min)", Run: (*Dispatcher).mute},
		{Name: "unmute", MinRole: core.RoleModerator, Usage: "@unmute <user>", Summary: "lift a mute", Run: (*Dispatcher).unmute},
		{Name: "create", Usage: "@create <room>", Summary: "create and join a room", Run: (*Dispatcher).create},
		{Name: "join", Usage: "@join <room>", Summary: "join a room", Run: (*Dispatcher).join},
		{Name: "leave", Usage: "@leave", Summary: "leave your room", Run: (*Dispatcher).leave},
		{Name: "delete", Usage: "@delete <room>", Summary: "delete a room you created", Run: (*Dispatcher).deleteRoom},
		{Name: "rooms", Usage: "@rooms", Summary: "list rooms", Run: (*Dispatcher).rooms},
		{Name: "info", Usage: "@info", Summary: "your session", Run: (*Dispatcher).info},
	}
}

func (d *Dispatcher) help(c *Call) {
	if text, ok := readText(d.deps.HelpFile); ok {
		d.reply(c, text)
		return
	}
	var b strings.Builder
	b.WriteString("Available commands:")
	for _, s := range d.Commands() {
		if c.Session.Role < s.MinRole {
			continue
		}
		fmt.Fprintf(&b, "\n%s - %s", s.Usage, s.Summary)
	}
	d.reply(c, b.String())
}

func (d *Dispatcher) ping(c *Call) {
	d.reply(c, protocol.NoticePong)
}

func (d *Dispatcher) msg(c *Call) {
	to, text, _ := strings.Cut(c.Args, " ")
	text = strings.TrimSpace(text)
	if to == "" || text == "" {
		c.usage(d)
		return
	}
	if _, err := d.deps.Sessions.Find(to); err != nil {
		d.replyf(c, "User '%s' not found", to)
		return
	}
	d.notify(to, protocol.ServerMessagef(protocol.FmtPrivate, c.Session.Username, text))
	d.replyf(c, "Private message sent to %s", to)
}

func (d *Dispatcher) credits(c *Call) {
	text, ok := readText(d.deps.CreditsFile)
	if !ok {
		text = builtinCredits
	}
	d.reply(c, text)
}

func (d *Dispatcher) shutdown(c *Call) {
	slog.Info("shutdown requested", "username", c.Session.Username)
	d.reply(c, "Server shutdown initiated")
	if d.deps.Shutdown != nil {
		d.deps.Shutdown()
	}
}

func (d *Dispatcher) list(c *Call) {
	sessions := d.deps.Sessions.List()
	var b strings.Builder
	fmt.Fprintf(&b, "Connected users (%d):", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n- %s", s.Username)
		if s.Role != core.RoleUser {
			fmt.Fprintf(&b, " [%s]", s.Role)
		}
		if s.Muted {
			b.WriteString(" (muted)")
		}
		if s.Username == c.Session.Username {
			b.WriteString(" (you)")
		}
	}
	d.reply(c, b.String())
}

func (d *Dispatcher) files(c *Call) {
	if d.deps.Transfers == nil {
		d.reply(c, "File transfer is disabled")
		return
	}
	files, err := d.deps.Transfers.Storage().Files()
	if err != nil {
		slog.Warn("list files failed", "err", err)
		d.reply(c, "Error: could not list files")
		return
	}
	if len(files) == 0 {
		d.reply(c, "No files on the server")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Files on the server (%d):", len(files))
	for _, f := range files {
		fmt.Fprintf(&b, "\n- %s (%s)", f.Name, humanize.Bytes(uint64(f.Size)))
	}
	d.reply(c, b.String())
}

func (d *Dispatcher) download(c *Call) {
	if c.Args == "" {
		c.usage(d)
		return
	}
	if d.deps.Transfers == nil {
		d.reply(c, "File transfer is disabled")
		return
	}
	name := c.Args
	if _, err := transfer.CleanName(name); err != nil {
		d.replyf(c, "Invalid filename '%s'", name)
		return
	}
	if err := d.deps.Transfers.Check(name); err != nil {
		d.replyf(c, "File '%s' not found", name)
		return
	}

	addr := c.Addr
	ctx := c.Ctx
	d.deps.Transfers.Go(func() {
		err := d.deps.Transfers.Download(ctx, name, addr.String(), func(port int) error {
			return d.deps.Sender.Send(addr, protocol.FileReady(name, port))
		})
		switch {
		case err == nil:
			d.replyTo(addr, fmt.Sprintf("File %s sent", name))
		case errors.Is(err, transfer.ErrFileNotFound):
			d.replyTo(addr, fmt.Sprintf("File '%s' not found", name))
		default:
			d.replyTo(addr, fmt.Sprintf("Failed to send %s: %v", name, err))
		}
	})
}

func (d *Dispatcher) upload(c *Call) {
	if c.Args == "" {
		c.usage(d)
		return
	}
	if _, err := transfer.CleanName(c.Args); err != nil {
		d.replyf(c, "Invalid filename '%s'", c.Args)
		return
	}
	d.replyf(c, "Server ready to receive '%s' on TCP port %d", c.Args, d.deps.UploadPort)
}

func (d *Dispatcher) fileUploaded(c *Call) {
	if c.Args == "" {
		c.usage(d)
		return
	}
	if room := c.Session.CurrentRoom; room != "" {
		d.toRoom(room, c.Session.Username, protocol.ServerMessagef("%s uploaded '%s'", c.Session.Username, c.Args))
	}
	d.replyf(c, "Upload of '%s' registered", c.Args)
}

func (d *Dispatcher) promote(c *Call) {
	target := firstField(c.Args)
	if target == "" {
		c.usage(d)
		return
	}
	_, err := d.deps.Sessions.Promote(target)
	switch {
	case errors.Is(err, core.ErrNotFound):
		d.replyf(c, "User '%s' not found", target)
	case errors.Is(err, core.ErrAlreadyPrivileged):
		d.replyf(c, "%s is already a moderator or admin", target)
	case err != nil:
		d.replyf(c, "Error: %v", err)
	default:
		d.replyf(c, "%s is now a moderator", target)
		d.notify(target, protocol.ServerMessagef("You were promoted to moderator by %s", c.Session.Username))
	}
}

func (d *Dispatcher) disconnect(c *Call) {
	if err := d.Disconnect(c.Session.Username, c.Addr); err != nil {
		slog.Debug("disconnect failed", "username", c.Session.Username, "err", err)
	}
}

func (d *Dispatcher) mute(c *Call) {
	fields := strings.Fields(c.Args)
	if len(fields) == 0 || len(fields) > 2 {
		c.usage(d)
		return
	}
	target := fields[0]
	minutes := core.DefaultMuteMinutes
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			c.usage(d)
			return
		}
		minutes = n
	}

	_, err := d.deps.Sessions.Mute(target, minutes)
	switch {
	case errors.Is(err, core.ErrNotFound):
		d.replyf(c, "User '%s' not found", target)
	case errors.Is(err, core.ErrProtectedRole):
		d.replyf(c, "Cannot mute %s: moderators and admins cannot be muted", target)
	case err != nil:
		d.replyf(c, "Error: %v", err)
	default:
		mins := max(core.MinMuteMinutes, min(minutes, core.MaxMuteMinutes))
		d.replyf(c, "%s muted for %d minute(s)", target, mins)
		d.notify(target, protocol.ServerMessagef("You were muted for %d minute(s) by %s", mins, c.Session.Username))
	}
}

func (d *Dispatcher) unmute(c *Call) {
	target := firstField(c.Args)
	if target == "" {
		c.usage(d)
		return
	}
	_, err := d.deps.Sessions.Unmute(target)
	switch {
	case errors.Is(err, core.ErrNotFound):
		d.replyf(c, "User '%s' not found", target)
	case errors.Is(err, core.ErrNotMuted):
		d.replyf(c, "%s is not muted", target)
	case err != nil:
		d.replyf(c, "Error: %v", err)
	default:
		d.replyf(c, "%s is no longer muted", target)
		d.notify(target, protocol.ServerMessagef("You were unmuted by %s", c.Session.Username))
	}
}

func (d *Dispatcher) info(c *Call) {
	s := c.Session
	room := s.CurrentRoom
	if room == "" {
		room = "(none)"
	}
	muted := "no"
	if st := d.deps.Sessions.CheckMute(s.Username); st.Muted {
		muted = fmt.Sprintf("yes, %d minute(s) left", st.MinutesLeft())
	}
	d.replyf(c, "User: %s\nRole: %s\nRoom: %s\nMuted: %s", s.Username, s.Role, room, muted)
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// readText returns the trimmed content of path, or false when it cannot be
// read or is empty.
func readText(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("text file unavailable", "path", path, "err", err)
		return "", false
	}
	text := strings.TrimSpace(string(b))
	return text, text != ""
}
