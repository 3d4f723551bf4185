package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"parley/server/internal/command"
	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

func (s *Server) handle(ctx context.Context, req protocol.Request, addr netip.AddrPort) {
	if req.Kind == protocol.KindMessage || req.Kind == protocol.KindCommand {
		if !s.passMute(req, addr) {
			return
		}
	}

	switch req.Kind {
	case protocol.KindConnect:
		s.connect(req, addr)

	case protocol.KindDisconnect:
		if err := s.commands.Disconnect(req.Sender, addr); err != nil {
			slog.Debug("disconnect for unknown session", "sender", req.Sender, "addr", addr)
			s.reply(addr, protocol.NoticeDisconnected)
		}

	case protocol.KindMessage:
		s.message(req, addr)

	case protocol.KindCommand:
		s.commands.Dispatch(ctx, req, addr)

	default:
		s.reply(addr, protocol.NoticeUnsupported)
	}
}

// passMute applies lazy mute expiry. It reports false when the request must
// be dropped because the sender is still muted.
func (s *Server) passMute(req protocol.Request, addr netip.AddrPort) bool {
	st := s.sessions.CheckMute(req.Sender)
	switch {
	case st.Muted:
		if req.Kind == protocol.KindCommand && command.MuteExempt(req.Content) {
			return true
		}
		s.send(addr, protocol.ServerMessagef(protocol.FmtMuted, st.MinutesLeft()))
		return false
	case st.Lifted:
		s.reply(addr, protocol.NoticeMuteOver)
	}
	return true
}

func (s *Server) connect(req protocol.Request, addr netip.AddrPort) {
	username, password, err := protocol.ParseCredentials(req.Content)
	if err != nil {
		s.reply(addr, protocol.NoticeBadConnect)
		return
	}

	sess, err := s.sessions.Connect(username, password, addr)
	switch {
	case errors.Is(err, core.ErrAlreadyConnected):
		slog.Info("connect refused", "username", username, "reason", "already connected", "addr", addr)
		s.reply(addr, protocol.NoticeAlreadyConnect)
		return
	case errors.Is(err, core.ErrBadCredentials):
		slog.Info("connect refused", "username", username, "reason", "bad credentials", "addr", addr)
		s.reply(addr, protocol.NoticeBadCredentials)
		return
	case errors.Is(err, core.ErrServerFull):
		slog.Warn("connect refused", "username", username, "reason", "server full", "addr", addr)
		s.reply(addr, protocol.NoticeServerFull)
		return
	case err != nil:
		s.reply(addr, protocol.NoticeBadConnect)
		return
	}

	s.reply(addr, protocol.NoticeConnected)
	s.sessions.Broadcast(protocol.ServerMessagef(protocol.FmtUserJoined, sess.Username), sess.Username, s)
}

// message relays a chat line to the sender's room, sender excluded. The
// record is forwarded as sent with Recipient set to the room.
func (s *Server) message(req protocol.Request, addr netip.AddrPort) {
	sess, err := s.sessions.Find(req.Sender)
	if err != nil {
		s.reply(addr, protocol.NoticeNotAuthenticated)
		return
	}
	if sess.CurrentRoom == "" {
		s.reply(addr, protocol.NoticeJoinRoomFirst)
		return
	}

	out := protocol.NewRequest(protocol.KindMessage, sess.Username, sess.CurrentRoom, req.Content)
	n, err := s.rooms.Broadcast(sess.CurrentRoom, out, sess.Username, s)
	if err != nil {
		slog.Debug("room message dropped", "room", sess.CurrentRoom, "err", err)
		return
	}
	slog.Debug("room message", "room", sess.CurrentRoom, "sender", sess.Username, "recipients", n)
}

func (s *Server) reply(addr netip.AddrPort, text string) {
	s.send(addr, protocol.ServerMessage(text))
}

func (s *Server) send(addr netip.AddrPort, msg protocol.Request) {
	if err := s.Send(addr, msg); err != nil {
		slog.Debug("reply dropped", "addr", addr, "err", err)
	}
}
