package protocol

// Fixed notices the server sends. Clients match on some of these, so they
// are part of the protocol surface.
const (
	NoticeConnected        = "Connected"
	NoticeBadConnect       = "Invalid connect format, expected \"<username> <password>\""
	NoticeAlreadyConnect   = "Error: this username is already used by a connected user"
	NoticeBadCredentials   = "Error: wrong password"
	NoticeServerFull       = "Error: server full"
	NoticeDisconnected     = "Disconnected"
	NoticeJoinRoomFirst    = "You must join a room before sending messages."
	NoticeUnknownCommand   = "Unknown command. Type @help to list available commands."
	NoticeNotAuthenticated = "Error: you are not connected"
	NoticePermission       = "Error: you do not have permission to use this command"
	NoticeMuteOver         = "Your mute has ended. You can talk again."
	NoticeShuttingDown     = "The server is shutting down."
	NoticeUnsupported      = "Unsupported request kind"
	NoticePong             = "pong"
)

// Notice formats used with ServerMessagef.
const (
	FmtUserJoined   = "%s joined the chat"
	FmtUserLeft     = "%s left the chat"
	FmtMuted        = "You are muted. You can talk again in %d minute(s)."
	FmtRoomJoined   = "You joined room '%s'"
	FmtRoomLeft     = "You left room '%s'"
	FmtRoomCreated  = "Room '%s' created"
	FmtRoomDeleted  = "Room '%s' was deleted by its creator"
	FmtMemberJoined = "%s joined the room"
	FmtMemberLeft   = "%s left the room"
	FmtPrivate      = "[Private from %s]: %s"
)
