package core

import "errors"

// Session Registry outcomes.
var (
	ErrAlreadyConnected  = errors.New("user already connected")
	ErrBadCredentials    = errors.New("bad credentials")
	ErrServerFull        = errors.New("server full")
	ErrNotFound          = errors.New("user not found")
	ErrProtectedRole     = errors.New("target role cannot be muted")
	ErrAlreadyPrivileged = errors.New("user is already moderator or admin")
	ErrNotMuted          = errors.New("user is not muted")
	ErrInvalidName       = errors.New("invalid name")
)

// Room Registry outcomes.
var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotCreator   = errors.New("only the room creator can delete it")
	ErrNotInRoom    = errors.New("user is not in a room")
)
