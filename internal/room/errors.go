package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrRoomEnded          = errors.New("room has ended")
	ErrBroadcasterPresent = errors.New("room already has a broadcaster")
	ErrNotOwner           = errors.New("identity does not own this room")
	ErrBanned             = errors.New("identity is banned from this room")
	ErrRoomFull           = errors.New("room is full")
	ErrWrongPassword      = errors.New("wrong room password")
	ErrProtectedTarget    = errors.New("target cannot be moderated")
)
