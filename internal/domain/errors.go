package domain

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotInRoom      = errors.New("user not in the room")
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
)
