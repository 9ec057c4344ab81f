package registry

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	// ErrCodesExhausted is returned when repeated random draws all
	// collided with existing rooms.
	ErrCodesExhausted = errors.New("failed to generate unique room code")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotMember      = errors.New("user is not a member of this room")

	ErrInvalidRoomId   = errors.New("room id must be 1-8 alphanumeric characters")
	ErrInvalidUserId   = errors.New("invalid user id")
	ErrInvalidTrackId  = errors.New("invalid track id")
	ErrInvalidReaction = errors.New("invalid reaction type")
	ErrInvalidAvatar   = errors.New("invalid avatar id")
	ErrQueueTooLong    = errors.New("queue too large")
)
