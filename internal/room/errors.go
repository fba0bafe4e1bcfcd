package room

import "errors"

var (
	// ErrDuplicateParticipant is returned by Join when the requested name is
	// already active in the target room and the duplicate policy is reject.
	ErrDuplicateParticipant = errors.New("participant name already in use")

	// ErrUnknownParticipant is returned by operations that require an active
	// participant the room does not have.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrRoomClosed is returned when an operation races with the room being
	// destroyed. Registry.Join retries transparently on it.
	ErrRoomClosed = errors.New("room closed")

	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("session closed")
)
