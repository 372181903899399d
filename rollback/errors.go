package rollback

import "errors"

var (
	errMissingCallback = errors.New("rollback: Callbacks has a nil field")
	errTooManyPlayers  = errors.New("rollback: numPlayers exceeds MaxPlayers")
	errUnknownHandle   = errors.New("rollback: unknown PlayerHandle")
	errNotLocal        = errors.New("rollback: AddLocalInput called on a non-local player")
	errFrameGone       = errors.New("rollback: requested frame has fallen outside the snapshot ring")
)
