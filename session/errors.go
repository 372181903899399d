package session

import "errors"

var (
	errIncompleteConfig = errors.New("session: Config is missing a required collaborator")
	errAlreadyActive    = errors.New("session: already active")
	errNotActive        = errors.New("session: not active")
	errConnectTimeout   = errors.New("session: timed out connecting to host")
	errResyncTimeout    = errors.New("session: timed out resynchronizing with peers")
	errLostHost         = errors.New("session: lost connection to host")
)
