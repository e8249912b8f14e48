package domain

import "errors"

var (
	// ErrConfig reports a missing or malformed agent credential bundle.
	ErrConfig = errors.New("agent configuration error")
	// ErrAuth reports a failed token exchange.
	ErrAuth = errors.New("authentication failed")
	// ErrBackend reports a transport failure or a backend-reported error.
	ErrBackend = errors.New("backend request failed")

	ErrInvalidRoom    = errors.New("invalid room")
	ErrInvalidSession = errors.New("invalid session id")
	ErrInvalidVisitor = errors.New("invalid visitor token")
	ErrInvalidAction  = errors.New("invalid action")

	ErrRoomClosed     = errors.New("room is closed")
	ErrNoDepartment   = errors.New("handover department not found")
	ErrNoAgentsOnline = errors.New("no agents online for handover")
	ErrHandoverFailed = errors.New("handover failed")
)
