package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrUnauthorizedRole = fmt.Errorf("%w: unauthorized role", ErrUnauthorized)

	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConnectionLost   = errors.New("connection lost")
	ErrNotConnected     = errors.New("not connected")

	ErrSessionNotRunning       = errors.New("scan session not running")
	ErrDuplicateRunningSession = errors.New("drone already has a running scan session")
)
