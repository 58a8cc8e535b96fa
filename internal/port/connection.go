package port

import "github.com/rl1809/drone-inventory/internal/core/domain"

// Connection is one accepted transport session. Send must not block on a
// slow peer; it fails instead.
type Connection interface {
	ID() string
	Send(frame any) error
	Close(reason string) error
}

type PrincipalResolver interface {
	// Resolve fails with an error wrapping domain.ErrUnauthorized
	Resolve(credential string) (domain.Principal, error)
}
