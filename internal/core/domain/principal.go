package domain

import "strconv"

type Role string

const (
	RoleDrone    Role = "drone"
	RoleOperator Role = "operator"
)

// Principal is the resolved owner of a connection. It never changes after
// the handshake.
type Principal struct {
	Role Role
	ID   int64
}

func DronePrincipal(id int64) Principal {
	return Principal{Role: RoleDrone, ID: id}
}

func OperatorPrincipal(id int64) Principal {
	return Principal{Role: RoleOperator, ID: id}
}

func (p Principal) IsDrone() bool {
	return p.Role == RoleDrone
}

func (p Principal) IsOperator() bool {
	return p.Role == RoleOperator
}

func (p Principal) String() string {
	return string(p.Role) + ":" + strconv.FormatInt(p.ID, 10)
}
