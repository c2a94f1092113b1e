// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen = 36
	MaxNameLen   = 36
)

var (
	ErrNameTooLong   = errors.New("name too long")
	ErrNameEmpty     = errors.New("name empty")
	ErrUserIDEmpty   = errors.New("userId empty")
	ErrUserIDTooLong = errors.New("userId too long")
	ErrBadRole       = errors.New("role must be user or agent")
)

type UserID string

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAgent }

// Identity is what a signaling connection authenticates as.
// The socket binding lives in the registries, not here.
type Identity struct {
	UserID UserID `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// NewIdentity validates raw token fields into an Identity.
func NewIdentity(userID, name string, role Role) (Identity, error) {
	switch {
	case userID == "":
		return Identity{}, ErrUserIDEmpty
	case len(userID) > MaxUserIDLen:
		return Identity{}, ErrUserIDTooLong
	case name == "":
		return Identity{}, ErrNameEmpty
	case len(name) > MaxNameLen:
		return Identity{}, ErrNameTooLong
	case !role.Valid():
		return Identity{}, ErrBadRole
	}
	return Identity{UserID: UserID(userID), Name: name, Role: role}, nil
}

func (i Identity) IsAgent() bool { return i.Role == RoleAgent }
