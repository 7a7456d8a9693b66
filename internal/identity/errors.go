package identity

import (
	"errors"
	"fmt"
)

// Expected outcomes are sentinel errors matched with errors.Is; anything
// else bubbling out of the store is an internal fault.
var (
	ErrUnauthorized      = errors.New("identity: unauthorized")
	ErrForbidden         = errors.New("identity: forbidden")
	ErrNotFound          = errors.New("identity: not found")
	ErrInvalidState      = errors.New("identity: invalid state transition")
	ErrExpired           = errors.New("identity: expired")
	ErrAlreadyExists     = errors.New("identity: already exists")
	ErrInvalidCredential = errors.New("identity: invalid credential")
	ErrLastOwner         = errors.New("identity: organization would lose its last owner")
	ErrInvalidInput      = errors.New("identity: invalid input")
)

// banError rejects a banned account, surfacing the recorded reason so the
// sign-in response can show it.
func banError(u *User) error {
	if u.BanReason == "" {
		return fmt.Errorf("%w: account is banned", ErrForbidden)
	}
	return fmt.Errorf("%w: account is banned: %s", ErrForbidden, u.BanReason)
}
