package client

import (
	"errors"
	"fmt"
)

var ErrNotConnected = errors.New("relay connection is not open")

// SessionInUseError is returned by Connect when the manager already holds a
// session for a different user. Disconnect first to switch users.
type SessionInUseError struct {
	CurrentUserId   string
	RequestedUserId string
}

func (e *SessionInUseError) Error() string {
	return fmt.Sprintf("Connection manager already in use by user %s (requested %s)", e.CurrentUserId, e.RequestedUserId)
}
