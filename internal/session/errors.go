package session

import (
	"errors"
	"fmt"

	"github.com/gluk-w/hourboost/internal/platform"
)

var (
	ErrAlreadyActive        = errors.New("session already active")
	ErrTransitionInProgress = errors.New("session transition in progress")
	ErrNotConnected         = errors.New("session not connected")
	ErrNoPendingChallenge   = errors.New("no second-factor challenge pending")
	ErrNotTracked           = errors.New("account not tracked")
	ErrAccountNotFound      = errors.New("account not found")
	ErrClosed               = errors.New("session manager closed")
	ErrChallengeTimeout     = errors.New("login timed out")
	ErrConnectionLost       = errors.New("connection lost")
)

// AuthError is a failed handshake. The session returns to idle.
type AuthError struct {
	Code platform.ResultCode
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InvalidCodeError is a rejected second-factor code. The challenge stays open.
type InvalidCodeError struct {
	Code platform.ResultCode
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("second-factor code rejected: %s", e.Code)
}

// PlatformError is a classified error reported on a live session.
type PlatformError struct {
	Code     platform.ResultCode
	Decision Decision
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error %s: %s", e.Code, e.Decision.Action)
}
