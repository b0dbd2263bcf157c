// Package platform defines the contract between the session core and a client
// for the external always-on platform.
//
// A Client is long-lived: one per tracked account, reused across connects.
// Handshake results are reported asynchronously on Events(). Disconnect on a
// connected client is acknowledged with an EventDisconnected; a fatal
// EventError closes the connection without a separate disconnect event.
package platform

import (
	"context"
	"fmt"
	"time"
)

// Presence is the visibility applied after logon.
type Presence int

const (
	PresenceInvisible Presence = iota
	PresenceOnline
)

func (p Presence) String() string {
	if p == PresenceOnline {
		return "online"
	}
	return "invisible"
}

// PresenceFor maps the stored boolean preference.
func PresenceFor(online bool) Presence {
	if online {
		return PresenceOnline
	}
	return PresenceInvisible
}

// ChallengeType identifies which second factor the platform wants.
type ChallengeType int

const (
	ChallengeUnknown ChallengeType = iota
	// ChallengeEmailCode is a code mailed to the account's address.
	ChallengeEmailCode
	// ChallengeDeviceCode is a time-based code from the mobile authenticator,
	// derivable from the shared secret.
	ChallengeDeviceCode
)

func (c ChallengeType) String() string {
	switch c {
	case ChallengeEmailCode:
		return "email_code"
	case ChallengeDeviceCode:
		return "device_code"
	default:
		return "unknown"
	}
}

// Credentials for Connect. Exactly one of Password or Token is used; Token
// wins when both are set.
type Credentials struct {
	Handle      string
	Password    string
	Token       string
	MachineName string
}

type EventKind int

const (
	EventAuthenticated EventKind = iota + 1
	EventChallengeRequired
	EventError
	EventDisconnected
	// EventPlayingBlocked reports that a declared resource is in use by
	// another session of the same identity.
	EventPlayingBlocked
)

func (k EventKind) String() string {
	switch k {
	case EventAuthenticated:
		return "authenticated"
	case EventChallengeRequired:
		return "challenge_required"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	case EventPlayingBlocked:
		return "playing_blocked"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind EventKind

	// Authenticated
	Identity string
	// Token is set when the platform issued a new session token during this
	// handshake. Empty when an existing token was reused.
	Token          string
	TokenExpiresAt time.Time

	// ChallengeRequired
	Challenge ChallengeType
	Detail    string

	// Error
	Code    ResultCode
	Message string

	// PlayingBlocked
	AppID uint32
}

// Client is one account's connection to the platform.
type Client interface {
	Connect(ctx context.Context, creds Credentials) error
	SubmitSecondFactor(ctx context.Context, code string) error
	DeclareActiveResources(ctx context.Context, appIDs []uint32) error
	SetPresence(ctx context.Context, p Presence) error
	Disconnect(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// Factory creates a client for an account handle.
type Factory func(handle string) (Client, error)
