package session

import "github.com/gluk-w/hourboost/internal/platform"

// Action is the recovery applied to a platform error on a live session.
type Action int

const (
	// ActionSoftStop stops the session and keeps the cached token; the
	// account stays tracked and can be started again.
	ActionSoftStop Action = iota
	// ActionFatalStop clears the cached token, stops the session and
	// untracks it. The account stays persisted but needs a full handshake.
	ActionFatalStop
	// ActionFatalStopNotifyOnly stops the session and leaves it tracked in
	// StateFaulted until an operator starts it.
	ActionFatalStopNotifyOnly
	// ActionChallenge re-enters authentication with full credentials to
	// obtain a fresh second factor.
	ActionChallenge
)

func (a Action) String() string {
	switch a {
	case ActionSoftStop:
		return "soft_stop"
	case ActionFatalStop:
		return "fatal_stop"
	case ActionFatalStopNotifyOnly:
		return "fatal_stop_notify_only"
	case ActionChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// Decision is the classifier's output for one result code.
type Decision struct {
	Action          Action
	InvalidateToken bool
	// Known is false for codes the table does not list.
	Known bool
	// Notice is the owner-facing description.
	Notice string
}

var classification = map[platform.ResultCode]Decision{
	platform.ResultInvalidPassword: {
		Action: ActionFatalStop, InvalidateToken: true,
		Notice: "ERROR: Invalid password! Boost stopped, update the password and add the account again.",
	},
	platform.ResultAccountHasBeenDeleted: {
		Action: ActionFatalStop, InvalidateToken: true,
		Notice: "ERROR: Account has been deleted! Boost stopped.",
	},
	platform.ResultLoggedInElsewhere: {
		Action: ActionFatalStopNotifyOnly,
		Notice: "ERROR: Logged in elsewhere! Boost stopped, start it again when the account is free.",
	},
	platform.ResultLogonSessionReplaced: {
		Action: ActionFatalStopNotifyOnly,
		Notice: "ERROR: Logon session replaced! Boost stopped, start it again when the account is free.",
	},
	platform.ResultAccountLogonDenied: {
		Action: ActionChallenge, InvalidateToken: true,
		Notice: "Second factor required, logging in again with credentials.",
	},
	platform.ResultAccessDenied: {
		Action: ActionChallenge, InvalidateToken: true,
		Notice: "Session token rejected, logging in again with credentials.",
	},
	platform.ResultExpired: {
		Action: ActionChallenge, InvalidateToken: true,
		Notice: "Session token expired, logging in again with credentials.",
	},
	platform.ResultServiceUnavailable: {Action: ActionSoftStop, Notice: "Platform unavailable, boost stopped."},
	platform.ResultTimeout:            {Action: ActionSoftStop, Notice: "Platform timed out, boost stopped."},
	platform.ResultNoConnection:       {Action: ActionSoftStop, Notice: "Connection to the platform lost, boost stopped."},
	platform.ResultTryAnotherCM:       {Action: ActionSoftStop, Notice: "Platform asked to reconnect elsewhere, boost stopped."},
	platform.ResultBusy:               {Action: ActionSoftStop, Notice: "Platform busy, boost stopped."},
	platform.ResultRateLimitExceeded:  {Action: ActionSoftStop, Notice: "Platform rate limit hit, boost stopped. Wait before starting again."},
}

// Classify maps a result code to its recovery decision. It is total: codes
// outside the table stop softly and drop the cached token.
func Classify(code platform.ResultCode) Decision {
	if d, ok := classification[code]; ok {
		d.Known = true
		return d
	}
	return Decision{
		Action:          ActionSoftStop,
		InvalidateToken: true,
		Notice:          "ERROR: Unhandled platform error (" + code.String() + "), boost stopped. Start it again to retry.",
	}
}

// badCode reports whether a second-factor submission failed only because the
// code was wrong, which leaves the challenge open.
func badCode(code platform.ResultCode) bool {
	return code == platform.ResultInvalidLoginAuthCode || code == platform.ResultTwoFactorCodeMismatch
}
