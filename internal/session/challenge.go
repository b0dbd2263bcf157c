package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/hourboost/internal/platform"
)

// Challenge is a parked second-factor request. It is owned by the manager
// goroutine; callers only ever see ChallengeInfo copies.
type Challenge struct {
	ID       string
	Type     platform.ChallengeType
	Detail   string
	Deadline time.Time
	// Warning is set when an automatically generated code was rejected.
	Warning string

	// pending is cleared when the challenge is resolved or superseded by a
	// stop. Late submissions against a non-pending challenge are ignored.
	pending bool
	resolve func(ctx context.Context, code string) error
}

type ChallengeInfo struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Detail   string    `json:"detail,omitempty"`
	Deadline time.Time `json:"deadline"`
	Warning  string    `json:"warning,omitempty"`
}

func (c *Challenge) info() *ChallengeInfo {
	if c == nil || !c.pending {
		return nil
	}
	return &ChallengeInfo{
		ID:       c.ID,
		Type:     c.Type.String(),
		Detail:   c.Detail,
		Deadline: c.Deadline,
		Warning:  c.Warning,
	}
}

func (c *Challenge) prompt(timeout time.Duration) string {
	var msg string
	switch c.Type {
	case platform.ChallengeEmailCode:
		msg = "Enter the code sent to your email"
		if c.Detail != "" {
			msg += " (" + c.Detail + ")"
		}
	case platform.ChallengeDeviceCode:
		msg = "Enter the code from your mobile authenticator"
	default:
		msg = "Enter the second-factor code"
	}
	msg += fmt.Sprintf(" within %s.", timeout.Round(time.Second))
	if c.Warning != "" {
		msg += " " + c.Warning
	}
	return msg
}
