// state.go tracks session states and keeps a short transition history per
// account.
//
// Every transition a Manager makes is recorded here (50 entries per account)
// and fanned out to registered callbacks, which feed the dashboard stream and
// the metrics gauges.

package session

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of one account's session.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateChallengeRequired
	StateActive
	StateLoggingOut
	StateDisconnected
	// StateFaulted is a session stopped by a platform error that needs an
	// operator start. Faulted sessions are never restarted automatically.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateChallengeRequired:
		return "challenge_required"
	case StateActive:
		return "active"
	case StateLoggingOut:
		return "logging_out"
	case StateDisconnected:
		return "disconnected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range AllStates() {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// authenticating reports whether a handshake is in flight.
func (s State) authenticating() bool {
	return s == StateAuthenticating || s == StateChallengeRequired
}

// settled reports whether no transition is in flight.
func (s State) settled() bool {
	switch s {
	case StateIdle, StateActive, StateDisconnected, StateFaulted:
		return true
	}
	return false
}

// AllStates lists every state, for gauges.
func AllStates() []State {
	return []State{StateIdle, StateAuthenticating, StateChallengeRequired, StateActive, StateLoggingOut, StateDisconnected, StateFaulted}
}

const transitionBufferSize = 50

type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called after every transition. Callbacks run on the
// manager's goroutine and must not block.
type StateChangeCallback func(accountID uint, t Transition)

type stateEntry struct {
	transitions [transitionBufferSize]Transition
	head        int
	count       int
}

func (e *stateEntry) record(t Transition) {
	e.transitions[e.head] = t
	e.head = (e.head + 1) % transitionBufferSize
	if e.count < transitionBufferSize {
		e.count++
	}
}

func (e *stateEntry) history() []Transition {
	if e.count == 0 {
		return nil
	}
	result := make([]Transition, e.count)
	if e.count < transitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	entries   map[uint]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{entries: make(map[uint]*stateEntry)}
}

func (st *stateTracker) record(accountID uint, t Transition) {
	st.mu.Lock()
	entry, ok := st.entries[accountID]
	if !ok {
		entry = &stateEntry{}
		st.entries[accountID] = entry
	}
	entry.record(t)
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(accountID, t)
	}
}

func (st *stateTracker) transitions(accountID uint) []Transition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.entries[accountID]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(accountID uint) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.entries, accountID)
}
