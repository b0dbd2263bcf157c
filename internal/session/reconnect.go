// reconnect.go brings dropped sessions back when the reconnect policy is
// "on-drop". Attempts back off exponentially (1s → 2s → 4s → 8s → 16s cap)
// and give up when the session needs an operator: a fault, a parked
// challenge, or an explicit stop.

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Package-level so tests can shorten them.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
	reconnectDefaultRetries = 10
	settlePollInterval      = 100 * time.Millisecond
)

var errNeedsOperator = errors.New("session needs operator action")

// triggerReconnect starts a background reconnect. Only one runs per account;
// duplicates are dropped.
func (p *Pool) triggerReconnect(id uint) {
	p.reconnMu.Lock()
	if p.ctx.Err() != nil {
		p.reconnMu.Unlock()
		return
	}
	if _, inProgress := p.reconnecting[id]; inProgress {
		p.reconnMu.Unlock()
		p.logger.Debug("reconnect already in progress", zap.Uint("account_id", id))
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.reconnecting[id] = cancel
	p.reconnMu.Unlock()

	go func() {
		defer func() {
			p.reconnMu.Lock()
			delete(p.reconnecting, id)
			p.reconnMu.Unlock()
			cancel()
		}()
		if err := p.reconnectWithBackoff(ctx, id, reconnectDefaultRetries); err != nil {
			p.logger.Warn("reconnect gave up", zap.Uint("account_id", id), zap.Error(err))
		}
	}()
}

func (p *Pool) reconnectWithBackoff(ctx context.Context, id uint, maxRetries int) error {
	backoff := reconnectInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}

		m := p.get(id)
		if m == nil {
			return ErrNotTracked
		}
		switch m.State() {
		case StateActive:
			return nil
		case StateFaulted, StateChallengeRequired:
			return errNeedsOperator
		}

		p.deps.Metrics.ObserveReconnectAttempt()
		p.logger.Info("reconnect attempt", zap.Uint("account_id", id), zap.Int("attempt", attempt), zap.Int("max", maxRetries))

		err := m.Resume(ctx)
		if err == nil || errors.Is(err, ErrTransitionInProgress) {
			var st State
			st, err = p.waitSettled(ctx, m)
			switch st {
			case StateActive:
				p.logger.Info("reconnected", zap.Uint("account_id", id), zap.Int("attempts", attempt))
				return nil
			case StateFaulted, StateChallengeRequired:
				return errNeedsOperator
			}
		}
		if errors.Is(err, ErrAlreadyActive) {
			return nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrAccountNotFound) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("reconnect account %d failed after %d attempts: %w", id, maxRetries, lastErr)
}

// waitSettled polls until the manager leaves the login states or needs a
// code.
func (p *Pool) waitSettled(ctx context.Context, m *Manager) (State, error) {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		st := m.State()
		if st.settled() || st == StateChallengeRequired {
			if st == StateActive || st == StateChallengeRequired {
				return st, nil
			}
			return st, fmt.Errorf("session settled in %s", st)
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) cancelReconnect(id uint) {
	p.reconnMu.Lock()
	defer p.reconnMu.Unlock()
	if cancel, ok := p.reconnecting[id]; ok {
		cancel()
		delete(p.reconnecting, id)
	}
}

func (p *Pool) cancelAllReconnects() {
	p.reconnMu.Lock()
	defer p.reconnMu.Unlock()
	for id, cancel := range p.reconnecting {
		cancel()
		delete(p.reconnecting, id)
	}
}
