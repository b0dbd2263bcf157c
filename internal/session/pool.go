package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/hourboost/internal/database"
)

// Pool holds at most one Manager per account for the life of the process.
type Pool struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	managers map[uint]*Manager
	removing map[uint]struct{}

	states  *stateTracker
	notices *noticeLog

	reconnMu     sync.Mutex
	reconnecting map[uint]context.CancelFunc

	// ctx bounds background work (recovery, reconnects) and is cancelled
	// by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(deps Deps) *Pool {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		deps:         deps,
		cfg:          deps.Config,
		logger:       deps.Logger.Named("session"),
		managers:     make(map[uint]*Manager),
		removing:     make(map[uint]struct{}),
		states:       newStateTracker(),
		notices:      newNoticeLog(),
		reconnecting: make(map[uint]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnStateChange registers a callback for every transition of every manager.
func (p *Pool) OnStateChange(cb StateChangeCallback) {
	p.states.onStateChange(cb)
}

func (p *Pool) get(id uint) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.managers[id]
}

// getOrCreate returns the account's manager, creating it if needed. The
// account and client are set up outside the lock; if two callers race, the
// first insert wins and the loser's client is closed.
func (p *Pool) getOrCreate(ctx context.Context, id uint) (*Manager, error) {
	p.mu.Lock()
	if _, ok := p.removing[id]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("account %d is being removed: %w", id, ErrNotTracked)
	}
	if m, ok := p.managers[id]; ok {
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	acct, err := p.deps.Store.GetAccount(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account %d: %w", id, err)
	}
	client, err := p.deps.Factory(acct.Handle)
	if err != nil {
		return nil, fmt.Errorf("create platform client for %s: %w", acct.Handle, err)
	}

	p.mu.Lock()
	if m, ok := p.managers[id]; ok {
		p.mu.Unlock()
		_ = client.Close()
		return m, nil
	}
	if _, ok := p.removing[id]; ok {
		p.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("account %d is being removed: %w", id, ErrNotTracked)
	}
	m := newManager(acct, client, p.deps, hooks{
		transition: p.states.record,
		notice:     p.notices.record,
		evict:      p.evict,
		dropped:    p.triggerReconnect,
	})
	p.managers[id] = m
	p.mu.Unlock()

	p.logger.Info("session tracked", zap.Uint("account_id", id), zap.String("handle", acct.Handle))
	return m, nil
}

// evict untracks a manager after a fatal error. It runs on the manager's
// own goroutine, so the manager is closed asynchronously.
func (p *Pool) evict(id uint) {
	p.cancelReconnect(id)
	p.mu.Lock()
	m := p.managers[id]
	delete(p.managers, id)
	p.mu.Unlock()
	if m == nil {
		return
	}
	p.logger.Info("session untracked after fatal error", zap.Uint("account_id", id))
	go func() {
		if err := m.Close(); err != nil {
			p.logger.Warn("closing evicted session", zap.Uint("account_id", id), zap.Error(err))
		}
	}()
}

func (p *Pool) Start(ctx context.Context, id uint) error {
	m, err := p.getOrCreate(ctx, id)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Stop stops a tracked session. For an untracked account it only clears
// the persisted running flag.
func (p *Pool) Stop(ctx context.Context, id uint) error {
	p.cancelReconnect(id)
	m := p.get(id)
	if m == nil {
		if err := p.deps.Store.SetRunning(ctx, id, false); err != nil {
			if database.IsNotFound(err) {
				return ErrAccountNotFound
			}
			return err
		}
		return nil
	}
	return m.Stop(ctx, false)
}

func (p *Pool) Restart(ctx context.Context, id uint) error {
	m := p.get(id)
	if m == nil {
		return ErrNotTracked
	}
	return m.Restart(ctx)
}

// RestartAll restarts every active session of ownerID, or of every owner
// when ownerID is zero. It returns how many restarts were issued.
func (p *Pool) RestartAll(ctx context.Context, ownerID uint) (int, error) {
	var errs []error
	restarted := 0
	for _, m := range p.snapshot() {
		if ownerID != 0 && m.ownerID != ownerID {
			continue
		}
		if m.State() != StateActive {
			continue
		}
		if err := m.Restart(ctx); err != nil {
			if !errors.Is(err, ErrNotConnected) {
				errs = append(errs, fmt.Errorf("restart account %d: %w", m.id, err))
			}
			continue
		}
		restarted++
	}
	return restarted, errors.Join(errs...)
}

// Remove stops and untracks the account, then deletes it from the store.
func (p *Pool) Remove(ctx context.Context, id uint) error {
	p.cancelReconnect(id)
	p.mu.Lock()
	if _, ok := p.removing[id]; ok {
		p.mu.Unlock()
		return fmt.Errorf("account %d is already being removed", id)
	}
	p.removing[id] = struct{}{}
	m := p.managers[id]
	delete(p.managers, id)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.removing, id)
		p.mu.Unlock()
	}()

	if m != nil {
		if err := m.Stop(ctx, true); err != nil {
			p.logger.Warn("stop before remove reported errors", zap.Uint("account_id", id), zap.Error(err))
		}
		if err := m.Close(); err != nil {
			p.logger.Warn("closing removed session", zap.Uint("account_id", id), zap.Error(err))
		}
	}
	p.states.remove(id)
	p.notices.remove(id)
	p.deps.Limiter.Reset(id)

	if err := p.deps.Store.DeleteAccount(ctx, id); err != nil {
		if database.IsNotFound(err) {
			return ErrAccountNotFound
		}
		return err
	}
	p.logger.Info("account removed", zap.Uint("account_id", id))
	return nil
}

func (p *Pool) SubmitCode(ctx context.Context, id uint, challengeID, code string) error {
	m := p.get(id)
	if m == nil {
		return ErrNotTracked
	}
	return m.SubmitCode(ctx, challengeID, code)
}

// State returns the account's state and whether it is tracked.
func (p *Pool) State(id uint) (State, bool) {
	m := p.get(id)
	if m == nil {
		return StateIdle, false
	}
	return m.State(), true
}

func (p *Pool) Status(id uint) (Status, bool) {
	m := p.get(id)
	if m == nil {
		return Status{}, false
	}
	return m.Status(), true
}

// List returns every tracked session ordered by account id.
func (p *Pool) List() []Status {
	managers := p.snapshot()
	out := make([]Status, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Status())
	}
	return out
}

func (p *Pool) ListOwner(ownerID uint) []Status {
	var out []Status
	for _, s := range p.List() {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) Transitions(id uint) []Transition {
	return p.states.transitions(id)
}

func (p *Pool) Notices(id uint) []Notice {
	return p.notices.notices(id)
}

// StateCounts returns how many tracked sessions are in each state.
func (p *Pool) StateCounts() map[string]int {
	counts := make(map[string]int, len(AllStates()))
	for _, s := range AllStates() {
		counts[s.String()] = 0
	}
	for _, m := range p.snapshot() {
		counts[m.State().String()]++
	}
	return counts
}

func (p *Pool) snapshot() []*Manager {
	p.mu.Lock()
	out := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		out = append(out, m)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Recover restarts every account whose running flag survived the last
// process, one every RecoveryStagger. It returns once the list is loaded;
// the logins happen in the background.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	accounts, err := p.deps.Store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running accounts: %w", err)
	}
	if len(accounts) == 0 {
		return 0, nil
	}
	p.logger.Info("recovering sessions", zap.Int("count", len(accounts)), zap.Duration("stagger", p.cfg.RecoveryStagger))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for i, acct := range accounts {
			if i > 0 && p.cfg.RecoveryStagger > 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.cfg.RecoveryStagger):
				}
			}
			if p.ctx.Err() != nil {
				return
			}
			p.recoverOne(acct)
		}
	}()
	return len(accounts), nil
}

func (p *Pool) recoverOne(acct database.Account) {
	if m := p.get(acct.ID); m != nil && m.State() != StateIdle {
		p.logger.Debug("skipping recovery of live session", zap.Uint("account_id", acct.ID))
		return
	}
	m, err := p.getOrCreate(p.ctx, acct.ID)
	if err != nil {
		p.logger.Warn("recovery failed", zap.Uint("account_id", acct.ID), zap.Error(err))
		return
	}
	if err := m.Resume(p.ctx); err != nil && !errors.Is(err, ErrAlreadyActive) && !errors.Is(err, ErrTransitionInProgress) {
		p.logger.Warn("recovery login failed", zap.Uint("account_id", acct.ID), zap.Error(err))
	}
}

// Shutdown suspends every session concurrently and closes the managers.
// Running flags are kept so Recover picks the sessions up again.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	p.cancelAllReconnects()
	p.wg.Wait()

	managers := p.snapshot()
	// One failing flush must not cancel the others.
	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			if err := m.Suspend(ctx); err != nil && !errors.Is(err, ErrClosed) {
				return fmt.Errorf("suspend account %d: %w", m.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.managers = make(map[uint]*Manager)
	p.mu.Unlock()
	for _, m := range managers {
		_ = m.Close()
	}
	p.logger.Info("session pool stopped", zap.Int("sessions", len(managers)))
	return err
}
