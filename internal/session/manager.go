// Package session runs one platform session per account.
//
// A Manager is a small actor: every public call and every client event is
// handled on the manager's own goroutine, so per-account state needs no
// locks. Readers get a copy of the latest Status through an atomic pointer.
//
// The Pool owns the id→Manager map and is the only entry point used by the
// command and HTTP layers.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/config"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/guard"
	"github.com/gluk-w/hourboost/internal/metrics"
	"github.com/gluk-w/hourboost/internal/platform"
)

// Store is the persistence the session core needs.
type Store interface {
	UsageSink
	GetAccount(ctx context.Context, id uint) (*database.Account, error)
	ListRunning(ctx context.Context) ([]database.Account, error)
	DeleteAccount(ctx context.Context, id uint) error
	SetRunning(ctx context.Context, id uint, running bool) error
	SetToken(ctx context.Context, id uint, ciphertext string, expiresAt *time.Time) error
	SetIdentity(ctx context.Context, id uint, identity string) error
}

// Codec encrypts the secrets stored with an account.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Notifier delivers owner messages. It must not block.
type Notifier interface {
	Notify(ownerID, accountID uint, text string)
}

// Deps are the collaborators shared by every manager in a pool.
type Deps struct {
	Store    Store
	Codec    Codec
	Factory  platform.Factory
	Notifier Notifier
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Config   Config
}

func (d Deps) withDefaults() Deps {
	d.Config = d.Config.withDefaults()
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(d.Config.LoginsPerMinute, d.Logger)
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return d
}

type nopNotifier struct{}

func (nopNotifier) Notify(uint, uint, string) {}

// hooks let the pool observe a manager without the manager knowing the pool.
// They run on the manager goroutine and must not call back into it.
type hooks struct {
	transition func(accountID uint, t Transition)
	notice     func(n Notice)
	evict      func(accountID uint)
	dropped    func(accountID uint)
}

// Status is a point-in-time view of one session.
type Status struct {
	AccountID    uint           `json:"account_id"`
	OwnerID      uint           `json:"owner_id"`
	Handle       string         `json:"handle"`
	State        State          `json:"state"`
	Since        time.Time      `json:"since"`
	Identity     string         `json:"identity,omitempty"`
	ActiveSince  *time.Time     `json:"active_since,omitempty"`
	Resources    []uint32       `json:"resources"`
	PendingHours float64        `json:"pending_hours"`
	Challenge    *ChallengeInfo `json:"challenge,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Removing     bool           `json:"removing,omitempty"`
}

// Manager drives one account's session.
type Manager struct {
	id      uint
	ownerID uint
	client  platform.Client
	meter   *UsageMeter
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	hooks   hooks

	inbox     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	snap atomic.Pointer[Status]

	// Owned by the manager goroutine.
	state            State
	since            time.Time
	account          *database.Account
	usingToken       bool
	gen              uint64
	timer            *time.Timer
	challenge        *Challenge
	expectDisconnect bool
	removeRequested  bool
	restartPending   bool
	activeSince      time.Time
	resources        []uint32
	lastErr          error
}

func newManager(acct *database.Account, client platform.Client, deps Deps, h hooks) *Manager {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With(zap.Uint("account_id", acct.ID), zap.String("handle", acct.Handle))
	m := &Manager{
		id:       acct.ID,
		ownerID:  acct.OwnerID,
		client:   client,
		meter:    NewUsageMeter(acct.ID, deps.Store, deps.Config, logger, deps.Metrics),
		deps:     deps,
		cfg:      deps.Config,
		logger:   logger,
		hooks:    h,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		since:    deps.Config.Now(),
		account:  acct,
	}
	m.publish()
	go m.run()
	return m
}

func (m *Manager) ID() uint { return m.id }

// State returns the current state without waiting for the manager goroutine.
func (m *Manager) State() State {
	return m.snap.Load().State
}

func (m *Manager) Status() Status {
	s := *m.snap.Load()
	s.PendingHours = m.meter.Pending().Hours()
	return s
}

// Start logs in, reusing the cached token when it has not expired.
func (m *Manager) Start(ctx context.Context) error {
	return m.call(ctx, func() error { return m.start(ctx, false) })
}

// Resume is Start for automatic restarts. Only the owner message differs.
func (m *Manager) Resume(ctx context.Context) error {
	return m.call(ctx, func() error { return m.start(ctx, true) })
}

// Stop logs off. It is idempotent. Usage is flushed before the session is
// declared logged off, and the persisted running flag is cleared whether or
// not the platform confirms the disconnect. Flush and persistence errors
// are returned after the session has been stopped anyway.
func (m *Manager) Stop(ctx context.Context, remove bool) error {
	return m.call(ctx, func() error { return m.stop(ctx, remove) })
}

// Restart logs off and back on, keeping the account's configuration. Only
// an active session can be restarted.
func (m *Manager) Restart(ctx context.Context) error {
	return m.call(ctx, func() error { return m.restart(ctx) })
}

// SubmitCode resolves the parked challenge. An empty challengeID matches the
// current challenge. Codes for a superseded or already resolved challenge
// are dropped without error.
func (m *Manager) SubmitCode(ctx context.Context, challengeID, code string) error {
	return m.call(ctx, func() error { return m.submitCode(ctx, challengeID, code) })
}

// Suspend flushes and disconnects for process shutdown. The persisted
// running flag is kept so the session is recovered on the next start.
func (m *Manager) Suspend(ctx context.Context) error {
	return m.call(ctx, func() error { return m.suspend(ctx) })
}

// Close stops the manager goroutine and releases the client. It does not
// flush; call Stop or Suspend first.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.loopDone
		m.cancel()
		m.stopTimer()
		m.meter.Deactivate()
		m.closeErr = m.client.Close()
	})
	return m.closeErr
}

func (m *Manager) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- func() { reply <- fn() }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.loopDone:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it. Used by timers.
func (m *Manager) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)

	events := m.client.Events()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleEvent(ev)
		case fn := <-m.inbox:
			// Events already delivered by the client happened before the
			// call was made, so they are handled first.
			events = m.drain(events)
			fn()
		}
	}
}

func (m *Manager) drain(events <-chan platform.Event) <-chan platform.Event {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(ev)
		default:
			return events
		}
	}
}

func (m *Manager) handleEvent(ev platform.Event) {
	m.logger.Debug("platform event", zap.Stringer("kind", ev.Kind), zap.Stringer("state", m.state))
	switch ev.Kind {
	case platform.EventAuthenticated:
		m.onAuthenticated(ev)
	case platform.EventChallengeRequired:
		m.onChallenge(ev)
	case platform.EventError:
		m.onError(ev.Code, ev.Message)
	case platform.EventDisconnected:
		m.onDisconnected()
	case platform.EventPlayingBlocked:
		if m.state == StateActive {
			m.notify(fmt.Sprintf("App %d is in use by another session, its hours may not count.", ev.AppID))
		}
	}
}

// setState records a transition and sends its owner message. A call with
// the current state only sends the message.
func (m *Manager) setState(to State, msg string) {
	from := m.state
	if from != to {
		m.state = to
		m.since = m.cfg.Now()
		m.publish()
		m.logger.Info("session state changed", zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", msg))
		if m.hooks.transition != nil {
			m.hooks.transition(m.id, Transition{From: from, To: to, Timestamp: m.since, Reason: msg})
		}
	}
	if msg != "" {
		m.notify(msg)
	}
}

func (m *Manager) notify(msg string) {
	text := fmt.Sprintf("**%s** | %s", m.account.Handle, msg)
	m.deps.Notifier.Notify(m.ownerID, m.id, text)
	if m.hooks.notice != nil {
		m.hooks.notice(Notice{AccountID: m.id, Text: text, Timestamp: m.cfg.Now()})
	}
}

func (m *Manager) publish() {
	s := &Status{
		AccountID: m.id,
		OwnerID:   m.ownerID,
		Handle:    m.account.Handle,
		State:     m.state,
		Since:     m.since,
		Identity:  m.account.Identity,
		Resources: append([]uint32(nil), m.resources...),
		Challenge: m.challenge.info(),
		Removing:  m.removeRequested,
	}
	if m.state == StateActive && !m.activeSince.IsZero() {
		t := m.activeSince
		s.ActiveSince = &t
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.snap.Store(s)
}

func (m *Manager) start(ctx context.Context, resume bool) error {
	switch m.state {
	case StateActive:
		return ErrAlreadyActive
	case StateAuthenticating, StateChallengeRequired, StateLoggingOut:
		return ErrTransitionInProgress
	}
	return m.begin(ctx, resume, false)
}

// begin opens a handshake. forcePassword skips the cached token.
func (m *Manager) begin(ctx context.Context, resume, forcePassword bool) error {
	if err := m.deps.Limiter.Allow(m.id); err != nil {
		return err
	}
	acct, err := m.deps.Store.GetAccount(ctx, m.id)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("load account %d: %w", m.id, err)
	}
	m.account = acct

	creds := platform.Credentials{
		Handle:      acct.Handle,
		MachineName: fmt.Sprintf("%s-%d", m.cfg.MachineNamePrefix, acct.OwnerID),
	}
	m.usingToken = false
	if !forcePassword && tokenUsable(acct, m.cfg.Now()) {
		tok, err := m.deps.Codec.Decrypt(acct.RefreshToken)
		if err == nil && tok != "" {
			creds.Token = tok
			m.usingToken = true
		} else {
			m.logger.Warn("cached token unreadable, using password", zap.Error(err))
		}
	}
	if !m.usingToken {
		pw, err := m.deps.Codec.Decrypt(acct.Password)
		if err != nil {
			return fmt.Errorf("decrypt password for account %d: %w", m.id, err)
		}
		creds.Password = pw
	}

	m.challenge = nil
	m.expectDisconnect = false
	m.removeRequested = false
	m.lastErr = nil
	m.gen++

	msg := "Getting new session token..."
	switch {
	case resume:
		msg = "Automatically restarting..."
	case m.usingToken:
		msg = "Logging in using cached token..."
	}
	m.setState(StateAuthenticating, msg)
	m.armTimer(m.gen)

	if err := m.client.Connect(ctx, creds); err != nil {
		m.stopTimer()
		m.deps.Limiter.RecordFailure(m.id)
		m.deps.Metrics.ObserveLogin("failure")
		m.lastErr = &AuthError{Code: platform.CodeOf(err), Err: err}
		m.setState(StateIdle, "Login failed: "+err.Error())
		return m.lastErr
	}
	return nil
}

func tokenUsable(acct *database.Account, now time.Time) bool {
	return acct.RefreshToken != "" && acct.TokenExpiresAt != nil && now.Before(*acct.TokenExpiresAt)
}

func (m *Manager) armTimer(gen uint64) {
	m.stopTimer()
	m.timer = time.AfterFunc(m.cfg.ChallengeTimeout, func() {
		m.post(func() { m.onTimeout(gen) })
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// supersede marks the parked challenge dead without removing it, so late
// codes are recognised and dropped.
func (m *Manager) supersede() {
	if m.challenge != nil && m.challenge.pending {
		m.challenge.pending = false
		m.publish()
	}
}

func (m *Manager) onTimeout(gen uint64) {
	if gen != m.gen || !m.state.authenticating() {
		if m.challenge != nil && !m.challenge.pending {
			m.challenge = nil
		}
		return
	}
	m.timer = nil
	m.supersede()
	m.challenge = nil
	m.expectDisconnect = true
	if err := m.client.Disconnect(m.ctx); err != nil {
		m.logger.Warn("disconnect after login timeout failed", zap.Error(err))
	}
	m.persistRunningBestEffort(false)
	m.deps.Limiter.RecordFailure(m.id)
	m.deps.Metrics.ObserveLogin("timeout")
	m.lastErr = ErrChallengeTimeout
	m.setState(StateIdle, "Login timed out, start the boost again to retry.")
}

func (m *Manager) onChallenge(ev platform.Event) {
	if !m.state.authenticating() {
		m.logger.Info("ignoring challenge outside login")
		return
	}
	m.supersede()
	client := m.client
	ch := &Challenge{
		ID:       uuid.NewString(),
		Type:     ev.Challenge,
		Detail:   ev.Detail,
		Deadline: m.cfg.Now().Add(m.cfg.ChallengeTimeout),
		pending:  true,
		resolve:  client.SubmitSecondFactor,
	}

	if ev.Challenge == platform.ChallengeDeviceCode && m.account.HasSharedSecret() {
		code, err := m.generateCode()
		switch {
		case err != nil:
			m.logger.Warn("cannot generate device code", zap.Error(err))
			ch.Warning = "The stored shared secret is unusable."
		default:
			err = client.SubmitSecondFactor(m.ctx, code)
			if err == nil {
				m.logger.Info("submitted generated device code")
				m.armTimer(m.gen)
				return
			}
			if rc := platform.CodeOf(err); !badCode(rc) {
				m.authFailed(rc, err)
				return
			}
			ch.Warning = "The generated code was rejected, check the shared secret."
		}
	}

	m.challenge = ch
	m.armTimer(m.gen)
	m.publish()
	m.setState(StateChallengeRequired, ch.prompt(m.cfg.ChallengeTimeout))
}

func (m *Manager) generateCode() (string, error) {
	seed, err := m.deps.Codec.Decrypt(m.account.SharedSecret)
	if err != nil {
		return "", err
	}
	return guard.Code(seed, m.cfg.Now())
}

func (m *Manager) submitCode(ctx context.Context, challengeID, code string) error {
	ch := m.challenge
	if ch == nil {
		return ErrNoPendingChallenge
	}
	if !ch.pending || m.state != StateChallengeRequired || (challengeID != "" && challengeID != ch.ID) {
		m.logger.Info("dropping code for superseded challenge", zap.String("challenge_id", challengeID))
		return nil
	}
	if err := ch.resolve(ctx, code); err != nil {
		rc := platform.CodeOf(err)
		if badCode(rc) {
			m.notify("Invalid code, try again.")
			return &InvalidCodeError{Code: rc}
		}
		m.authFailed(rc, err)
		return m.lastErr
	}
	ch.pending = false
	m.challenge = nil
	m.setState(StateAuthenticating, "Code accepted, logging in...")
	return nil
}

func (m *Manager) onAuthenticated(ev platform.Event) {
	if !m.state.authenticating() {
		m.logger.Info("ignoring superseded logon")
		m.expectDisconnect = true
		_ = m.client.Disconnect(m.ctx)
		return
	}
	ctx := m.ctx
	client := m.client
	m.stopTimer()
	m.supersede()
	m.challenge = nil

	if ev.Token != "" {
		m.storeToken(ctx, ev.Token, ev.TokenExpiresAt)
	}
	if ev.Identity != "" && ev.Identity != m.account.Identity {
		if err := m.deps.Store.SetIdentity(ctx, m.id, ev.Identity); err != nil {
			m.logger.Warn("failed to store identity", zap.Error(err))
		}
		m.account.Identity = ev.Identity
	}

	resources := m.account.ResourceIDs()
	rand.Shuffle(len(resources), func(i, j int) { resources[i], resources[j] = resources[j], resources[i] })
	m.resources = resources
	m.meter.Activate(resources)

	if err := client.SetPresence(ctx, platform.PresenceFor(m.account.Online)); err != nil {
		m.logger.Warn("failed to set presence", zap.Error(err))
	}
	if err := client.DeclareActiveResources(ctx, resources); err != nil {
		m.logger.Warn("failed to declare resources", zap.Error(err))
	}

	if err := m.persistRunning(ctx, true); err != nil {
		m.flush(ctx)
		m.meter.Deactivate()
		m.resources = nil
		m.expectDisconnect = true
		_ = client.Disconnect(ctx)
		m.deps.Metrics.ObserveLogin("failure")
		m.lastErr = err
		m.setState(StateIdle, "Login failed: session state could not be saved.")
		return
	}

	m.deps.Limiter.RecordSuccess(m.id)
	m.deps.Metrics.ObserveLogin("success")
	m.activeSince = m.cfg.Now()
	name := m.account.Identity
	if name == "" {
		name = m.account.Handle
	}
	m.setState(StateActive, loggedOnMessage(name, resources))
}

// loggedOnMessage names the identity and the resources now being played.
func loggedOnMessage(name string, resources []uint32) string {
	msg := "Successfully logged on as " + name + "."
	if len(resources) == 0 {
		return msg
	}
	ids := make([]string, len(resources))
	for i, id := range resources {
		ids[i] = "`" + strconv.FormatUint(uint64(id), 10) + "`"
	}
	return msg + " Started playing " + strings.Join(ids, ", ") + "."
}

func (m *Manager) storeToken(ctx context.Context, token string, expiresAt time.Time) {
	enc, err := m.deps.Codec.Encrypt(token)
	if err != nil {
		m.logger.Warn("failed to encrypt session token", zap.Error(err))
		return
	}
	var exp *time.Time
	if !expiresAt.IsZero() {
		exp = &expiresAt
	}
	if err := m.deps.Store.SetToken(ctx, m.id, enc, exp); err != nil {
		m.logger.Warn("failed to store session token", zap.Error(err))
		return
	}
	m.account.RefreshToken = enc
	m.account.TokenExpiresAt = exp
}

func (m *Manager) clearToken(ctx context.Context) {
	if err := m.deps.Store.SetToken(ctx, m.id, "", nil); err != nil {
		m.logger.Warn("failed to clear session token", zap.Error(err))
	}
	m.account.RefreshToken = ""
	m.account.TokenExpiresAt = nil
}

// authFailed handles an error raised before the session became active.
func (m *Manager) authFailed(code platform.ResultCode, err error) {
	m.stopTimer()
	m.supersede()
	m.challenge = nil
	d := Classify(code)
	m.deps.Metrics.ObservePlatformError(code.String(), "auth")
	m.logger.Warn("login failed", zap.Stringer("code", code), zap.Bool("token", m.usingToken), zap.Error(err))

	if m.usingToken && (d.Action == ActionChallenge || d.InvalidateToken) {
		m.clearToken(m.ctx)
		if d.Action == ActionChallenge {
			m.notify(d.Notice)
			err := m.begin(m.ctx, false, true)
			if err != nil && m.state.authenticating() {
				m.lastErr = err
				m.setState(StateIdle, "Login failed: "+err.Error())
			}
			return
		}
	}

	m.persistRunningBestEffort(false)
	m.deps.Limiter.RecordFailure(m.id)
	m.deps.Metrics.ObserveLogin("failure")
	m.lastErr = &AuthError{Code: code, Err: err}
	m.setState(StateIdle, "Login failed: "+d.Notice)
}

func (m *Manager) onError(code platform.ResultCode, message string) {
	if m.state.authenticating() {
		m.authFailed(code, &platform.ResultError{Code: code, Message: message})
		return
	}
	if m.state != StateActive && m.state != StateLoggingOut {
		m.logger.Info("ignoring platform error on settled session", zap.Stringer("code", code))
		return
	}

	d := Classify(code)
	m.deps.Metrics.ObservePlatformError(code.String(), d.Action.String())
	m.logger.Warn("platform error", zap.Stringer("code", code), zap.Stringer("action", d.Action), zap.Bool("known", d.Known))

	ctx := m.ctx
	wasActive := m.state == StateActive
	m.stopTimer()
	m.supersede()
	m.restartPending = false
	m.flush(ctx)
	m.meter.Deactivate()
	m.resources = nil
	if d.InvalidateToken {
		m.clearToken(ctx)
	}
	m.expectDisconnect = true
	if err := m.client.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect after platform error failed", zap.Error(err))
	}
	m.persistRunningBestEffort(false)
	m.lastErr = &PlatformError{Code: code, Decision: d}

	switch d.Action {
	case ActionChallenge:
		m.notify(d.Notice)
		if err := m.begin(ctx, true, true); err != nil && m.state == StateActive {
			m.lastErr = err
			m.setState(StateDisconnected, "Login failed: "+err.Error())
		}
	case ActionFatalStop:
		m.setState(StateDisconnected, d.Notice)
		if m.hooks.evict != nil {
			m.hooks.evict(m.id)
		}
	case ActionFatalStopNotifyOnly:
		m.setState(StateFaulted, d.Notice)
	default:
		if !d.Known {
			m.setState(StateFaulted, d.Notice)
			return
		}
		m.setState(StateDisconnected, d.Notice)
		m.reportDrop(wasActive)
	}
}

func (m *Manager) onDisconnected() {
	if m.restartPending {
		m.restartPending = false
		m.expectDisconnect = false
		m.persistRunningBestEffort(false)
		if err := m.begin(m.ctx, true, false); err != nil && m.state == StateLoggingOut {
			m.lastErr = err
			m.setState(StateDisconnected, "Restart failed: "+err.Error())
		}
		return
	}
	if m.expectDisconnect {
		m.expectDisconnect = false
		return
	}
	if m.state != StateActive && m.state.settled() {
		return
	}

	wasActive := m.state == StateActive
	m.stopTimer()
	m.supersede()
	m.flush(m.ctx)
	m.meter.Deactivate()
	m.resources = nil
	m.persistRunningBestEffort(false)
	m.lastErr = ErrConnectionLost
	if m.state.authenticating() {
		m.deps.Limiter.RecordFailure(m.id)
		m.setState(StateIdle, "Connection lost during login.")
		return
	}
	m.setState(StateDisconnected, "Connection to the platform lost, boost stopped.")
	m.reportDrop(wasActive)
}

func (m *Manager) reportDrop(wasActive bool) {
	if wasActive && m.cfg.ReconnectPolicy == config.ReconnectOnDrop && m.hooks.dropped != nil {
		m.hooks.dropped(m.id)
	}
}

func (m *Manager) stop(ctx context.Context, remove bool) error {
	m.removeRequested = remove
	m.restartPending = false
	// The timer keeps running so a parked challenge expires on its own.
	m.supersede()

	connected := m.state == StateActive || m.state == StateLoggingOut || m.state.authenticating()
	if m.state == StateActive {
		m.setState(StateLoggingOut, "Logging off...")
		if err := m.client.DeclareActiveResources(ctx, nil); err != nil {
			m.logger.Warn("failed to clear declared resources", zap.Error(err))
		}
	}

	var errs []error
	if _, err := m.meter.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	m.meter.Deactivate()
	m.resources = nil

	m.expectDisconnect = true
	if err := m.client.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed", zap.Error(err))
	}
	if err := m.persistRunning(ctx, false); err != nil {
		errs = append(errs, err)
	}

	if connected {
		m.setState(StateDisconnected, "Logged off.")
	} else {
		m.publish()
	}
	return errors.Join(errs...)
}

func (m *Manager) restart(ctx context.Context) error {
	if m.state != StateActive {
		return ErrNotConnected
	}
	m.restartPending = true
	m.setState(StateLoggingOut, "Restarting...")
	client := m.client
	if err := client.DeclareActiveResources(ctx, nil); err != nil {
		m.logger.Warn("failed to clear declared resources", zap.Error(err))
	}
	m.flush(ctx)
	m.meter.Deactivate()
	m.resources = nil
	if err := client.Disconnect(ctx); err != nil {
		m.restartPending = false
		m.persistRunningBestEffort(false)
		m.lastErr = err
		m.setState(StateDisconnected, "Restart failed: "+err.Error())
		return err
	}
	return nil
}

func (m *Manager) suspend(ctx context.Context) error {
	m.restartPending = false
	m.supersede()
	m.stopTimer()
	_, err := m.meter.Flush(ctx)
	m.meter.Deactivate()
	m.resources = nil
	if m.state == StateIdle || m.state == StateDisconnected || m.state == StateFaulted {
		return err
	}
	m.expectDisconnect = true
	if derr := m.client.Disconnect(ctx); derr != nil {
		m.logger.Warn("disconnect on shutdown failed", zap.Error(derr))
	}
	m.setState(StateDisconnected, "Service is shutting down, the boost resumes when it is back.")
	return err
}

// flush writes pending usage and logs failures. Callers that must report
// the error use m.meter.Flush directly.
func (m *Manager) flush(ctx context.Context) {
	if _, err := m.meter.Flush(ctx); err != nil {
		m.logger.Error("usage flush failed", zap.Error(err))
	}
}

func (m *Manager) persistRunning(ctx context.Context, running bool) error {
	var err error
	for attempt := 1; attempt <= m.cfg.FlushRetries; attempt++ {
		if err = m.deps.Store.SetRunning(ctx, m.id, running); err == nil {
			m.account.Running = running
			return nil
		}
		if attempt == m.cfg.FlushRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.FlushRetryDelay):
		}
	}
	m.logger.Error("failed to persist running flag", zap.Bool("running", running), zap.Error(err))
	return fmt.Errorf("persist running=%t for account %d: %w", running, m.id, err)
}

func (m *Manager) persistRunningBestEffort(running bool) {
	_ = m.persistRunning(m.ctx, running)
}
