// Package loopback is an in-process platform used for development, demos and
// tests. It implements the handshake, second-factor and session-replacement
// behaviour of the real platform against a registry of identities held in
// memory.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/guard"
	"github.com/gluk-w/hourboost/internal/platform"
)

const eventBufferSize = 64

// Identity is an account known to the loopback platform.
type Identity struct {
	Handle   string
	Password string
	// SharedSecret, when set, makes every credential logon require a device
	// code derived from it.
	SharedSecret string
	// EmailCode, when set (and no SharedSecret), makes every credential logon
	// require this code.
	EmailCode string
	Email     string
}

type tokenEntry struct {
	handle    string
	expiresAt time.Time
}

// Platform is the shared server side. Clients created from the same
// Platform see each other, so a second logon replaces the first.
type Platform struct {
	mu         sync.Mutex
	identities map[string]Identity
	tokens     map[string]tokenEntry
	sessions   map[string]*Client

	open     bool
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Platform)

// WithOpenRegistration accepts any non-empty password for unknown handles.
func WithOpenRegistration() Option {
	return func(p *Platform) { p.open = true }
}

func WithTokenTTL(d time.Duration) Option {
	return func(p *Platform) { p.tokenTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Platform) { p.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

func New(opts ...Option) *Platform {
	p := &Platform{
		identities: make(map[string]Identity),
		tokens:     make(map[string]tokenEntry),
		sessions:   make(map[string]*Client),
		tokenTTL:   200 * 24 * time.Hour,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Platform) Register(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[id.Handle] = id
}

// Factory returns a platform.Factory bound to this platform.
func (p *Platform) Factory() platform.Factory {
	return func(handle string) (platform.Client, error) {
		return p.NewClient(handle), nil
	}
}

func (p *Platform) NewClient(handle string) *Client {
	return &Client{
		platform: p,
		handle:   handle,
		events:   make(chan platform.Event, eventBufferSize),
		closing:  make(chan struct{}),
	}
}

// Kick terminates handle's live session with a platform error.
func (p *Platform) Kick(handle string, code platform.ResultCode) bool {
	c := p.session(handle)
	if c == nil {
		return false
	}
	c.drop()
	c.emit(platform.Event{Kind: platform.EventError, Code: code, Message: code.String()})
	return true
}

// Drop severs handle's live session without an error, as a network loss would.
func (p *Platform) Drop(handle string) bool {
	c := p.session(handle)
	if c == nil {
		return false
	}
	c.drop()
	c.emit(platform.Event{Kind: platform.EventDisconnected})
	return true
}

// BlockPlaying reports that appID is being played elsewhere.
func (p *Platform) BlockPlaying(handle string, appID uint32) bool {
	c := p.session(handle)
	if c == nil {
		return false
	}
	c.emit(platform.Event{Kind: platform.EventPlayingBlocked, AppID: appID})
	return true
}

// Online reports whether handle has a live session.
func (p *Platform) Online(handle string) bool {
	return p.session(handle) != nil
}

// Playing returns the resources handle last declared.
func (p *Platform) Playing(handle string) []uint32 {
	c := p.session(handle)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.playing...)
}

// RevokeTokens invalidates every token issued for handle.
func (p *Platform) RevokeTokens(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tok, e := range p.tokens {
		if e.handle == handle {
			delete(p.tokens, tok)
		}
	}
}

func (p *Platform) session(handle string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[handle]
}

func (p *Platform) issueToken(handle string) (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := "lb-" + uuid.NewString()
	exp := p.now().Add(p.tokenTTL)
	p.tokens[tok] = tokenEntry{handle: handle, expiresAt: exp}
	return tok, exp
}

func (p *Platform) checkToken(handle, tok string) platform.ResultCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tokens[tok]
	switch {
	case !ok || e.handle != handle:
		return platform.ResultAccessDenied
	case !p.now().Before(e.expiresAt):
		return platform.ResultExpired
	default:
		return platform.ResultOK
	}
}

func (p *Platform) lookup(handle, password string) (Identity, platform.ResultCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.identities[handle]
	if !ok {
		if p.open && password != "" {
			return Identity{Handle: handle, Password: password}, platform.ResultOK
		}
		return Identity{}, platform.ResultInvalidPassword
	}
	if id.Password != password {
		return Identity{}, platform.ResultInvalidPassword
	}
	return id, platform.ResultOK
}

// attach registers c as handle's live session, replacing any other.
func (p *Platform) attach(c *Client) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.sessions[c.handle]
	p.sessions[c.handle] = c
	if prev == c {
		return nil
	}
	return prev
}

func (p *Platform) detach(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[c.handle] == c {
		delete(p.sessions, c.handle)
	}
}

type clientState int

const (
	clientIdle clientState = iota
	clientAwaitingCode
	clientConnected
)

// Client is one account's connection to a loopback Platform.
type Client struct {
	platform *Platform
	handle   string

	mu        sync.Mutex
	state     clientState
	challenge platform.ChallengeType
	identity  Identity
	playing   []uint32
	presence  platform.Presence

	emitMu  sync.Mutex
	events  chan platform.Event
	closing chan struct{}
	closed  bool
}

var _ platform.Client = (*Client)(nil)

func (c *Client) Events() <-chan platform.Event {
	return c.events
}

func (c *Client) Connect(ctx context.Context, creds platform.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("loopback client closed")
	}
	if c.state != clientIdle {
		c.mu.Unlock()
		return &platform.ResultError{Code: platform.ResultBusy, Message: "already connecting"}
	}
	c.mu.Unlock()

	if creds.Token != "" {
		if rc := c.platform.checkToken(c.handle, creds.Token); rc != platform.ResultOK {
			c.emit(platform.Event{Kind: platform.EventError, Code: rc, Message: "token rejected"})
			return nil
		}
		c.platform.mu.Lock()
		id := c.platform.identities[c.handle]
		c.platform.mu.Unlock()
		c.mu.Lock()
		c.identity = id
		c.mu.Unlock()
		c.connected("")
		return nil
	}

	id, rc := c.platform.lookup(c.handle, creds.Password)
	if rc != platform.ResultOK {
		c.emit(platform.Event{Kind: platform.EventError, Code: rc, Message: "logon failed"})
		return nil
	}

	c.mu.Lock()
	c.identity = id
	switch {
	case id.SharedSecret != "":
		c.state = clientAwaitingCode
		c.challenge = platform.ChallengeDeviceCode
	case id.EmailCode != "":
		c.state = clientAwaitingCode
		c.challenge = platform.ChallengeEmailCode
	}
	awaiting := c.state == clientAwaitingCode
	challenge := c.challenge
	c.mu.Unlock()

	if awaiting {
		c.emit(platform.Event{Kind: platform.EventChallengeRequired, Challenge: challenge, Detail: maskEmail(id.Email)})
		return nil
	}
	tok, _ := c.platform.issueToken(c.handle)
	c.connected(tok)
	return nil
}

func (c *Client) SubmitSecondFactor(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != clientAwaitingCode {
		c.mu.Unlock()
		return &platform.ResultError{Code: platform.ResultFail, Message: "no second factor requested"}
	}
	id, challenge := c.identity, c.challenge
	c.mu.Unlock()

	switch challenge {
	case platform.ChallengeDeviceCode:
		if !c.deviceCodeMatches(id.SharedSecret, code) {
			return &platform.ResultError{Code: platform.ResultTwoFactorCodeMismatch, Message: "device code mismatch"}
		}
	case platform.ChallengeEmailCode:
		if code != id.EmailCode {
			return &platform.ResultError{Code: platform.ResultInvalidLoginAuthCode, Message: "invalid email code"}
		}
	}

	tok, _ := c.platform.issueToken(c.handle)
	c.connected(tok)
	return nil
}

// deviceCodeMatches accepts the current and the previous time step.
func (c *Client) deviceCodeMatches(secret, code string) bool {
	now := c.platform.now()
	for _, t := range []time.Time{now, now.Add(-guard.Step)} {
		want, err := guard.Code(secret, t)
		if err == nil && want == code {
			return true
		}
	}
	return false
}

func (c *Client) connected(newToken string) {
	c.mu.Lock()
	c.state = clientConnected
	c.challenge = platform.ChallengeUnknown
	identity := "lb:" + c.handle
	c.mu.Unlock()

	if prev := c.platform.attach(c); prev != nil {
		prev.drop()
		prev.emit(platform.Event{Kind: platform.EventError, Code: platform.ResultLogonSessionReplaced, Message: "logon session replaced"})
	}

	ev := platform.Event{Kind: platform.EventAuthenticated, Identity: identity}
	if newToken != "" {
		ev.Token = newToken
		c.platform.mu.Lock()
		ev.TokenExpiresAt = c.platform.tokens[newToken].expiresAt
		c.platform.mu.Unlock()
	}
	c.platform.logger.Debug("loopback logon", zap.String("handle", c.handle), zap.Bool("new_token", newToken != ""))
	c.emit(ev)
}

func (c *Client) DeclareActiveResources(ctx context.Context, appIDs []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != clientConnected {
		if len(appIDs) == 0 {
			return nil
		}
		return &platform.ResultError{Code: platform.ResultNoConnection, Message: "not connected"}
	}
	c.playing = append(c.playing[:0], appIDs...)
	return nil
}

func (c *Client) SetPresence(ctx context.Context, p platform.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != clientConnected {
		return &platform.ResultError{Code: platform.ResultNoConnection, Message: "not connected"}
	}
	c.presence = p
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasActive := c.state != clientIdle
	c.mu.Unlock()
	if !wasActive {
		return nil
	}
	c.drop()
	c.emit(platform.Event{Kind: platform.EventDisconnected})
	return nil
}

// drop resets the connection without emitting anything.
func (c *Client) drop() {
	c.mu.Lock()
	c.state = clientIdle
	c.challenge = platform.ChallengeUnknown
	c.playing = nil
	c.mu.Unlock()
	c.platform.detach(c)
}

func (c *Client) emit(ev platform.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.drop()
	close(c.closing)
	c.emitMu.Lock()
	close(c.events)
	c.emitMu.Unlock()
	return nil
}

func maskEmail(email string) string {
	at := -1
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			at = i
			break
		}
	}
	if at <= 0 {
		return email
	}
	if at <= 2 {
		return email[:1] + "***" + email[at:]
	}
	return email[:2] + "***" + email[at:]
}
