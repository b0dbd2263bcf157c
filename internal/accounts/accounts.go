// Package accounts validates and applies owner-supplied account
// configuration. It is shared by the HTTP API and the chat commands so both
// enforce the same tier bounds and input limits.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/guard"
)

const maxAppID = 2147483647

var resourceListPattern = regexp.MustCompile(`^\d+(,\d+)*$`)

var ErrNotFound = errors.New("account not found")

// ValidationError is a rejected input. Nothing was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Store interface {
	CreateAccount(ctx context.Context, a *database.Account) error
	GetAccount(ctx context.Context, id uint) (*database.Account, error)
	GetOwnedAccount(ctx context.Context, ownerID uint, handle string) (*database.Account, error)
	HandleExists(ctx context.Context, handle string) (bool, error)
	CountAccounts(ctx context.Context, ownerID uint) (int64, error)
	ListAccounts(ctx context.Context, ownerID uint) ([]database.Account, error)
	OwnerTier(ctx context.Context, ownerID uint) (*database.Tier, error)
	SetResources(ctx context.Context, id uint, appIDs []uint32) error
	SetPresence(ctx context.Context, id uint, online bool) error
	SetSharedSecret(ctx context.Context, id uint, ciphertext string) error
	TopResources(ctx context.Context, accountID uint, limit int) ([]database.ResourceUsage, error)
}

type Codec interface {
	Encrypt(plaintext string) (string, error)
}

type Limits struct {
	MaxHandleLength   int
	MaxPasswordLength int
}

type Service struct {
	store  Store
	codec  Codec
	limits Limits
}

func New(store Store, codec Codec, limits Limits) *Service {
	if limits.MaxHandleLength <= 0 {
		limits.MaxHandleLength = 64
	}
	if limits.MaxPasswordLength <= 0 {
		limits.MaxPasswordLength = 128
	}
	return &Service{store: store, codec: codec, limits: limits}
}

type AddRequest struct {
	OwnerID      uint   `json:"-"`
	Handle       string `json:"handle"`
	Password     string `json:"password"`
	SharedSecret string `json:"shared_secret"`
}

// Add registers a new account for req.OwnerID. Secrets are stored encrypted.
func (s *Service) Add(ctx context.Context, req AddRequest) (*database.Account, error) {
	handle := strings.TrimSpace(req.Handle)
	switch {
	case handle == "":
		return nil, invalid("handle", "Handle is required.")
	case len(handle) > s.limits.MaxHandleLength:
		return nil, invalid("handle", "Handle is too long. (Max: %d)", s.limits.MaxHandleLength)
	case req.Password == "":
		return nil, invalid("password", "Password is required.")
	case len(req.Password) > s.limits.MaxPasswordLength:
		return nil, invalid("password", "Password is too long. (Max: %d)", s.limits.MaxPasswordLength)
	case req.SharedSecret != "" && !guard.Valid(req.SharedSecret):
		return nil, invalid("shared_secret", "Shared secret is not valid base64.")
	}

	tier, err := s.store.OwnerTier(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load tier for owner %d: %w", req.OwnerID, err)
	}
	count, err := s.store.CountAccounts(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	if count >= int64(tier.MaxAccounts) {
		return nil, invalid("handle", "Maximum accounts reached. (Max: %d)", tier.MaxAccounts)
	}
	exists, err := s.store.HandleExists(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("check handle: %w", err)
	}
	if exists {
		return nil, invalid("handle", "Account `%s` already exists.", handle)
	}

	password, err := s.codec.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	secret, err := s.codec.Encrypt(req.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt shared secret: %w", err)
	}

	acct := &database.Account{
		Handle:       handle,
		Password:     password,
		SharedSecret: secret,
		Online:       true,
		OwnerID:      req.OwnerID,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Find looks an account up by handle among the owner's accounts.
func (s *Service) Find(ctx context.Context, ownerID uint, handle string) (*database.Account, error) {
	acct, err := s.store.GetOwnedAccount(ctx, ownerID, strings.TrimSpace(handle))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

// Get returns the account if ownerID owns it, or any account when admin.
func (s *Service) Get(ctx context.Context, ownerID, id uint, admin bool) (*database.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !admin && acct.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return acct, nil
}

func (s *Service) List(ctx context.Context, ownerID uint) ([]database.Account, error) {
	return s.store.ListAccounts(ctx, ownerID)
}

// ResourceUpdate reports what SetResources stored.
type ResourceUpdate struct {
	Resources  []uint32 `json:"resources"`
	Duplicates []uint32 `json:"duplicates"`
}

// ParseResources parses a comma-separated list of app ids. Duplicates are
// dropped, keeping the first occurrence, and reported separately.
func ParseResources(list string) (ResourceUpdate, error) {
	list = strings.ReplaceAll(strings.TrimSpace(list), " ", "")
	if !resourceListPattern.MatchString(list) {
		return ResourceUpdate{}, invalid("resources", "Invalid app id format! Valid format: `730,440,570`")
	}
	var out ResourceUpdate
	seen := make(map[uint32]bool)
	for _, part := range strings.Split(list, ",") {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil || n < 1 || n > maxAppID {
			return ResourceUpdate{}, invalid("resources", "App id must be between `1` and `%d`.", maxAppID)
		}
		id := uint32(n)
		if seen[id] {
			out.Duplicates = append(out.Duplicates, id)
			continue
		}
		seen[id] = true
		out.Resources = append(out.Resources, id)
	}
	return out, nil
}

// SetResources replaces the account's resource list. The tier limit counts
// every listed id, duplicates included.
func (s *Service) SetResources(ctx context.Context, acct *database.Account, list string) (ResourceUpdate, error) {
	upd, err := ParseResources(list)
	if err != nil {
		return ResourceUpdate{}, err
	}
	tier, err := s.store.OwnerTier(ctx, acct.OwnerID)
	if err != nil {
		return ResourceUpdate{}, fmt.Errorf("load tier for owner %d: %w", acct.OwnerID, err)
	}
	if listed := len(upd.Resources) + len(upd.Duplicates); listed > tier.MaxResources {
		return ResourceUpdate{}, invalid("resources", "You can only add up to %d games per account!", tier.MaxResources)
	}
	if err := s.store.SetResources(ctx, acct.ID, upd.Resources); err != nil {
		return ResourceUpdate{}, err
	}
	acct.Resources = database.EncodeResourceIDs(upd.Resources)
	return upd, nil
}

func (s *Service) SetPresence(ctx context.Context, acct *database.Account, online bool) error {
	if err := s.store.SetPresence(ctx, acct.ID, online); err != nil {
		return err
	}
	acct.Online = online
	return nil
}

// SetSharedSecret stores the second-factor seed. An empty secret removes it.
func (s *Service) SetSharedSecret(ctx context.Context, acct *database.Account, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret != "" && !guard.Valid(secret) {
		return invalid("shared_secret", "Shared secret is not valid base64.")
	}
	enc, err := s.codec.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt shared secret: %w", err)
	}
	if err := s.store.SetSharedSecret(ctx, acct.ID, enc); err != nil {
		return err
	}
	acct.SharedSecret = enc
	return nil
}

// TopResources returns the account's most boosted resources.
func (s *Service) TopResources(ctx context.Context, acct *database.Account, limit int) ([]database.ResourceUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.TopResources(ctx, acct.ID, limit)
}
