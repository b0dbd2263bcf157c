package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

const settingKey = "fernet_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

// KeyStore is where a generated key is persisted when none is configured.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Codec encrypts account secrets at rest. The first key signs new tokens;
// all keys are tried on decrypt so a key can be rotated in.
type Codec struct {
	keys []*fernet.Key
}

// NewCodec builds a codec from one or more encoded fernet keys.
func NewCodec(encoded ...string) (*Codec, error) {
	if len(encoded) == 0 {
		return nil, errors.New("no fernet key")
	}
	keys := make([]*fernet.Key, 0, len(encoded))
	for _, e := range encoded {
		k, err := fernet.DecodeKey(e)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		keys = append(keys, k)
	}
	return &Codec{keys: keys}, nil
}

// LoadCodec uses configured when set, otherwise the key stored in the
// settings table, generating and saving one on first run.
func LoadCodec(configured string, store KeyStore) (*Codec, error) {
	if configured != "" {
		return NewCodec(configured)
	}
	keyStr, err := store.GetSetting(settingKey)
	if err != nil || keyStr == "" {
		keyStr = GenerateKey()
		if err := store.SetSetting(settingKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	}
	return NewCodec(keyStr)
}

// GenerateKey returns a fresh encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		panic(fmt.Sprintf("generate fernet key: %v", err))
	}
	return k.Encode()
}

// Encrypt returns an empty string for empty input so optional secrets stay
// distinguishable from set ones.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, c.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
