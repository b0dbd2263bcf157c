// Package guard derives the platform's mobile second-factor codes from an
// account's shared secret.
//
// Codes follow RFC 6238 (HMAC-SHA1, 30 second step) but are rendered as five
// characters from the platform's own alphabet instead of decimal digits.
package guard

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

const (
	Step       = 30 * time.Second
	CodeLength = 5
	alphabet   = "23456789BCDFGHJKMNPQRTVWXY"
)

var ErrInvalidSecret = errors.New("guard: shared secret is not valid base64")

// Code returns the code valid at t for the base64-encoded shared secret.
func Code(sharedSecret string, t time.Time) (string, error) {
	key, err := decodeSecret(sharedSecret)
	if err != nil {
		return "", err
	}
	return codeFor(key, uint64(t.Unix()/int64(Step/time.Second))), nil
}

// Now is Code at the current time.
func Now(sharedSecret string) (string, error) {
	return Code(sharedSecret, time.Now())
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidSecret
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return key, nil
}

func codeFor(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	full := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	out := make([]byte, CodeLength)
	for i := range out {
		out[i] = alphabet[full%uint32(len(alphabet))]
		full /= uint32(len(alphabet))
	}
	return string(out)
}

// Valid reports whether s is a plausible secret without generating a code.
func Valid(sharedSecret string) bool {
	_, err := decodeSecret(sharedSecret)
	return err == nil
}
