package guard

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("12345678901234567890"))

func TestCodeShape(t *testing.T) {
	code, err := Code(testSecret, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Len(t, code, CodeLength)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
	}
}

func TestCodeStableWithinStep(t *testing.T) {
	base := time.Unix(1_700_000_010, 0).Truncate(Step)
	a, err := Code(testSecret, base)
	require.NoError(t, err)
	b, err := Code(testSecret, base.Add(Step-time.Second))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodeChangesAcrossSteps(t *testing.T) {
	base := time.Unix(1_700_000_010, 0).Truncate(Step)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		c, err := Code(testSecret, base.Add(time.Duration(i)*Step))
		require.NoError(t, err)
		seen[c] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestCodeDiffersPerSecret(t *testing.T) {
	other := base64.StdEncoding.EncodeToString([]byte("another-shared-secret"))
	ts := time.Unix(1_700_000_000, 0)
	a, _ := Code(testSecret, ts)
	b, _ := Code(other, ts)
	assert.NotEqual(t, a, b)
}

func TestInvalidSecret(t *testing.T) {
	_, err := Code("not base64!!", time.Now())
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = Code("", time.Now())
	assert.ErrorIs(t, err, ErrInvalidSecret)

	assert.False(t, Valid("%%%"))
	assert.True(t, Valid(testSecret))
}
