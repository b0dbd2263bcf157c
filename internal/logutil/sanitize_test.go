package logutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"multi\nline", "multi line"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"crlf\r\nfake entry", "crlf  fake entry"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeForLog(tt.in), "input %q", tt.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
