package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "abc", "abc"},
		{"surrounding whitespace", "  abc\n", "abc"},
		{"control characters", "a\x00b\x1fc\x7f", "abc"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanInput(tt.in))
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/send", nil)
	r.RemoteAddr = "198.51.100.4:5123"
	assert.Equal(t, "198.51.100.4", ClientIP(r))

	r.RemoteAddr = "2001:db8::1"
	assert.Equal(t, "2001:db8::1", ClientIP(r))

	r.RemoteAddr = ""
	assert.Empty(t, ClientIP(r))
}
