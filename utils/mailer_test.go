package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientSendError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"network timeout", timeoutErr{}, true},
		{"greylisting", errors.New("451 4.7.1 greylisted, try again"), true},
		{"mailbox busy", errors.New("450 mailbox busy"), true},
		{"service unavailable", errors.New("421 service not available"), true},
		{"user unknown", errors.New("550 5.1.1 user unknown"), false},
		{"relay denied", errors.New("551 user not local"), false},
		{"policy rejection", errors.New("554 5.7.1 message rejected"), false},
		{"spam block", errors.New("550 5.7.606 access denied"), false},
		{"connection refused", errors.New("connection refused"), true},
		{"wrapped reply code", errors.New("send to a@b.co failed: 450 try later"), true},
		{"ip literal is not a reply code", errors.New("proxy handshake failed at 10.4.2.1"), false},
		{"dotted code in prose", errors.New("see rfc docs for status 5.1.4 details"), false},
		{"port in dial error", errors.New("dial tcp 10.4.0.3:25: connection reset by peer"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransientSendError(tc.err))
		})
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("sales@acme.io")
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@acme.io>"))

	// No usable domain falls back to a fixed one.
	fallback := NewMessageID("broken")
	assert.True(t, strings.HasSuffix(fallback, "@mailpulse.local>"))
}

func TestNewMessageIDUnique(t *testing.T) {
	a := NewMessageID("a@b.co")
	b := NewMessageID("a@b.co")
	assert.NotEqual(t, a, b)
}
