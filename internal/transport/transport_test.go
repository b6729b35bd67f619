// ABOUTME: Tests for identity resolution on transport events
// ABOUTME: Checks the precedence of user, chat, channel, from and sender fields

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/session"
)

func TestEvent_Identity(t *testing.T) {
	tests := []struct {
		name   string
		evt    Event
		want   session.Identity
		wantOK bool
	}{
		{"user", Event{UserID: Int64(253848239), FromID: Int64(7)}, 253848239, true},
		{"chat negated", Event{ChatID: Int64(4001), FromID: Int64(7)}, -4001, true},
		{"channel negated", Event{ChannelID: Int64(1234567), SenderID: 9}, -1234567, true},
		{"user wins over chat", Event{UserID: Int64(5), ChatID: Int64(6)}, 5, true},
		{"chat wins over channel", Event{ChatID: Int64(6), ChannelID: Int64(8)}, -6, true},
		{"from fallback", Event{FromID: Int64(77), SenderID: 88}, 77, true},
		{"sender fallback", Event{SenderID: 88}, 88, true},
		{"nothing", Event{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.evt.Identity()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
