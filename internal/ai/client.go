// ABOUTME: AI backend contract used by the relay
// ABOUTME: A conversation is a thread id plus an opaque cursor advanced by each turn

package ai

import "context"

// Turn is one successful exchange with the AI backend.
type Turn struct {
	// Reply is the text to relay to the user. Never empty on success.
	Reply string
	// NextToken is the cursor for the next turn. Empty means the backend gave
	// no cursor and the next turn starts fresh.
	NextToken string
}

// Client talks to a threaded conversational AI backend.
type Client interface {
	// CreateThread opens a new conversation and returns its id and initial cursor.
	CreateThread(ctx context.Context) (conversationID, token string, err error)
	// SendTurn sends text as the next user turn of a conversation.
	SendTurn(ctx context.Context, text, conversationID, token string) (*Turn, error)
}
