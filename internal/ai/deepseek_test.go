// ABOUTME: Tests for the DeepSeek adapter against an httptest server
// ABOUTME: Covers session creation, stream parsing and status classification

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStream(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newDeepSeekServer(t *testing.T, completion http.HandlerFunc) (*DeepSeek, *[]completionRequest) {
	t.Helper()
	var requests []completionRequest

	mux := http.NewServeMux()
	mux.HandleFunc(createSessionPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":0,"msg":"","data":{"biz_code":0,"biz_data":{"id":"sess-123"}}}`)
	})
	mux.HandleFunc(completionPath, func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		completion(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewDeepSeek(DeepSeekConfig{BaseURL: srv.URL, Token: "secret"}, srv.Client(), nil), &requests
}

func TestDeepSeek_CreateThread(t *testing.T) {
	ds, requests := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no completion expected without a system prompt")
	})

	convID, token, err := ds.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-123", convID)
	assert.Empty(t, token)
	assert.Empty(t, *requests)
}

func TestDeepSeek_CreateThread_SendsSystemPrompt(t *testing.T) {
	ds, requests := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"message_id":2,"choices":[{"delta":{"type":"text","content":"Understood."}}]}`)
	})
	ds.cfg.SystemPrompt = "You are a helpful sales assistant."

	convID, token, err := ds.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-123", convID)
	assert.Equal(t, "2", token)
	require.Len(t, *requests, 1)
	assert.Equal(t, "You are a helpful sales assistant.", (*requests)[0].Prompt)
	assert.Nil(t, (*requests)[0].ParentMessageID)
}

func TestDeepSeek_SendTurn_CollectsTextDeltas(t *testing.T) {
	ds, requests := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w,
			`{"message_id":5,"choices":[{"delta":{"type":"thinking","content":"hmm"}}]}`,
			`{"message_id":5,"choices":[{"delta":{"type":"text","content":"Vote: "}}]}`,
			`{"message_id":6,"choices":[{"delta":{"type":"text","content":"Plato — Republic?"}}]}`,
		)
	})

	turn, err := ds.SendTurn(context.Background(), "Hello\nhow are you?", "sess-123", "4")
	require.NoError(t, err)
	assert.Equal(t, "Vote: Plato — Republic?", turn.Reply)
	assert.Equal(t, "6", turn.NextToken)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "sess-123", req.ChatSessionID)
	assert.Equal(t, "Hello\nhow are you?", req.Prompt)
	require.NotNil(t, req.ParentMessageID)
	assert.Equal(t, int64(4), *req.ParentMessageID)
}

func TestDeepSeek_SendTurn_NoMessageIDClearsToken(t *testing.T) {
	ds, _ := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"choices":[{"delta":{"type":"text","content":"ok"}}]}`)
	})

	turn, err := ds.SendTurn(context.Background(), "hi", "sess-123", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", turn.Reply)
	assert.Empty(t, turn.NextToken)
}

func TestDeepSeek_SendTurn_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"code":40003,"msg":"invalid token"}`, KindAuth},
		{"forbidden", http.StatusForbidden, "", KindAuth},
		{"rate limited", http.StatusTooManyRequests, "", KindRateLimit},
		{"server error", http.StatusBadGateway, "upstream down", KindNetwork},
		{"bad request", http.StatusBadRequest, "", KindBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, _ := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := ds.SendTurn(context.Background(), "hi", "sess-123", "")
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))

			var aiErr *Error
			require.ErrorAs(t, err, &aiErr)
			assert.Equal(t, tt.status, aiErr.StatusCode)
		})
	}
}

func TestDeepSeek_SendTurn_MalformedChunk(t *testing.T) {
	ds, _ := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"choices":[`)
	})

	_, err := ds.SendTurn(context.Background(), "hi", "sess-123", "")
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))
}

func TestDeepSeek_SendTurn_EmptyReply(t *testing.T) {
	ds, _ := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"message_id":1,"choices":[{"delta":{"type":"thinking","content":"..."}}]}`)
	})

	_, err := ds.SendTurn(context.Background(), "hi", "sess-123", "")
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))
}

func TestDeepSeek_SendTurn_InvalidToken(t *testing.T) {
	ds, requests := newDeepSeekServer(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := ds.SendTurn(context.Background(), "hi", "sess-123", "not-a-number")
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))
	assert.Empty(t, *requests)
}

func TestDeepSeek_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ds := NewDeepSeek(DeepSeekConfig{BaseURL: url, Token: "secret"}, nil, nil)
	_, _, err := ds.CreateThread(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, IsTransient(err))
}

func TestDeepSeek_CreateThread_NonZeroCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":40002,"msg":"quota","data":null}`)
	}))
	defer srv.Close()

	ds := NewDeepSeek(DeepSeekConfig{BaseURL: srv.URL}, srv.Client(), nil)
	_, _, err := ds.CreateThread(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))
}
