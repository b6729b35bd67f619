// ABOUTME: DeepSeek-style threaded chat adapter over HTTP and server-sent events
// ABOUTME: Maps HTTP statuses and malformed payloads onto the ai error kinds

package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	createSessionPath = "/api/v0/chat_session/create"
	completionPath    = "/api/v0/chat/completion"

	defaultDeepSeekURL     = "https://chat.deepseek.com"
	defaultRequestTimeout  = 2 * time.Minute
	maxErrorBodyBytes      = 4096
	sseDoneMarker          = "[DONE]"
	deltaTypeText          = "text"
	maxScannerBufferLength = 1024 * 1024
)

// DeepSeekConfig configures the DeepSeek adapter.
type DeepSeekConfig struct {
	BaseURL        string
	Token          string
	SystemPrompt   string
	RequestTimeout time.Duration
	Thinking       bool
	Search         bool
}

// DeepSeek implements Client against the DeepSeek chat API.
type DeepSeek struct {
	cfg        DeepSeekConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDeepSeek creates an adapter. A nil httpClient gets one with the
// configured request timeout.
func NewDeepSeek(cfg DeepSeekConfig, httpClient *http.Client, logger *slog.Logger) *DeepSeek {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepSeekURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeepSeek{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "deepseek"),
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createSessionData struct {
	BizCode int    `json:"biz_code"`
	BizMsg  string `json:"biz_msg"`
	BizData struct {
		ID string `json:"id"`
	} `json:"biz_data"`
}

type completionRequest struct {
	ChatSessionID   string   `json:"chat_session_id"`
	ParentMessageID *int64   `json:"parent_message_id"`
	Prompt          string   `json:"prompt"`
	RefFileIDs      []string `json:"ref_file_ids"`
	ThinkingEnabled bool     `json:"thinking_enabled"`
	SearchEnabled   bool     `json:"search_enabled"`
}

type completionChunk struct {
	MessageID *int64 `json:"message_id"`
	Choices   []struct {
		Delta struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// CreateThread opens a chat session. When a system prompt is configured it is
// sent as the first turn and its message id becomes the initial token.
func (d *DeepSeek) CreateThread(ctx context.Context) (string, string, error) {
	const op = "create_thread"

	resp, err := d.post(ctx, op, createSessionPath, map[string]any{"agent": "chat"})
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", "", &Error{Kind: KindBackend, Op: op, Message: "decoding session response", Err: err}
	}
	if env.Code != 0 {
		return "", "", &Error{Kind: KindBackend, Op: op, Message: fmt.Sprintf("code %d: %s", env.Code, env.Msg)}
	}
	var data createSessionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", "", &Error{Kind: KindBackend, Op: op, Message: "decoding session data", Err: err}
	}
	if data.BizData.ID == "" {
		return "", "", &Error{Kind: KindBackend, Op: op, Message: "empty chat session id"}
	}
	convID := data.BizData.ID
	d.logger.Debug("chat session created", "conversation_id", convID)

	if d.cfg.SystemPrompt == "" {
		return convID, "", nil
	}
	turn, err := d.SendTurn(ctx, d.cfg.SystemPrompt, convID, "")
	if err != nil {
		var aiErr *Error
		if errors.As(err, &aiErr) {
			aiErr.Op = op
		}
		return "", "", err
	}
	return convID, turn.NextToken, nil
}

// SendTurn posts text to the conversation and collects the streamed reply.
func (d *DeepSeek) SendTurn(ctx context.Context, text, conversationID, token string) (*Turn, error) {
	const op = "send_turn"

	req := completionRequest{
		ChatSessionID:   conversationID,
		Prompt:          text,
		RefFileIDs:      []string{},
		ThinkingEnabled: d.cfg.Thinking,
		SearchEnabled:   d.cfg.Search,
	}
	if token != "" {
		parent, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, &Error{Kind: KindBackend, Op: op, Message: fmt.Sprintf("invalid continuation token %q", token), Err: err}
		}
		req.ParentMessageID = &parent
	}

	resp, err := d.post(ctx, op, completionPath, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return d.readStream(ctx, op, resp.Body)
}

func (d *DeepSeek) post(ctx context.Context, op, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: op, Message: "encoding request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: op, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.Token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: KindNetwork, Op: op, Message: "sending request", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(op, resp)
	}
	return resp, nil
}

// classifyStatus maps a non-200 response onto an error kind.
func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(body))

	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Msg != "" {
		msg = env.Msg
	}

	e := &Error{Op: op, StatusCode: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case resp.StatusCode >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindBackend
	}
	return e
}

// readStream reads the SSE body. Only text deltas form the reply; the last
// message id seen becomes the next token.
func (d *DeepSeek) readStream(ctx context.Context, op string, body io.Reader) (*Turn, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBufferLength)

	var reply strings.Builder
	var lastID *int64
	done := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == sseDoneMarker {
			done = true
			break
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, &Error{Kind: KindBackend, Op: op, Message: "decoding stream chunk", Err: err}
		}
		if chunk.MessageID != nil {
			lastID = chunk.MessageID
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Type == deltaTypeText || choice.Delta.Type == "" {
				reply.WriteString(choice.Delta.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: KindNetwork, Op: op, Message: "reading stream", Err: err}
	}
	if !done {
		d.logger.Debug("stream ended without done marker")
	}

	turn := &Turn{Reply: strings.TrimSpace(reply.String())}
	if lastID != nil {
		turn.NextToken = strconv.FormatInt(*lastID, 10)
	}
	if turn.Reply == "" {
		return nil, &Error{Kind: KindBackend, Op: op, Message: "empty reply"}
	}
	return turn, nil
}
