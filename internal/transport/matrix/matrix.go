// ABOUTME: Matrix transport for the relay using mautrix
// ABOUTME: Numbers rooms through the SQLite store so each room gets a stable identity

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/transport"
)

// typingTimeout is the duration the typing indicator shows.
const typingTimeout = 30 * time.Second

// PeerStore assigns stable numbers to rooms.
type PeerStore interface {
	PeerNumber(ctx context.Context, roomID string) (int64, error)
}

// Config configures the Matrix transport.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	DeviceID     string
	Username     string
	Password     string
	RecoveryKey  string
	AllowedRooms []string
	// DataDir holds the E2EE crypto database. Empty disables encryption.
	DataDir string
}

// Transport implements transport.Transport and transport.Typer for Matrix.
type Transport struct {
	cfg     Config
	client  *mautrix.Client
	peers   PeerStore
	crypto  *cryptoManager
	logger  *slog.Logger
	started time.Time
}

// New creates a Matrix client. Call Login before Run.
func New(cfg Config, peers PeerStore, logger *slog.Logger) (*Transport, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver is required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		peers:  peers,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Name returns "matrix".
func (t *Transport) Name() string {
	return "matrix"
}

// Login authenticates with the password when no access token is configured,
// then sets up encryption when a data directory is configured.
func (t *Transport) Login(ctx context.Context) error {
	if t.cfg.AccessToken == "" {
		if t.cfg.Username == "" || t.cfg.Password == "" {
			return fmt.Errorf("matrix needs an access token or a username and password")
		}
		resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: t.cfg.Username,
			},
			Password:                 t.cfg.Password,
			DeviceID:                 id.DeviceID(t.cfg.DeviceID),
			InitialDeviceDisplayName: "coven-relay",
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("matrix login: %w", err)
		}
		t.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	}

	if t.cfg.DataDir != "" {
		cm, err := setupCrypto(ctx, t.client, t.cfg.RecoveryKey, t.cfg.DataDir, t.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		t.crypto = cm
	}
	return nil
}

// Run syncs with the homeserver and hands message events to h until ctx is done.
// Events from before Run started are ignored.
func (t *Transport) Run(ctx context.Context, h transport.Handler) error {
	t.logger.Info("starting matrix transport",
		"homeserver", t.cfg.Homeserver,
		"user_id", t.client.UserID,
	)
	t.started = time.Now()

	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", t.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if e := t.convert(ctx, evt); e != nil {
			h(ctx, e)
		}
	})

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- t.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("shutting down matrix transport")
		t.client.StopSync()
		<-syncErr
		t.closeCrypto()
		return nil
	case err := <-syncErr:
		t.closeCrypto()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (t *Transport) closeCrypto() {
	if t.crypto == nil {
		return
	}
	if err := t.crypto.Close(); err != nil {
		t.logger.Warn("closing crypto store", "error", err)
	}
}

// convert turns a room message into an Event, or nil when it should be skipped.
func (t *Transport) convert(ctx context.Context, evt *event.Event) *transport.Event {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return nil
	}
	if time.UnixMilli(evt.Timestamp).Before(t.started) {
		return nil
	}

	roomID := evt.RoomID.String()
	if !t.isRoomAllowed(roomID) {
		t.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return nil
	}

	body := strings.TrimSpace(content.Body)
	if body == "" {
		return nil
	}

	number, err := t.peers.PeerNumber(ctx, roomID)
	if err != nil {
		t.logger.Error("numbering room", "room", roomID, "error", err)
		return nil
	}

	return &transport.Event{
		ID:       evt.ID.String(),
		ChatID:   transport.Int64(number),
		SenderID: number,
		Text:     body,
		Outgoing: evt.Sender == t.client.UserID,
		Target:   transport.Target(roomID),
	}
}

// isRoomAllowed checks if the room is in the allowed list.
func (t *Transport) isRoomAllowed(roomID string) bool {
	if len(t.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range t.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// Send posts text to the room. HTML is sent as a formatted body with a plain
// text fallback.
func (t *Transport) Send(ctx context.Context, target transport.Target, text string, f transport.Format) error {
	_, err := t.client.SendMessageEvent(ctx, id.RoomID(target), event.EventMessage, messageContent(text, f))
	if err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	t.logger.Debug("message sent", "room", string(target), "length", len(text))
	return nil
}

func messageContent(text string, f transport.Format) *event.MessageEventContent {
	if f != transport.FormatHTML {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	}
	formatted := strings.ReplaceAll(text, "\n", "<br>")
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          format.HTMLToText(formatted),
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// SetTyping sends the typing indicator to the room.
func (t *Transport) SetTyping(ctx context.Context, target transport.Target, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	if _, err := t.client.UserTyping(ctx, id.RoomID(target), typing, timeout); err != nil {
		return fmt.Errorf("setting typing indicator: %w", err)
	}
	return nil
}
