// ABOUTME: Tests for the Matrix transport
// ABOUTME: Covers event conversion, room filtering, reply content and crypto store helpers

package matrix

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transport"
)

type fakePeers struct {
	mu      sync.Mutex
	numbers map[string]int64
}

func (f *fakePeers) PeerNumber(ctx context.Context, roomID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.numbers[roomID]; ok {
		return n, nil
	}
	n := int64(len(f.numbers) + 1)
	f.numbers[roomID] = n
	return n, nil
}

func newTestTransport(t *testing.T, allowed ...string) *Transport {
	t.Helper()
	tr, err := New(Config{
		Homeserver:   "https://matrix.example.org",
		UserID:       "@relay:example.org",
		AccessToken:  "token",
		AllowedRooms: allowed,
	}, &fakePeers{numbers: make(map[string]int64)}, nil)
	require.NoError(t, err)
	tr.started = time.Now().Add(-time.Minute)
	return tr
}

func textEvent(room, sender, body string, ts time.Time) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		ID:        id.EventID("$" + body),
		RoomID:    id.RoomID(room),
		Sender:    id.UserID(sender),
		Timestamp: ts.UnixMilli(),
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func TestNew_RequiresHomeserver(t *testing.T) {
	_, err := New(Config{}, &fakePeers{}, nil)
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()
	now := time.Now()

	evt := tr.convert(ctx, textEvent("!lobby:example.org", "@alice:example.org", "Hello", now))
	require.NotNil(t, evt)
	assert.Equal(t, "Hello", evt.Text)
	assert.Equal(t, transport.Target("!lobby:example.org"), evt.Target)
	assert.False(t, evt.Outgoing)

	identity, ok := evt.Identity()
	require.True(t, ok)
	assert.Equal(t, session.Identity(-1), identity)

	other := tr.convert(ctx, textEvent("!other:example.org", "@bob:example.org", "Hi", now))
	require.NotNil(t, other)
	otherIdentity, _ := other.Identity()
	assert.Equal(t, session.Identity(-2), otherIdentity)

	again := tr.convert(ctx, textEvent("!lobby:example.org", "@bob:example.org", "again", now))
	againIdentity, _ := again.Identity()
	assert.Equal(t, identity, againIdentity, "same room keeps its identity")
}

func TestConvert_Skips(t *testing.T) {
	tr := newTestTransport(t, "!allowed:example.org")
	ctx := context.Background()
	now := time.Now()

	assert.Nil(t, tr.convert(ctx, textEvent("!other:example.org", "@a:example.org", "hi", now)), "room not allowed")
	assert.Nil(t, tr.convert(ctx, textEvent("!allowed:example.org", "@a:example.org", "old", now.Add(-time.Hour))), "before start")
	assert.Nil(t, tr.convert(ctx, textEvent("!allowed:example.org", "@a:example.org", "   ", now)), "blank")

	notice := textEvent("!allowed:example.org", "@a:example.org", "notice", now)
	notice.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgNotice
	assert.Nil(t, tr.convert(ctx, notice), "not a text message")

	own := tr.convert(ctx, textEvent("!allowed:example.org", "@relay:example.org", "echo", now))
	require.NotNil(t, own)
	assert.True(t, own.Outgoing)
}

func TestMessageContent(t *testing.T) {
	plain := messageContent("Is this still relevant?", transport.FormatPlain)
	assert.Equal(t, "Is this still relevant?", plain.Body)
	assert.Empty(t, plain.FormattedBody)

	html := messageContent("<b>Plato</b> — Republic?\nAnything else?", transport.FormatHTML)
	assert.Equal(t, event.FormatHTML, html.Format)
	assert.Equal(t, "<b>Plato</b> — Republic?<br>Anything else?", html.FormattedBody)
	assert.Contains(t, html.Body, "Republic?")
	assert.NotContains(t, html.Body, "<b>")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "relay_matrix.org", slugify("@relay:matrix.org"))
	assert.Equal(t, "a-b_c_example.org", slugify("@a-b_c:example.org"))
	assert.Equal(t, "weird_host", slugify("@we/ird:host"))
}

func TestStoreKey(t *testing.T) {
	a := storeKey("@a:example.org")
	assert.Len(t, a, 32)
	assert.Equal(t, a, storeKey("@a:example.org"))
	assert.NotEqual(t, a, storeKey("@b:example.org"))
}

func TestStoredDeviceMismatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crypto.db")

	stale, err := storedDeviceMismatch(dbPath, "DEVICE")
	require.NoError(t, err)
	assert.False(t, stale, "missing database is not stale")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE crypto_account (device_id TEXT)`)
	require.NoError(t, err)

	stale, err = storedDeviceMismatch(dbPath, "DEVICE")
	require.NoError(t, err)
	assert.False(t, stale, "empty account table is not stale")

	_, err = db.Exec(`INSERT INTO crypto_account (device_id) VALUES ('OLDDEVICE')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stale, err = storedDeviceMismatch(dbPath, "DEVICE")
	require.NoError(t, err)
	assert.True(t, stale)

	stale, err = storedDeviceMismatch(dbPath, "OLDDEVICE")
	require.NoError(t, err)
	assert.False(t, stale)
}
