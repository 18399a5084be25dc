package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type persistCall struct {
	roomID        int64
	senderID      int64
	content       string
	messageType   string
	attachmentURL string
}

type markCall struct {
	messageID int64
	readerID  int64
}

type fakeMessageStore struct {
	mu           sync.Mutex
	persistCalls []persistCall
	persistErr   error
	nextID       int64
	createdAt    time.Time
	markCalls    []markCall
	markErr      error
	marked       bool
}

func (f *fakeMessageStore) PersistMessage(ctx context.Context, roomID, senderID int64, content, messageType, attachmentURL string) (StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls = append(f.persistCalls, persistCall{roomID, senderID, content, messageType, attachmentURL})
	if f.persistErr != nil {
		return StoredMessage{}, f.persistErr
	}
	f.nextID++
	return StoredMessage{ID: f.nextID, CreatedAt: f.createdAt}, nil
}

func (f *fakeMessageStore) MarkMessageRead(ctx context.Context, messageID, readerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, markCall{messageID, readerID})
	return f.marked, f.markErr
}

func (f *fakeMessageStore) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persistCalls)
}

type notifyCall struct {
	roomID   int64
	senderID int64
	preview  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) NotifyOffline(ctx context.Context, roomID, senderID int64, preview string) {
	f.mu.Lock()
	f.calls = append(f.calls, notifyCall{roomID, senderID, preview})
	f.mu.Unlock()
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type routerFixture struct {
	registry *Registry
	router   *Router
	store    *fakeMessageStore
	notifier *fakeNotifier
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(clock, 10, nil)
	t.Cleanup(registry.Close)

	store := &fakeMessageStore{
		createdAt: time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		marked:    true,
	}
	notifier := &fakeNotifier{}
	return &routerFixture{
		registry: registry,
		router:   NewRouter(registry, store, notifier, clock),
		store:    store,
		notifier: notifier,
	}
}

func (fx *routerFixture) connect(t *testing.T, roomID, userID int64, name string) (*Conn, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	conn, err := fx.registry.Connect(sock, roomID, Identity{UserID: userID, Name: name, Role: "cliente"})
	require.NoError(t, err)
	return conn, sock
}

func TestPingAnswersPong(t *testing.T) {
	fx := newRouterFixture(t)
	conn, sock := fx.connect(t, 1, 1, "Ana")

	fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"ping"}`))

	require.Eventually(t, func() bool { return sock.countOfType(EventPong) == 1 }, waitTimeout, waitTick)
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	fx := newRouterFixture(t)
	connAna, sockAna := fx.connect(t, 1, 1, "Ana")
	_, sockLuis := fx.connect(t, 1, 2, "Luis")

	fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"typing"}`))

	require.Eventually(t, func() bool { return sockLuis.countOfType(EventUserTyping) == 1 }, waitTimeout, waitTick)
	typing := sockLuis.eventsOfType(EventUserTyping)[0]
	assert.Equal(t, float64(1), typing["user_id"])
	assert.Equal(t, "Ana", typing["user_name"])
	assert.Zero(t, sockAna.countOfType(EventUserTyping))

	fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"stop_typing"}`))
	require.Eventually(t, func() bool { return sockLuis.countOfType(EventUserStopTyping) == 1 }, waitTimeout, waitTick)
}

func TestChatMessagePersistsBeforeBroadcast(t *testing.T) {
	fx := newRouterFixture(t)
	connAna, sockAna := fx.connect(t, 7, 1, "Ana")
	_, sockLuis := fx.connect(t, 7, 2, "Luis")

	fx.router.HandleFrame(context.Background(), connAna,
		[]byte(`{"tipo":"chat_message","contenido":"Hola Luis","tipo_mensaje":"texto"}`))

	require.Eventually(t, func() bool { return sockLuis.countOfType(EventNuevoMensaje) == 1 }, waitTimeout, waitTick)
	frame := sockLuis.eventsOfType(EventNuevoMensaje)[0]
	assert.Equal(t, float64(7), frame["chat_id"])

	mensaje := frame["mensaje"].(map[string]any)
	assert.Equal(t, float64(1), mensaje["id"], "id must be the one assigned by the store")
	assert.Equal(t, "2025-03-01T12:30:00Z", mensaje["created_at"], "timestamp must be the one assigned by the store")
	assert.Equal(t, "Hola Luis", mensaje["contenido"])
	assert.Equal(t, float64(1), mensaje["remitente_id"])
	assert.Equal(t, "Ana", mensaje["remitente_nombre"])

	assert.Zero(t, sockAna.countOfType(EventNuevoMensaje), "sender must not receive its own message")

	require.Equal(t, 1, fx.store.persistCount())
	call := fx.store.persistCalls[0]
	assert.Equal(t, int64(7), call.roomID)
	assert.Equal(t, int64(1), call.senderID)
	assert.Equal(t, "texto", call.messageType)

	require.Eventually(t, func() bool { return fx.notifier.callCount() == 1 }, waitTimeout, waitTick)
	assert.Equal(t, "Hola Luis", fx.notifier.calls[0].preview)
}

func TestChatMessageDefaultsMessageType(t *testing.T) {
	fx := newRouterFixture(t)
	connAna, _ := fx.connect(t, 1, 1, "Ana")

	fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"chat_message","contenido":"Hola"}`))

	require.Equal(t, 1, fx.store.persistCount())
	assert.Equal(t, "texto", fx.store.persistCalls[0].messageType)
}

func TestChatMessageRejectsEmptyContent(t *testing.T) {
	fx := newRouterFixture(t)
	connAna, sockAna := fx.connect(t, 1, 1, "Ana")
	_, sockLuis := fx.connect(t, 1, 2, "Luis")

	fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"chat_message","contenido":""}`))

	require.Eventually(t, func() bool { return sockAna.countOfType(EventError) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, msgEmptyMessage, sockAna.eventsOfType(EventError)[0]["mensaje"])
	assert.Zero(t, fx.store.persistCount())
	assert.Zero(t, sockLuis.countOfType(EventNuevoMensaje))
}

func TestChatMessagePersistFailureAnswersError(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.persistErr = context.DeadlineExceeded
	connAna, sockAna := fx.connect(t, 1, 1, "Ana")
	_, sockLuis := fx.connect(t, 1, 2, "Luis")

	fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"chat_message","contenido":"Hola"}`))

	require.Eventually(t, func() bool { return sockAna.countOfType(EventError) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, msgInternalError, sockAna.eventsOfType(EventError)[0]["mensaje"])
	assert.Zero(t, sockLuis.countOfType(EventNuevoMensaje), "unpersisted messages must never be broadcast")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fx.notifier.callCount())
}

func TestOfflinePreviewTruncatesRuneSafe(t *testing.T) {
	fx := newRouterFixture(t)
	connAna, _ := fx.connect(t, 1, 1, "Ana")

	content := strings.Repeat("ñ", 100)
	fx.router.HandleFrame(context.Background(), connAna,
		[]byte(`{"tipo":"chat_message","contenido":"`+content+`"}`))

	require.Eventually(t, func() bool { return fx.notifier.callCount() == 1 }, waitTimeout, waitTick)
	assert.Equal(t, strings.Repeat("ñ", 80), fx.notifier.calls[0].preview)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	fx := newRouterFixture(t)
	conn, sock := fx.connect(t, 1, 1, "Ana")

	fx.router.HandleFrame(context.Background(), conn, []byte(`{not json`))

	require.Eventually(t, func() bool { return sock.countOfType(EventError) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, msgInvalidFormat, sock.eventsOfType(EventError)[0]["mensaje"])
	assert.True(t, conn.Registered())

	fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"ping"}`))
	require.Eventually(t, func() bool { return sock.countOfType(EventPong) == 1 }, waitTimeout, waitTick)
}

func TestUnknownTipoAnswersError(t *testing.T) {
	fx := newRouterFixture(t)
	conn, sock := fx.connect(t, 1, 1, "Ana")

	fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"subscribe"}`))

	require.Eventually(t, func() bool { return sock.countOfType(EventError) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, msgUnknownType, sock.eventsOfType(EventError)[0]["mensaje"])
}

func TestMessageReadFlows(t *testing.T) {
	t.Run("missing mensaje_id", func(t *testing.T) {
		fx := newRouterFixture(t)
		conn, sock := fx.connect(t, 1, 1, "Ana")

		fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"message_read"}`))

		require.Eventually(t, func() bool { return sock.countOfType(EventError) == 1 }, waitTimeout, waitTick)
		assert.Equal(t, msgMissingMensaje, sock.eventsOfType(EventError)[0]["mensaje"])
	})

	t.Run("store failure", func(t *testing.T) {
		fx := newRouterFixture(t)
		fx.store.markErr = context.DeadlineExceeded
		conn, sock := fx.connect(t, 1, 1, "Ana")

		fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"message_read","mensaje_id":12}`))

		require.Eventually(t, func() bool { return sock.countOfType(EventError) == 1 }, waitTimeout, waitTick)
		assert.Equal(t, msgInternalError, sock.eventsOfType(EventError)[0]["mensaje"])
	})

	t.Run("unknown message", func(t *testing.T) {
		fx := newRouterFixture(t)
		fx.store.marked = false
		conn, sock := fx.connect(t, 1, 1, "Ana")

		fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"message_read","mensaje_id":12}`))

		require.Eventually(t, func() bool { return sock.countOfType(EventError) == 1 }, waitTimeout, waitTick)
		assert.Equal(t, msgMensajeNotFound, sock.eventsOfType(EventError)[0]["mensaje"])
	})

	t.Run("receipt reaches the rest of the room", func(t *testing.T) {
		fx := newRouterFixture(t)
		connAna, sockAna := fx.connect(t, 1, 1, "Ana")
		_, sockLuis := fx.connect(t, 1, 2, "Luis")

		fx.router.HandleFrame(context.Background(), connAna, []byte(`{"tipo":"message_read","mensaje_id":12}`))

		require.Eventually(t, func() bool { return sockLuis.countOfType(EventMessageRead) == 1 }, waitTimeout, waitTick)
		receipt := sockLuis.eventsOfType(EventMessageRead)[0]
		assert.Equal(t, float64(12), receipt["mensaje_id"])
		assert.Equal(t, float64(1), receipt["user_id"])
		assert.Zero(t, sockAna.countOfType(EventMessageRead))

		require.Len(t, fx.store.markCalls, 1)
		assert.Equal(t, markCall{messageID: 12, readerID: 1}, fx.store.markCalls[0])
	})
}

func TestInboundRateLimit(t *testing.T) {
	fx := newRouterFixture(t)
	conn, sock := fx.connect(t, 1, 1, "Ana")

	for range 25 {
		fx.router.HandleFrame(context.Background(), conn, []byte(`{"tipo":"ping"}`))
	}

	require.Eventually(t, func() bool { return sock.countOfType(EventError) > 0 }, waitTimeout, waitTick)
	assert.Equal(t, msgRateLimited, sock.eventsOfType(EventError)[0]["mensaje"])
	assert.True(t, conn.Registered(), "rate-limited connections stay open")
}
