package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zarpien06/Software-FPC/internal/chat"
	"github.com/Zarpien06/Software-FPC/internal/config"
)

type stubTokens struct {
	identities map[string]chat.Identity
}

func (s stubTokens) ValidateToken(ctx context.Context, token string) (chat.Identity, error) {
	identity, ok := s.identities[token]
	if !ok {
		return chat.Identity{}, chat.ErrUnauthorized
	}
	return identity, nil
}

type stubAccess struct {
	fn func(roomID, userID int64) (bool, error)
}

func (s stubAccess) CanAccess(ctx context.Context, roomID, userID int64) (bool, error) {
	return s.fn(roomID, userID)
}

type stubStore struct{}

func (stubStore) PersistMessage(ctx context.Context, roomID, senderID int64, content, messageType, attachmentURL string) (chat.StoredMessage, error) {
	return chat.StoredMessage{ID: 1, CreatedAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (stubStore) MarkMessageRead(ctx context.Context, messageID, readerID int64) (bool, error) {
	return true, nil
}

type stubNotifier struct{}

func (stubNotifier) NotifyOffline(ctx context.Context, roomID, senderID int64, preview string) {}

// Chat 1 belongs to user 1; user 9 is an admin. Everything else is denied.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clock := clockwork.NewRealClock()
	registry := chat.NewRegistry(clock, 10, nil)
	t.Cleanup(registry.Close)
	router := chat.NewRouter(registry, stubStore{}, stubNotifier{}, clock)

	tokens := stubTokens{identities: map[string]chat.Identity{
		"cliente-token": {UserID: 1, Name: "Ana", Role: "cliente"},
		"admin-token":   {UserID: 9, Name: "Root", Role: "admin"},
	}}
	access := stubAccess{fn: func(roomID, userID int64) (bool, error) {
		return roomID == 1 && userID == 1, nil
	}}

	srv := NewServer(&config.Config{Port: "0"}, registry, router, tokens, access, clock, nil)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, tipo string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["tipo"] == tipo {
			return frame
		}
	}
}

func TestWebsocketRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/chat/1/ws?token=nope")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4001, closeErr.Code)
}

func TestWebsocketRejectsForeignChat(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/chat/2/ws?token=cliente-token")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4003, closeErr.Code)
}

func TestWebsocketRejectsBadChatID(t *testing.T) {
	ts := newTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/chat/abc/ws?token=cliente-token"), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketPingPong(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/chat/1/ws?token=cliente-token")

	snapshot := readUntil(t, conn, chat.EventActiveUsers)
	assert.Empty(t, snapshot["usuarios"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"tipo":"ping"}`)))
	readUntil(t, conn, chat.EventPong)
}

func TestWebsocketAdminBypassesMembershipCheck(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/chat/2/ws?token=admin-token")

	readUntil(t, conn, chat.EventActiveUsers)
}

func TestWebsocketMessageRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	cliente := dial(t, ts, "/api/v1/chat/1/ws?token=cliente-token")
	readUntil(t, cliente, chat.EventActiveUsers)

	admin := dial(t, ts, "/api/v1/chat/1/ws?token=admin-token")
	snapshot := readUntil(t, admin, chat.EventActiveUsers)
	require.Len(t, snapshot["usuarios"], 1)

	require.NoError(t, cliente.WriteMessage(websocket.TextMessage,
		[]byte(`{"tipo":"chat_message","contenido":"Hola"}`)))

	frame := readUntil(t, admin, chat.EventNuevoMensaje)
	mensaje := frame["mensaje"].(map[string]any)
	assert.Equal(t, float64(1), mensaje["id"])
	assert.Equal(t, "Hola", mensaje["contenido"])
	assert.Equal(t, "Ana", mensaje["remitente_nombre"])
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	return resp.StatusCode, decoded
}

func TestParticipantsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, _ := getJSON(t, ts, "/api/v1/chat/1/participantes")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = getJSON(t, ts, "/api/v1/chat/2/participantes?token=cliente-token")
	assert.Equal(t, http.StatusForbidden, status)

	conn := dial(t, ts, "/api/v1/chat/1/ws?token=cliente-token")
	readUntil(t, conn, chat.EventActiveUsers)

	status, body := getJSON(t, ts, "/api/v1/chat/1/participantes?token=admin-token")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total_activos"])
	participantes := body["participantes"].([]any)
	require.Len(t, participantes, 1)
	assert.Equal(t, float64(1), participantes[0].(map[string]any)["user_id"])
}

func TestStatsEndpointIsAdminOnly(t *testing.T) {
	ts := newTestServer(t)

	status, _ := getJSON(t, ts, "/api/v1/chat/estadisticas/conexiones?token=cliente-token")
	assert.Equal(t, http.StatusForbidden, status)

	status, body := getJSON(t, ts, "/api/v1/chat/estadisticas/conexiones?token=admin-token")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["total_connections"])
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/health/live")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, _ = getJSON(t, ts, "/health/ready")
	assert.Equal(t, http.StatusOK, status)
}
