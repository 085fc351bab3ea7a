package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/service"
	"github.com/bandhub/messenger/internal/storage/memory"
	"github.com/bandhub/messenger/internal/ws"
)

type testServer struct {
	*httptest.Server
	svc *service.Messenger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	feed := memory.New()
	store := memory.NewStore(feed)
	files := fileserver.New(t.TempDir())
	svc := service.New(service.Deps{
		Chats:    store.Directory(),
		Messages: store.Messages(),
		Profiles: store,
		Blobs:    files,
	})
	hub := ws.NewHub(svc, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(RouterConfig{Messenger: svc, Files: files, Hub: hub}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		svc.Close()
		_ = feed.Close()
	})
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		_, err := svc.UpdateProfile(ctx, id, name, "")
		require.NoError(t, err)
	}
	return &testServer{Server: srv, svc: svc}
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRouterHealth(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterRequiresUser(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "", http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouterChatAndMessageFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "alice", http.MethodPost, "/api/chats/direct", CreateDirectChatRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := decode[model.ChatView](t, resp)
	assert.Equal(t, "Bob", chat.DisplayName)

	// Same pair from the other side resolves to the same chat.
	again := decode[model.ChatView](t, s.do(t, "bob", http.MethodPost, "/api/chats/direct", CreateDirectChatRequest{UserID: "alice"}))
	assert.Equal(t, chat.ID, again.ID)
	assert.Equal(t, "Alice", again.DisplayName)

	base := "/api/chats/" + chat.ID + "/messages"
	resp = s.do(t, "alice", http.MethodPost, base, SendMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decode[model.Message](t, resp)
	assert.Equal(t, []string{"alice"}, sent.SeenBy)

	resp = s.do(t, "alice", http.MethodPut, base+"/"+sent.ID, EditMessageRequest{Content: "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.Message](t, resp).IsEdited)

	resp = s.do(t, "bob", http.MethodPut, base+"/"+sent.ID, EditMessageRequest{Content: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, "bob", http.MethodPost, base+"/"+sent.ID+"/seen", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	msgs := decode[[]model.Message](t, s.do(t, "bob", http.MethodGet, base, nil))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.ElementsMatch(t, []string{"alice", "bob"}, msgs[0].SeenBy)

	resp = s.do(t, "carol", http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodDelete, base+"/"+sent.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, decode[[]model.Message](t, s.do(t, "alice", http.MethodGet, base, nil)))

	resp = s.do(t, "alice", http.MethodPost, base, SendMessageRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodGet, "/api/chats/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterGroupChat(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "alice", http.MethodPost, "/api/chats/group", CreateGroupChatRequest{MemberIDs: []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chat := decode[model.ChatView](t, resp)
	assert.Equal(t, "Group Chat", chat.DisplayName)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, chat.Participants)

	chats := decode[[]model.ChatView](t, s.do(t, "carol", http.MethodGet, "/api/chats", nil))
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
}

func TestRouterProfile(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "alice", http.MethodPut, "/api/users/me", map[string]string{"name": "Alice Cooper"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	u := decode[model.User](t, s.do(t, "bob", http.MethodGet, "/api/users/alice", nil))
	assert.Equal(t, "Alice Cooper", u.Name)

	resp = s.do(t, "alice", http.MethodPut, "/api/users/me", map[string]string{"name": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodGet, "/api/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterUploadAndServe(t *testing.T) {
	s := newTestServer(t)
	chat := decode[model.ChatView](t, s.do(t, "alice", http.MethodPost, "/api/chats/direct", CreateDirectChatRequest{UserID: "bob"}))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "set list.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("intro\nverse\nchorus\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/chats/"+chat.ID+"/attachments", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", "alice")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ref := decode[service.AttachmentRef](t, resp)
	assert.Equal(t, model.MessageKindFile, ref.Kind)
	assert.True(t, strings.HasPrefix(ref.URL, fileserver.URLPrefix))
	assert.Contains(t, ref.URL, "set_list.txt")

	got := s.do(t, "", http.MethodGet, strings.TrimPrefix(ref.URL, s.URL), nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	var out bytes.Buffer
	_, err = out.ReadFrom(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "intro\nverse\nchorus\n", out.String())
}

func dialWS(t *testing.T, s *testServer, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?user_id=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Type      ws.EventType    `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want ws.EventType) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m wireMessage
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == want {
			return m
		}
	}
}

func TestWebSocketSubscriptions(t *testing.T) {
	s := newTestServer(t)
	chat := decode[model.ChatView](t, s.do(t, "alice", http.MethodPost, "/api/chats/direct", CreateDirectChatRequest{UserID: "bob"}))

	bob := dialWS(t, s, "bob")
	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: ws.EventSubscribeChats, RequestID: "1"}))
	var views []model.ChatView
	require.NoError(t, json.Unmarshal(readUntil(t, bob, ws.EventChatsSnapshot).Payload, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Alice", views[0].DisplayName)

	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: ws.EventSubscribeMessages, ChatID: chat.ID}))
	var snap ws.MessagesSnapshotPayload
	require.NoError(t, json.Unmarshal(readUntil(t, bob, ws.EventMessagesSnapshot).Payload, &snap))
	assert.Empty(t, snap.Messages)

	alice := dialWS(t, s, "alice")
	require.NoError(t, alice.WriteJSON(ws.IncomingMessage{Type: ws.EventSendMessage, RequestID: "42", ChatID: chat.ID, Content: "soundcheck at 6"}))
	ack := readUntil(t, alice, ws.EventAck)
	assert.Equal(t, "42", ack.RequestID)

	// Snapshots may coalesce; the newest one carries the message.
	for {
		var p ws.MessagesSnapshotPayload
		require.NoError(t, json.Unmarshal(readUntil(t, bob, ws.EventMessagesSnapshot).Payload, &p))
		if len(p.Messages) == 1 {
			assert.Equal(t, "soundcheck at 6", p.Messages[0].Content)
			assert.Equal(t, chat.ID, p.ChatID)
			return
		}
	}
}

func TestWebSocketErrors(t *testing.T) {
	s := newTestServer(t)
	chat := decode[model.ChatView](t, s.do(t, "alice", http.MethodPost, "/api/chats/direct", CreateDirectChatRequest{UserID: "bob"}))

	carol := dialWS(t, s, "carol")
	require.NoError(t, carol.WriteJSON(ws.IncomingMessage{Type: ws.EventSubscribeMessages, RequestID: "x", ChatID: chat.ID}))
	m := readUntil(t, carol, ws.EventError)
	assert.Equal(t, "x", m.RequestID)

	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m = readUntil(t, carol, ws.EventError)
	assert.JSONEq(t, `"malformed message"`, string(m.Payload))

	require.NoError(t, carol.WriteJSON(ws.IncomingMessage{Type: "dance"}))
	m = readUntil(t, carol, ws.EventError)
	assert.JSONEq(t, `"unknown event type"`, string(m.Payload))
}

func TestWebSocketRejectsAnonymous(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
