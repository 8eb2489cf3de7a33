package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier map[string]int64

func (v stubVerifier) Verify(token string) (int64, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, errors.New("unknown token")
}

// stubStore реализует RoomSvc и ChatSvc поверх памяти.
type stubStore struct {
	mu         sync.Mutex
	rooms      map[string]struct{}
	msgs       map[string][]domain.ChatMessage
	seq        int
	failSave   bool
	failReplay bool

	replayStarted chan struct{}
	replayGate    chan struct{}
}

func newStubStore(rooms ...string) *stubStore {
	s := &stubStore{
		rooms: make(map[string]struct{}),
		msgs:  make(map[string][]domain.ChatMessage),
	}
	for _, r := range rooms {
		s.rooms[r] = struct{}{}
	}
	return s
}

func (s *stubStore) setFailSave(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

func (s *stubStore) setFailReplay(v bool) {
	s.mu.Lock()
	s.failReplay = v
	s.mu.Unlock()
}

// gateNextReplay заставляет следующий Replay сигналить started и ждать release.
func (s *stubStore) gateNextReplay() (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	s.mu.Lock()
	s.replayStarted = started
	s.replayGate = release
	s.mu.Unlock()
	return started, release
}

func (s *stubStore) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return nil, domain.ErrRoomNotFound
	}
	return &domain.Room{ID: id, Name: id, CreatedAt: time.Now()}, nil
}

func (s *stubStore) Save(_ context.Context, roomID string, userID int64, text string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return nil, errors.New("insert failed")
	}
	if _, ok := s.rooms[roomID]; !ok {
		return nil, domain.ErrRoomNotFound
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	s.seq++
	m := domain.ChatMessage{
		ID:        fmt.Sprintf("m-%d", s.seq),
		RoomID:    roomID,
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.msgs[roomID] = append(s.msgs[roomID], m)
	return &m, nil
}

func (s *stubStore) Replay(_ context.Context, roomID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	started, gate := s.replayStarted, s.replayGate
	s.replayStarted, s.replayGate = nil, nil
	fail := s.failReplay
	s.mu.Unlock()

	if started != nil {
		close(started)
		<-gate
	}

	if fail {
		return nil, errors.New("select failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.msgs[roomID]))
	copy(out, s.msgs[roomID])
	return out, nil
}

// --- harness ---

func newTestServer(t *testing.T, store *stubStore, tokens stubVerifier) *httptest.Server {
	t.Helper()
	hub := NewHub()
	srv := NewServer(hub, tokens, store, store)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?access_token=" + token
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(Message{Type: typ, Payload: payload}))
}

func expect(t *testing.T, c *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, c.ReadJSON(&ev))
	require.Equal(t, typ, ev.Type)
	return ev.Payload
}

// expectSilence корректен только как последнее чтение соединения:
// истёкший read deadline делает conn непригодным.
func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(d)))
	var ev wireEvent
	err := c.ReadJSON(&ev)
	require.Error(t, err, "expected no event, got %s", ev.Type)
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func joinRoom(t *testing.T, c *websocket.Conn, roomID string, wantCount int) {
	t.Helper()
	send(t, c, TypeJoinRoom, JoinRoomPayload{RoomID: roomID})
	p := decodePayload[ActiveUsersPayload](t, expect(t, c, TypeActiveUsers))
	require.Equal(t, roomID, p.RoomID)
	require.Equal(t, wantCount, p.Count)
	expect(t, c, TypeRoomHistory)
}

// --- tests ---

func TestHandshakeRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, newStubStore("general"), stubVerifier{"tok-a": 1})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?access_token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestJoinDeliversHistoryAndPresence(t *testing.T) {
	store := newStubStore("general")
	_, err := store.Save(context.Background(), "general", 7, "hello")
	require.NoError(t, err)
	_, err = store.Save(context.Background(), "general", 7, "world")
	require.NoError(t, err)

	ts := newTestServer(t, store, stubVerifier{"tok-a": 1})
	a := dial(t, ts, "tok-a")

	send(t, a, TypeJoinRoom, JoinRoomPayload{RoomID: "general"})

	presence := decodePayload[ActiveUsersPayload](t, expect(t, a, TypeActiveUsers))
	assert.Equal(t, "general", presence.RoomID)
	assert.Equal(t, 1, presence.Count)

	history := decodePayload[[]ChatItem](t, expect(t, a, TypeRoomHistory))
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, "world", history[1].Text)
	assert.Equal(t, "7", history[0].UserID)
	assert.Equal(t, "m-1", history[0].MsgID)
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	ts := newTestServer(t, newStubStore("general"), stubVerifier{"tok-a": 1})
	a := dial(t, ts, "tok-a")

	send(t, a, TypeJoinRoom, JoinRoomPayload{RoomID: "ghost"})
	p := decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "room not found", p.Message)

	// членства нет — send отклоняется авторизацией
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "ghost", Text: "hi"})
	p = decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "not a member of the room", p.Message)
}

func TestHistoryFailureKeepsMembership(t *testing.T) {
	store := newStubStore("general")
	store.setFailReplay(true)
	ts := newTestServer(t, store, stubVerifier{"tok-a": 1})
	a := dial(t, ts, "tok-a")

	send(t, a, TypeJoinRoom, JoinRoomPayload{RoomID: "general"})
	expect(t, a, TypeActiveUsers)
	p := decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "history unavailable", p.Message)

	// join остался в силе: отправка проходит и доставляется самому себе
	store.setFailReplay(false)
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "still here"})
	item := decodePayload[ChatItem](t, expect(t, a, TypeNewMessage))
	assert.Equal(t, "still here", item.Text)
}

func TestSelfDeliveryAndOrdering(t *testing.T) {
	store := newStubStore("general")
	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})

	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)

	b := dial(t, ts, "tok-b")
	joinRoom(t, b, "general", 2)

	// A тоже видит recount от join B
	p := decodePayload[ActiveUsersPayload](t, expect(t, a, TypeActiveUsers))
	require.Equal(t, 2, p.Count)

	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "hi"})
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "there"})

	for _, c := range []*websocket.Conn{a, b} {
		first := decodePayload[ChatItem](t, expect(t, c, TypeNewMessage))
		second := decodePayload[ChatItem](t, expect(t, c, TypeNewMessage))
		assert.Equal(t, "hi", first.Text)
		assert.Equal(t, "there", second.Text)
		assert.Equal(t, "1", first.UserID)
		assert.Equal(t, "general", first.RoomID)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	ts := newTestServer(t, newStubStore("general"), stubVerifier{"tok-a": 1})
	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)

	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "   "})
	p := decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "empty message", p.Message)

	expectSilence(t, a, 150*time.Millisecond)
}

func TestStoreFailureIsolatedToSender(t *testing.T) {
	store := newStubStore("general")
	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})

	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)
	b := dial(t, ts, "tok-b")
	joinRoom(t, b, "general", 2)
	expect(t, a, TypeActiveUsers)

	store.setFailSave(true)
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "hi"})

	p := decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "message not saved", p.Message)

	// другие сессии не видят ни broadcast, ни ошибки
	expectSilence(t, b, 200*time.Millisecond)
}

func TestJoinDuringSendKeepsHistoryPrefix(t *testing.T) {
	store := newStubStore("general")
	_, err := store.Save(context.Background(), "general", 7, "old")
	require.NoError(t, err)

	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})
	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)

	started, release := store.gateNextReplay()

	b := dial(t, ts, "tok-b")
	send(t, b, TypeJoinRoom, JoinRoomPayload{RoomID: "general"})
	<-started

	// отправка конкурентна незавершённому реплею: publish обязан ждать join
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "hi"})
	time.Sleep(100 * time.Millisecond)
	close(release)

	p := decodePayload[ActiveUsersPayload](t, expect(t, b, TypeActiveUsers))
	require.Equal(t, 2, p.Count)

	// история не содержит гонящееся сообщение...
	history := decodePayload[[]ChatItem](t, expect(t, b, TypeRoomHistory))
	require.Len(t, history, 1)
	assert.Equal(t, "old", history[0].Text)

	// ...оно приходит ровно один раз, broadcast-ом после истории
	item := decodePayload[ChatItem](t, expect(t, b, TypeNewMessage))
	assert.Equal(t, "hi", item.Text)
	expectSilence(t, b, 150*time.Millisecond)
}

func TestHistoryOnlyToJoiningSession(t *testing.T) {
	store := newStubStore("general")
	_, err := store.Save(context.Background(), "general", 7, "old message")
	require.NoError(t, err)

	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})
	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)

	b := dial(t, ts, "tok-b")
	joinRoom(t, b, "general", 2)

	// A наблюдает только recount; реплей адресован исключительно B
	p := decodePayload[ActiveUsersPayload](t, expect(t, a, TypeActiveUsers))
	require.Equal(t, 2, p.Count)
	expectSilence(t, a, 200*time.Millisecond)
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	store := newStubStore("general")
	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})

	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)
	b := dial(t, ts, "tok-b")
	joinRoom(t, b, "general", 2)
	expect(t, a, TypeActiveUsers)

	send(t, a, TypeLeaveRoom, LeaveRoomPayload{RoomID: "general"})

	p := decodePayload[ActiveUsersPayload](t, expect(t, b, TypeActiveUsers))
	assert.Equal(t, 1, p.Count)

	// после leave отправка отклоняется
	send(t, a, TypeSendMessage, SendMessagePayload{RoomID: "general", Text: "hi"})
	ep := decodePayload[ErrorPayload](t, expect(t, a, TypeError))
	assert.Equal(t, "not a member of the room", ep.Message)
}

func TestDisconnectUpdatesPresence(t *testing.T) {
	store := newStubStore("general")
	ts := newTestServer(t, store, stubVerifier{"tok-a": 1, "tok-b": 2})

	a := dial(t, ts, "tok-a")
	joinRoom(t, a, "general", 1)
	b := dial(t, ts, "tok-b")
	joinRoom(t, b, "general", 2)
	expect(t, a, TypeActiveUsers)

	require.NoError(t, a.Close())

	p := decodePayload[ActiveUsersPayload](t, expect(t, b, TypeActiveUsers))
	assert.Equal(t, "general", p.RoomID)
	assert.Equal(t, 1, p.Count)
}
