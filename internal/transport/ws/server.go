package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/gorilla/websocket"
)

type TokenVerifier interface {
	Verify(token string) (int64, error)
}

type RoomSvc interface {
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
}

type ChatSvc interface {
	Save(ctx context.Context, roomID string, userID int64, text string) (*domain.ChatMessage, error)
	Replay(ctx context.Context, roomID string) ([]domain.ChatMessage, error)
}

// Server — шлюз соединений: одна Session на живое соединение,
// join/leave/send диспетчеризуются из read-цикла сессии.
type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	verifier TokenVerifier
	roomSvc  RoomSvc
	chatSvc  ChatSvc

	pingEvery    time.Duration
	storeTimeout time.Duration
}

func NewServer(hub *Hub, verifier TokenVerifier, room RoomSvc, chat ChatSvc) *Server {
	return &Server{
		hub:      hub,
		verifier: verifier,
		roomSvc:  room,
		chatSvc:  chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery:    15 * time.Second,
		storeTimeout: 5 * time.Second,
	}
}

func (s *Server) SetPingInterval(d time.Duration) {
	if d > 0 {
		s.pingEvery = d
	}
}

// SetStoreTimeout ограничивает каждый вызов Store; таймаут = сбой Store.
func (s *Server) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

// WS endpoint: GET /ws?access_token=...
// Личность проверяется до upgrade; без валидного токена сессии нет.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	uid, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid access_token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	sess := newSession(conn, uid)
	s.hub.Register(sess)
	slog.Info("ws connected", "session", sess.ID(), "user", uid)

	go s.writeLoop(r.Context(), sess)
	s.readLoop(r.Context(), sess)

	// cleanup идемпотентен: сессия снимается со всех комнат,
	// по каждой — один presence recount
	s.hub.Unregister(sess)
	if err := sess.Close(); err != nil {
		slog.Debug("ws close failed", "session", sess.ID(), "err", err)
	}
	slog.Info("ws disconnected", "session", sess.ID(), "user", uid)
}

func (s *Server) readLoop(ctx context.Context, sess *Session) {
	defer func() { _ = sess.Close() }()

	sess.conn.SetReadLimit(1 << 20)
	sess.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		return nil
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypeJoinRoom:
			var p JoinRoomPayload
			if decode(msg.Payload, &p) == nil {
				s.handleJoin(ctx, sess, p.RoomID)
			}
		case TypeLeaveRoom:
			var p LeaveRoomPayload
			if decode(msg.Payload, &p) == nil && p.RoomID != "" {
				s.hub.Leave(sess, p.RoomID)
			}
		case TypeSendMessage:
			var p SendMessagePayload
			if decode(msg.Payload, &p) == nil {
				s.handleSend(ctx, sess, p.RoomID, p.Text)
			}
		default:
			// ignore
		}
	}
}

// handleJoin: валидация комнаты по Store → членство+presence+реплей под
// publish-локом комнаты, история адресована только этой сессии.
// Ошибка реплея не откатывает join.
func (s *Server) handleJoin(ctx context.Context, sess *Session, roomID string) {
	if roomID == "" {
		s.sendError(sess, "missing room_id")
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	_, err := s.roomSvc.GetRoom(storeCtx, roomID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			s.sendError(sess, "room not found")
		} else {
			slog.Warn("ws join room lookup failed", "room", roomID, "session", sess.ID(), "err", err)
			s.sendError(sess, "room unavailable")
		}
		return
	}

	err = s.hub.JoinSync(sess, roomID, func() (Message, error) {
		storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		msgs, err := s.chatSvc.Replay(storeCtx, roomID)
		if err != nil {
			return Message{}, err
		}
		items := make([]ChatItem, 0, len(msgs))
		for _, m := range msgs {
			items = append(items, chatItem(&m))
		}
		return Message{Type: TypeRoomHistory, Payload: items}, nil
	})
	if err != nil {
		slog.Warn("ws history replay failed", "room", roomID, "session", sess.ID(), "err", err)
		s.sendError(sess, "history unavailable")
	}
}

// handleSend: пустой текст и незнакомая комната — validation,
// не-член комнаты — authorization; persist строго до broadcast.
func (s *Server) handleSend(ctx context.Context, sess *Session, roomID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.sendError(sess, "empty message")
		return
	}
	if roomID == "" {
		s.sendError(sess, "missing room_id")
		return
	}
	if !s.hub.IsMember(sess, roomID) {
		s.sendError(sess, "not a member of the room")
		return
	}

	err := s.hub.Publish(roomID, func() (Message, error) {
		storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		m, err := s.chatSvc.Save(storeCtx, roomID, sess.userID, text)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeNewMessage, Payload: chatItem(m)}, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEmptyMessage):
		s.sendError(sess, "empty message")
	case errors.Is(err, domain.ErrMessageTooLong):
		s.sendError(sess, "message too long")
	case errors.Is(err, domain.ErrRoomNotFound):
		s.sendError(sess, "room not found")
	default:
		slog.Warn("ws chat save failed", "room", roomID, "session", sess.ID(), "err", err)
		s.sendError(sess, "message not saved")
	}
}

func (s *Server) writeLoop(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		}
	}
}

// sendError — error-событие только сессии-источнику.
func (s *Server) sendError(sess *Session, text string) {
	_ = sess.Send(Message{Type: TypeError, Payload: ErrorPayload{Message: text}})
}

// --- helpers ---

func decode(payload interface{}, dst interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, dst)
}

func formatUserID(id int64) string { return strconv.FormatInt(id, 10) }

func chatItem(m *domain.ChatMessage) ChatItem {
	return ChatItem{
		MsgID:         m.ID,
		RoomID:        m.RoomID,
		UserID:        formatUserID(m.UserID),
		Text:          m.Text,
		CreatedAtUnix: m.CreatedAt.Unix(),
	}
}
