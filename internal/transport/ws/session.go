package ws

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session — серверное представление одного живого соединения.
// Создаётся на connect, после disconnect не переиспользуется:
// переподключившийся клиент получает новую сессию.
type Session struct {
	id     string
	userID int64
	conn   *websocket.Conn
	sendMu chan struct{}
	closed chan struct{}
}

func newSession(conn *websocket.Conn, userID int64) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return strconv.FormatInt(s.userID, 10) }

func (s *Session) Send(msg Message) error {
	s.sendMu <- struct{}{}
	defer func() { <-s.sendMu }()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return s.conn.WriteJSON(msg)
}

func (s *Session) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}

	return s.conn.Close()
}
