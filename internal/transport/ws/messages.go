package ws

// Типы событий протокола поверх постоянного соединения
const (
	TypeJoinRoom    = "join-room"    // клиент → сервер
	TypeLeaveRoom   = "leave-room"   // клиент → сервер
	TypeSendMessage = "send-message" // клиент → сервер

	TypeRoomHistory = "room-history" // только присоединившейся сессии, ровно один раз на join
	TypeNewMessage  = "new-message"  // всем членам комнаты в порядке коммитов
	TypeActiveUsers = "active-users" // всем членам при каждом изменении членства
	TypeNewRoom     = "new-room"     // сессиям перечисленных участников
	TypeError       = "error"        // только сессии-источнику
)

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id,omitempty"` // сервер подставляет проверенную личность
	Text   string `json:"text"`
}

// ChatItem — payload new-message; room-history несёт []ChatItem.
type ChatItem struct {
	MsgID         string `json:"msg_id"`
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Text          string `json:"text"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

type ActiveUsersPayload struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}

type RoomInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

type NewRoomPayload struct {
	Room         RoomInfo `json:"room"`
	Participants []string `json:"participants"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
