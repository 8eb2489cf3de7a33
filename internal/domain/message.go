package domain

import "time"

// ChatMessage неизменяем после создания; created_at назначает БД,
// порядок в комнате — порядок коммитов (created_at, id).
type ChatMessage struct {
	ID        string    `db:"id"`
	RoomID    string    `db:"room_id"`
	UserID    int64     `db:"user_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}
