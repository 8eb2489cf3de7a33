package domain

import "time"

type Participant struct {
	RoomID  string    `db:"room_id"`
	UserID  int64     `db:"user_id"`
	AddedAt time.Time `db:"added_at"`
}
