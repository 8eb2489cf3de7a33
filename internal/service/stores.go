package service

import (
	"context"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// Интерфейсы Store-коллаборатора; реализация — internal/postgres,
// в тестах подставляются фейки.

type RoomStore interface {
	Create(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, id string) (*domain.Room, error)
	List(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error)
	Delete(ctx context.Context, id string) error
}

type ParticipantStore interface {
	Add(ctx context.Context, roomID string, userID int64) error
	Remove(ctx context.Context, roomID string, userID int64) error
	Exists(ctx context.Context, roomID string, userID int64) (bool, error)
	ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error)
}

type MessageStore interface {
	Save(ctx context.Context, roomID string, userID int64, text string) (*domain.ChatMessage, error)
	Replay(ctx context.Context, roomID string) ([]domain.ChatMessage, error)
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}
