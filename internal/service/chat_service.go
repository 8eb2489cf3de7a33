package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

const maxMessageLen = 4000

type ChatService struct {
	chatStore MessageStore
	roomStore RoomStore
}

func NewChatService(chatStore MessageStore, roomStore RoomStore) *ChatService {
	return &ChatService{chatStore: chatStore, roomStore: roomStore}
}

// Save валидирует и фиксирует сообщение. Комната должна существовать в Store;
// порядок результата задаёт БД, не время прихода.
func (s *ChatService) Save(ctx context.Context, roomID string, userID int64, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return nil, domain.ErrMessageTooLong
	}

	if _, err := s.roomStore.Get(ctx, roomID); err != nil {
		return nil, err
	}

	return s.chatStore.Save(ctx, roomID, userID, text)
}

// Replay — сохранённая последовательность комнаты по возрастанию created_at.
func (s *ChatService) Replay(ctx context.Context, roomID string) ([]domain.ChatMessage, error) {
	return s.chatStore.Replay(ctx, roomID)
}

func (s *ChatService) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	return s.chatStore.History(ctx, roomID, after, limit)
}
