package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

type RoomService struct {
	roomStore        RoomStore
	participantStore ParticipantStore
}

func NewRoomService(roomStore RoomStore, participantStore ParticipantStore) *RoomService {
	return &RoomService{roomStore: roomStore, participantStore: participantStore}
}

// CreateRoom создаёт комнату и записывает стартовый список участников.
// Сбой записи участника не откатывает комнату — участника можно добавить повторно.
func (s *RoomService) CreateRoom(ctx context.Context, name string, participants []int64) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "untitled"
	}

	room := &domain.Room{Name: name}
	if err := s.roomStore.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("roomStore.Create: %w", err)
	}

	for _, uid := range participants {
		if err := s.participantStore.Add(ctx, room.ID, uid); err != nil {
			return room, fmt.Errorf("participantStore.Add(%d): %w", uid, err)
		}
	}
	return room, nil
}

func (s *RoomService) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.roomStore.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

// ListRooms возвращает список комнат с курсорной пагинацией.
func (s *RoomService) ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	return s.roomStore.List(ctx, limit, cursor)
}

func (s *RoomService) DeleteRoom(ctx context.Context, id string) error {
	return s.roomStore.Delete(ctx, id)
}
