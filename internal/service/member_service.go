package service

import (
	"context"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// MemberService — control-plane участники комнаты (персистентный список,
// не путать с live-членством ws-сессий).
type MemberService struct {
	roomStore        RoomStore
	participantStore ParticipantStore
}

func NewMemberService(roomStore RoomStore, participantStore ParticipantStore) *MemberService {
	return &MemberService{roomStore: roomStore, participantStore: participantStore}
}

func (s *MemberService) AddParticipant(ctx context.Context, roomID string, userID int64) error {
	if _, err := s.roomStore.Get(ctx, roomID); err != nil {
		return err
	}
	return s.participantStore.Add(ctx, roomID, userID)
}

func (s *MemberService) RemoveParticipant(ctx context.Context, roomID string, userID int64) error {
	return s.participantStore.Remove(ctx, roomID, userID)
}

func (s *MemberService) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return s.participantStore.ListByRoom(ctx, roomID)
}
