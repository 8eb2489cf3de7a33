package ws

import (
	"sync"

	"github.com/samber/lo"
)

// Conn — неблокирующая для Hub абстракция сессии.
// Hub держит только ссылки; владелец сессии — Server.
type Conn interface {
	ID() string
	UserID() string
	Send(msg Message) error
}

// Hub — реестр комнат: roomID -> множество живых сессий.
// Мутация членства и рассылка active-users выполняются под локом
// конкретной комнаты; разные комнаты независимы.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*roomState
	joined map[Conn]map[string]struct{} // обратный индекс: сессия -> её комнаты
	users  map[string]map[Conn]struct{} // user_id -> живые сессии (для new-room)
}

type roomState struct {
	mu      sync.Mutex
	members map[Conn]struct{}
	dead    bool // выселена из реестра, указатель больше не валиден

	pubMu sync.Mutex // сериализует persist+broadcast и join-реплей по комнате
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]*roomState),
		joined: make(map[Conn]map[string]struct{}),
		users:  make(map[string]map[Conn]struct{}),
	}
}

// lockRoom возвращает roomState с захваченным rs.mu; вызывающий освобождает.
// Переигрывает lookup, если комната была выселена между lookup и локом.
func (h *Hub) lockRoom(roomID string, create bool) *roomState {
	for {
		h.mu.Lock()
		rs, ok := h.rooms[roomID]
		if !ok {
			if !create {
				h.mu.Unlock()
				return nil
			}
			rs = &roomState{members: make(map[Conn]struct{})}
			h.rooms[roomID] = rs
		}
		h.mu.Unlock()

		rs.mu.Lock()
		if !rs.dead {
			return rs
		}
		rs.mu.Unlock()
	}
}

// lockRoomPub — как lockRoom, но сперва берёт publish-лок комнаты.
// Возвращает rs с захваченными pubMu и rs.mu; комната создаётся лениво.
func (h *Hub) lockRoomPub(roomID string) *roomState {
	for {
		h.mu.Lock()
		rs, ok := h.rooms[roomID]
		if !ok {
			rs = &roomState{members: make(map[Conn]struct{})}
			h.rooms[roomID] = rs
		}
		h.mu.Unlock()

		rs.pubMu.Lock()
		rs.mu.Lock()
		if !rs.dead {
			return rs
		}
		rs.mu.Unlock()
		rs.pubMu.Unlock()
	}
}

// evictLocked выселяет опустевшую комнату. Вызывается под rs.mu.
func (h *Hub) evictLocked(roomID string, rs *roomState) {
	if len(rs.members) > 0 {
		return
	}
	rs.dead = true
	h.mu.Lock()
	if h.rooms[roomID] == rs {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
}

func broadcastLocked(rs *roomState, msg Message) {
	for c := range rs.members {
		_ = c.Send(msg) // best-effort
	}
}

// Register регистрирует сессию при connect.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.joined[c]; ok {
		return
	}
	h.joined[c] = make(map[string]struct{})
	us, ok := h.users[c.UserID()]
	if !ok {
		us = make(map[Conn]struct{})
		h.users[c.UserID()] = us
	}
	us[c] = struct{}{}
}

// Unregister снимает сессию со всех комнат с recount по каждой.
// Идемпотентен: повторный вызов — no-op.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	roomIDs := h.joined[c]
	delete(h.joined, c)
	if us, ok := h.users[c.UserID()]; ok {
		delete(us, c)
		if len(us) == 0 {
			delete(h.users, c.UserID())
		}
	}
	h.mu.Unlock()

	for roomID := range roomIDs {
		rs := h.lockRoom(roomID, false)
		if rs == nil {
			continue
		}
		if _, ok := rs.members[c]; ok {
			delete(rs.members, c)
			broadcastLocked(rs, Message{
				Type:    TypeActiveUsers,
				Payload: ActiveUsersPayload{RoomID: roomID, Count: len(rs.members)},
			})
			h.evictLocked(roomID, rs)
		}
		rs.mu.Unlock()
	}
}

// joinLocked добавляет сессию в комнату под rs.mu: членство, recount
// и обратный индекс меняются в одной критической секции.
func (h *Hub) joinLocked(c Conn, roomID string, rs *roomState) int {
	if _, ok := rs.members[c]; ok {
		return len(rs.members)
	}
	rs.members[c] = struct{}{}
	n := len(rs.members)
	broadcastLocked(rs, Message{
		Type:    TypeActiveUsers,
		Payload: ActiveUsersPayload{RoomID: roomID, Count: n},
	})

	h.mu.Lock()
	if set, ok := h.joined[c]; ok {
		set[roomID] = struct{}{}
	} else {
		h.joined[c] = map[string]struct{}{roomID: {}}
	}
	h.mu.Unlock()

	return n
}

// Join — идемпотентное добавление в комнату; комната создаётся лениво.
func (h *Hub) Join(c Conn, roomID string) int {
	rs := h.lockRoom(roomID, true)
	n := h.joinLocked(c, roomID, rs)
	rs.mu.Unlock()
	return n
}

// JoinSync — join и доставка реплея под publish-локом комнаты: коммит,
// случившийся после добавления членства, доходит до новичка ровно одним
// путём (broadcast), а реплей остаётся префиксом его потока new-message.
// Ошибка fetch не откатывает членство.
func (h *Hub) JoinSync(c Conn, roomID string, fetch func() (Message, error)) error {
	rs := h.lockRoomPub(roomID)
	h.joinLocked(c, roomID, rs)
	rs.mu.Unlock()
	defer rs.pubMu.Unlock()

	msg, err := fetch()
	if err != nil {
		return err
	}
	_ = c.Send(msg)
	return nil
}

// Leave — идемпотентное удаление; true, если сессия была членом.
func (h *Hub) Leave(c Conn, roomID string) bool {
	removed := false

	rs := h.lockRoom(roomID, false)
	if rs != nil {
		if _, ok := rs.members[c]; ok {
			delete(rs.members, c)
			removed = true
			broadcastLocked(rs, Message{
				Type:    TypeActiveUsers,
				Payload: ActiveUsersPayload{RoomID: roomID, Count: len(rs.members)},
			})
			h.evictLocked(roomID, rs)
		}
		h.dropJoined(c, roomID)
		rs.mu.Unlock()
		return removed
	}

	h.dropJoined(c, roomID)
	return removed
}

func (h *Hub) dropJoined(c Conn, roomID string) {
	h.mu.Lock()
	if set, ok := h.joined[c]; ok {
		delete(set, roomID)
	}
	h.mu.Unlock()
}

func (h *Hub) IsMember(c Conn, roomID string) bool {
	rs := h.lockRoom(roomID, false)
	if rs == nil {
		return false
	}
	_, ok := rs.members[c]
	rs.mu.Unlock()
	return ok
}

// Members — консистентный снапшот членов на момент вызова.
func (h *Hub) Members(roomID string) []Conn {
	rs := h.lockRoom(roomID, false)
	if rs == nil {
		return nil
	}
	out := make([]Conn, 0, len(rs.members))
	for c := range rs.members {
		out = append(out, c)
	}
	rs.mu.Unlock()
	return out
}

func (h *Hub) Count(roomID string) int {
	rs := h.lockRoom(roomID, false)
	if rs == nil {
		return 0
	}
	n := len(rs.members)
	rs.mu.Unlock()
	return n
}

// Publish сериализует commit+рассылку по комнате: порядок new-message
// совпадает с порядком коммитов Store. Durability перед visibility:
// при ошибке commit рассылки нет. Разные комнаты публикуют независимо.
func (h *Hub) Publish(roomID string, commit func() (Message, error)) error {
	h.mu.Lock()
	rs, ok := h.rooms[roomID]
	if !ok {
		// комнаты нет в реестре — членов нет, рассылка вырожденная;
		// detached-state не попадает в map и не течёт
		rs = &roomState{members: make(map[Conn]struct{})}
	}
	h.mu.Unlock()

	rs.pubMu.Lock()
	defer rs.pubMu.Unlock()

	msg, err := commit()
	if err != nil {
		return err
	}

	rs.mu.Lock()
	broadcastLocked(rs, msg)
	rs.mu.Unlock()
	return nil
}

// NotifyUsers доставляет событие живым сессиям перечисленных пользователей.
// Фильтрация по участникам — на сервере, не у клиента.
func (h *Hub) NotifyUsers(userIDs []string, msg Message) {
	h.mu.RLock()
	var conns []Conn
	for _, uid := range lo.Uniq(userIDs) {
		for c := range h.users[uid] {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Send(msg)
	}
}
