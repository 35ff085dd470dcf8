// Package authority is an in-memory remote authority: it owns rooms, memberships and
// message history and pushes events to subscribers. It backs the development server and
// the tests of the synchronization layer.
package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Operation names understood by the authority.
const (
	OpRooms          = "rooms"
	OpCreateRoom     = "createRoom"
	OpJoinRoom       = "joinRoom"
	OpLeaveAllRooms  = "leaveAllRooms"
	OpMessages       = "messages"
	OpCreateMessage  = "createMessage"
	OpDirectRoom     = "directRoom"
	OpSetTyping      = "setTyping"
	OpOnMessage      = "onMessage"
	OpOnTyping       = "onTyping"
	OpOnRoomsChanged = "onRoomsChanged"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// Error carries the HTTP status code an operation failure maps to.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) error {
	return &Error{Code: 400, Err: fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))}
}

func notFound(format string, args ...any) error {
	return &Error{Code: 404, Err: fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))}
}

type roomState struct {
	room     chat.Room
	members  map[string]chat.Identity
	messages []chat.Message
}

// Store holds all authority state. Room creation is idempotent by name for NAMED rooms
// and by unordered pair for DIRECT rooms.
type Store struct {
	mu       sync.Mutex
	notifier pubsub.Notifier
	now      func() time.Time

	rooms     map[string]*roomState
	roomOrder []string
	byName    map[string]string
	byPair    map[string]string
	users     map[string]chat.Identity
	nextMsg   int
	pending   []pendingEvent
}

// NewStore creates a store which publishes push events to n. n may be nil.
func NewStore(n pubsub.Notifier) *Store {
	return &Store{
		notifier: n,
		now:      time.Now,
		rooms:    make(map[string]*roomState),
		byName:   make(map[string]string),
		byPair:   make(map[string]string),
		users:    make(map[string]chat.Identity),
	}
}

// SetClock replaces the time source used for createdAt and typing timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// RegisterUser records display information used when a user authors messages or joins rooms.
func (s *Store) RegisterUser(id chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id.ID] = id
}

// Handle executes a single operation. vars is the operation's variables object.
func (s *Store) Handle(op string, vars gjson.Result) (any, error) {
	switch op {
	case OpRooms:
		return s.Rooms(), nil
	case OpCreateRoom:
		return s.CreateRoom(vars.Get("name").Str)
	case OpJoinRoom:
		return s.Join(vars.Get("roomId").Str, vars.Get("userId").Str)
	case OpLeaveAllRooms:
		return s.LeaveAll(vars.Get("userId").Str)
	case OpMessages:
		return s.Messages(vars.Get("roomId").Str)
	case OpCreateMessage:
		return s.CreateMessage(CreateMessageInput{
			RoomID:    vars.Get("roomId").Str,
			AuthorID:  vars.Get("authorId").Str,
			Text:      vars.Get("text").Str,
			ReplyToID: vars.Get("replyToId").Str,
			ClientID:  vars.Get("clientId").Str,
		})
	case OpDirectRoom:
		return s.DirectRoom(vars.Get("userId").Str, vars.Get("peerId").Str)
	case OpSetTyping:
		return s.SetTyping(vars.Get("roomId").Str, vars.Get("userId").Str, vars.Get("isTyping").Bool())
	default:
		return nil, badRequest("unknown operation %q", op)
	}
}

// Rooms lists NAMED rooms in creation order.
func (s *Store) Rooms() []chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namedRoomsLocked()
}

func (s *Store) namedRoomsLocked() []chat.Room {
	rooms := make([]chat.Room, 0, len(s.roomOrder))
	for _, id := range s.roomOrder {
		rs := s.rooms[id]
		if rs.room.Kind != chat.RoomKindNamed {
			continue
		}
		rooms = append(rooms, rs.snapshot())
	}
	return rooms
}

func (rs *roomState) snapshot() chat.Room {
	r := rs.room
	r.Members = make([]chat.Identity, 0, len(rs.members))
	for _, m := range rs.members {
		r.Members = append(r.Members, m)
	}
	sortIdentities(r.Members)
	return r
}

// CreateRoom returns the NAMED room called name, creating it if needed.
func (s *Store) CreateRoom(name string) (chat.Room, error) {
	if name == "" {
		return chat.Room{}, badRequest("room name is required")
	}
	s.mu.Lock()
	defer s.unlockAndFlush()
	if id, ok := s.byName[name]; ok {
		return s.rooms[id].snapshot(), nil
	}
	rs := s.newRoomLocked(chat.RoomKindNamed, name)
	s.byName[name] = rs.room.ID
	s.publishRoomsLocked()
	return rs.snapshot(), nil
}

func (s *Store) newRoomLocked(kind chat.RoomKind, name string) *roomState {
	rs := &roomState{
		room: chat.Room{
			ID:   "room-" + uuid.NewString(),
			Name: name,
			Kind: kind,
		},
		members: make(map[string]chat.Identity),
	}
	s.rooms[rs.room.ID] = rs
	s.roomOrder = append(s.roomOrder, rs.room.ID)
	return rs
}

func (s *Store) identityLocked(userID string) chat.Identity {
	if id, ok := s.users[userID]; ok {
		return id
	}
	return chat.Identity{ID: userID, DisplayName: userID}
}

// Join marks userID as an active member of roomID. Joining twice is a no-op.
func (s *Store) Join(roomID, userID string) (chat.Room, error) {
	if userID == "" {
		return chat.Room{}, badRequest("userId is required")
	}
	s.mu.Lock()
	defer s.unlockAndFlush()
	rs, ok := s.rooms[roomID]
	if !ok {
		return chat.Room{}, notFound("room %s", roomID)
	}
	if _, joined := rs.members[userID]; !joined {
		rs.members[userID] = s.identityLocked(userID)
		if rs.room.Kind == chat.RoomKindNamed {
			s.publishRoomsLocked()
		}
	}
	return rs.snapshot(), nil
}

// LeaveAll removes userID from every NAMED room.
func (s *Store) LeaveAll(userID string) (bool, error) {
	if userID == "" {
		return false, badRequest("userId is required")
	}
	s.mu.Lock()
	defer s.unlockAndFlush()
	changed := false
	for _, rs := range s.rooms {
		if rs.room.Kind != chat.RoomKindNamed {
			continue
		}
		if _, ok := rs.members[userID]; ok {
			delete(rs.members, userID)
			changed = true
		}
	}
	if changed {
		s.publishRoomsLocked()
	}
	return true, nil
}

// Messages returns the history of roomID, oldest first.
func (s *Store) Messages(roomID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil, notFound("room %s", roomID)
	}
	out := make([]chat.Message, len(rs.messages))
	copy(out, rs.messages)
	return out, nil
}

type CreateMessageInput struct {
	RoomID    string
	AuthorID  string
	Text      string
	ReplyToID string
	ClientID  string
}

// CreateMessage appends a message and pushes it to the room's subscribers.
// Ids are assigned sequentially per store: m1, m2, ...
func (s *Store) CreateMessage(in CreateMessageInput) (chat.Message, error) {
	if in.Text == "" || in.AuthorID == "" {
		return chat.Message{}, badRequest("text and authorId are required")
	}
	s.mu.Lock()
	defer s.unlockAndFlush()
	rs, ok := s.rooms[in.RoomID]
	if !ok {
		return chat.Message{}, notFound("room %s", in.RoomID)
	}
	s.nextMsg++
	msg := chat.Message{
		ID:        "m" + strconv.Itoa(s.nextMsg),
		RoomID:    in.RoomID,
		Text:      in.Text,
		Author:    s.identityLocked(in.AuthorID),
		CreatedAt: s.now().UTC(),
		ClientID:  in.ClientID,
	}
	if in.ReplyToID != "" {
		for i := range rs.messages {
			if rs.messages[i].ID == in.ReplyToID {
				msg.ReplyTo = rs.messages[i].Preview(80)
				break
			}
		}
		if msg.ReplyTo == nil {
			return chat.Message{}, notFound("reply target %s", in.ReplyToID)
		}
	}
	rs.messages = append(rs.messages, msg)
	s.publishLocked(pubsub.Topic(OpOnMessage, map[string]any{"roomId": in.RoomID}), "message", msg)
	return msg, nil
}

// DirectRoom returns the DIRECT room for the unordered pair {userID, peerID}, creating it
// if needed.
func (s *Store) DirectRoom(userID, peerID string) (chat.Room, error) {
	if userID == "" || peerID == "" {
		return chat.Room{}, badRequest("userId and peerId are required")
	}
	if userID == peerID {
		return chat.Room{}, badRequest("cannot open a direct room with yourself")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(userID, peerID)
	if id, ok := s.byPair[key]; ok {
		return s.rooms[id].snapshot(), nil
	}
	rs := s.newRoomLocked(chat.RoomKindDirect, "")
	rs.members[userID] = s.identityLocked(userID)
	rs.members[peerID] = s.identityLocked(peerID)
	s.byPair[key] = rs.room.ID
	return rs.snapshot(), nil
}

// SetTyping broadcasts a typing signal to the room. Nothing is stored.
func (s *Store) SetTyping(roomID, userID string, isTyping bool) (bool, error) {
	s.mu.Lock()
	defer s.unlockAndFlush()
	if _, ok := s.rooms[roomID]; !ok {
		return false, notFound("room %s", roomID)
	}
	s.publishLocked(pubsub.Topic(OpOnTyping, map[string]any{"roomId": roomID}), "typing", chat.TypingSignal{
		RoomID:      roomID,
		UserID:      userID,
		IsTyping:    isTyping,
		LastTypedAt: s.now().UTC(),
	})
	return true, nil
}

func (s *Store) publishRoomsLocked() {
	s.publishLocked(pubsub.Topic(OpOnRoomsChanged, nil), "rooms", s.namedRoomsLocked())
}

type pendingEvent struct {
	topic   string
	payload *pubsub.JSONPayload
}

// publishLocked queues a push event. It is sent by unlockAndFlush once s.mu is released,
// so subscriber callbacks may call back into the store.
func (s *Store) publishLocked(topic, kind string, v any) {
	if s.notifier == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Err(err).Str("topic", topic).Msg("failed to marshal push payload")
		return
	}
	s.pending = append(s.pending, pendingEvent{topic: topic, payload: &pubsub.JSONPayload{Kind: kind, Data: data}})
}

func (s *Store) unlockAndFlush() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		if err := s.notifier.Notify(ev.topic, ev.payload); err != nil {
			logger.Warn().Err(err).Str("topic", ev.topic).Msg("failed to notify")
		}
	}
}

func pairKey(a, b string) string {
	return internal.PairKey(a, b)
}

func sortIdentities(ids []chat.Identity) {
	slices.SortFunc(ids, func(a, b chat.Identity) int {
		return strings.Compare(a.ID, b.ID)
	})
}
