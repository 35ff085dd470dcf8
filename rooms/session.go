// Package rooms resolves rooms and manages the current user's transient membership in
// them for as long as a screen is visible.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	opRooms          = "rooms"
	opCreateRoom     = "createRoom"
	opJoinRoom       = "joinRoom"
	opLeaveAllRooms  = "leaveAllRooms"
	opOnRoomsChanged = "onRoomsChanged"
)

var ErrRoomMissing = errors.New("remote authority returned no room")

// Manager owns the lifecycle of membership in named rooms. Focus and Blur are serialized,
// so a Blur racing an unfinished Focus runs after the join completes.
type Manager struct {
	req  transport.Requester
	user chat.CurrentUser

	lifecycleMu sync.Mutex

	mu     sync.Mutex
	rooms  []chat.Room
	joined map[string]chat.Room
	watch  transport.Subscription
}

// NewManager returns a Manager acting as user.
func NewManager(req transport.Requester, user chat.CurrentUser) *Manager {
	return &Manager{
		req:    req,
		user:   user,
		joined: make(map[string]chat.Room),
	}
}

// EnsureRoom resolves the named room, creating it if the remote authority does not know it.
// Creation is assumed idempotent by name on the remote side.
func (m *Manager) EnsureRoom(ctx context.Context, name string) (string, error) {
	ctx, task := internal.StartTask(ctx, "EnsureRoom")
	defer task.End()
	res, err := m.req.Request(ctx, opRooms, nil)
	if err != nil {
		return "", fmt.Errorf("EnsureRoom: list rooms: %w", err)
	}
	rooms := parseRooms(res)
	m.setRooms(rooms)
	for _, r := range rooms {
		if r.Kind == chat.RoomKindNamed && r.Name == name {
			return r.ID, nil
		}
	}
	internal.Logf(ctx, "rooms", "creating room %s", name)
	res, err = m.req.Request(ctx, opCreateRoom, map[string]any{"name": name})
	if err != nil {
		return "", fmt.Errorf("EnsureRoom: create %q: %w", name, err)
	}
	room, ok := parseRoom(res)
	if !ok {
		return "", fmt.Errorf("EnsureRoom: create %q: %w", name, ErrRoomMissing)
	}
	m.upsertRoom(room)
	return room.ID, nil
}

// Join declares membership. The returned room state refreshes the cached member list.
// Callers must not treat a failure as fatal.
func (m *Manager) Join(ctx context.Context, roomID, userID string) (chat.Room, error) {
	res, err := m.req.Request(ctx, opJoinRoom, map[string]any{"roomId": roomID, "userId": userID})
	if err != nil {
		return chat.Room{}, fmt.Errorf("Join %s: %w", roomID, err)
	}
	room, ok := parseRoom(res)
	if !ok {
		// membership was still declared; just nothing to refresh
		room = chat.Room{ID: roomID, Kind: chat.RoomKindNamed}
	} else {
		m.upsertRoom(room)
	}
	m.mu.Lock()
	m.joined[roomID] = room
	m.mu.Unlock()
	return room, nil
}

// LeaveAll signals that userID is not present in any managed room. It is best effort:
// failures are logged and never returned.
func (m *Manager) LeaveAll(ctx context.Context, userID string) {
	m.mu.Lock()
	m.joined = make(map[string]chat.Room)
	m.mu.Unlock()
	if _, err := m.req.Request(ctx, opLeaveAllRooms, map[string]any{"userId": userID}); err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("user", userID).Msg("LeaveAll failed, presence may be stale")
	}
}

// Focus runs when a screen showing room name becomes visible: resolve the room, then join
// it as the current user. A join failure is logged and the room id is still returned.
func (m *Manager) Focus(ctx context.Context, name string) (string, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextUserID(ctx, m.user.ID)
	roomID, err := m.EnsureRoom(ctx, name)
	if err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("name", name).Msg("Focus: failed to resolve room")
		return "", err
	}
	internal.SetRequestContextRoom(ctx, roomID, opJoinRoom)
	if _, err = m.Join(ctx, roomID, m.user.ID); err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("Focus: join failed, continuing without membership")
	}
	return roomID, nil
}

// FocusAll resolves and joins every named room shown by a tabbed screen. Rooms which fail
// to resolve are left out of the result.
func (m *Manager) FocusAll(ctx context.Context, names []string) map[string]string {
	ids := make(map[string]string, len(names))
	for _, name := range names {
		id, err := m.Focus(ctx, name)
		if err != nil {
			continue
		}
		ids[name] = id
	}
	return ids
}

// Blur runs when the room-set screen loses focus or unmounts.
func (m *Manager) Blur(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextUserID(ctx, m.user.ID)
	m.LeaveAll(ctx, m.user.ID)
}

// Joined returns the ids of rooms the manager believes it is a member of.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return internal.Keys(m.joined)
}

// Rooms returns the latest known room list.
func (m *Manager) Rooms() []chat.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Room, len(m.rooms))
	copy(out, m.rooms)
	return out
}

// Counts returns the member count per room name, derived from the latest room list.
func (m *Manager) Counts() map[string]int {
	return Counts(m.Rooms())
}

// Watch keeps the room list current from the onRoomsChanged push channel. onChange, if
// set, receives the recomputed counts after every event. A second Watch replaces the first.
func (m *Manager) Watch(ctx context.Context, sub transport.Subscriber, onChange func(counts map[string]int)) error {
	s, err := sub.Subscribe(ctx, opOnRoomsChanged, nil, transport.Handlers{
		OnData: func(data gjson.Result) {
			if !data.IsArray() {
				logger.Warn().Str("type", data.Type.String()).Msg("onRoomsChanged: dropping malformed payload")
				return
			}
			rooms := parseRooms(data)
			m.setRooms(rooms)
			if onChange != nil {
				internal.SafeCall(ctx, "onRoomsChanged", func() {
					onChange(Counts(rooms))
				})
			}
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("onRoomsChanged: subscription error")
		},
	})
	if err != nil {
		return fmt.Errorf("Watch: %w", err)
	}
	m.mu.Lock()
	prev := m.watch
	m.watch = s
	m.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
	return nil
}

// Close stops watching the room list.
func (m *Manager) Close() {
	m.mu.Lock()
	w := m.watch
	m.watch = nil
	m.mu.Unlock()
	if w != nil {
		w.Unsubscribe()
	}
}

func (m *Manager) setRooms(rooms []chat.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make([]chat.Room, len(rooms))
	copy(m.rooms, rooms)
}

func (m *Manager) upsertRoom(room chat.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rooms {
		if m.rooms[i].ID == room.ID {
			m.rooms[i] = room
			return
		}
	}
	m.rooms = append(m.rooms, room)
}
