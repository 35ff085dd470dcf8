package rooms

import (
	"github.com/peersupport/roomsync/chat"
	"github.com/tidwall/gjson"
)

// Counts projects a room list to member counts keyed by room name, e.g. for tab labels.
// It is recomputed from the list every time rather than maintained incrementally, so it
// cannot drift from the member lists it summarises. Unnamed rooms are skipped.
func Counts(rooms []chat.Room) map[string]int {
	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		if r.Name == "" {
			continue
		}
		counts[r.Name] = len(r.Members)
	}
	return counts
}

func parseRooms(res gjson.Result) []chat.Room {
	arr := res.Array()
	rooms := make([]chat.Room, 0, len(arr))
	for _, item := range arr {
		r, ok := parseRoom(item)
		if !ok {
			logger.Warn().Str("raw", item.Raw).Msg("dropping malformed room")
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms
}

func parseRoom(res gjson.Result) (chat.Room, bool) {
	id := res.Get("id").Str
	if !res.IsObject() || id == "" {
		return chat.Room{}, false
	}
	r := chat.Room{
		ID:   id,
		Name: res.Get("name").Str,
		Kind: chat.RoomKind(res.Get("kind").Str),
	}
	if r.Kind == "" {
		r.Kind = chat.RoomKindNamed
	}
	for _, m := range res.Get("members").Array() {
		mid := m.Get("id").Str
		if mid == "" {
			continue
		}
		r.Members = append(r.Members, chat.Identity{
			ID:          mid,
			DisplayName: m.Get("displayName").Str,
			AvatarURL:   m.Get("avatarUrl").Str,
		})
	}
	return r, true
}
