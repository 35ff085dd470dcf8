package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/transport"
)

const opDirectRoom = "directRoom"

// how long a resolved direct room id is remembered before asking the remote authority again
const directRoomTTL = 5 * time.Minute

var ErrSelfDirectRoom = errors.New("cannot open a direct room with yourself")

// DirectResolver resolves the exactly-two-party room between the current user and a peer.
// The remote authority returns the same room for both directions of a pair; results are
// remembered per unordered pair.
type DirectResolver struct {
	req   transport.Requester
	user  chat.CurrentUser
	cache *ttlcache.Cache[string, chat.Room]
}

// NewDirectResolver returns a resolver for the direct rooms of user.
func NewDirectResolver(req transport.Requester, user chat.CurrentUser) *DirectResolver {
	cache := ttlcache.New[string, chat.Room](
		ttlcache.WithTTL[string, chat.Room](directRoomTTL),
		ttlcache.WithDisableTouchOnHit[string, chat.Room](),
	)
	return &DirectResolver{
		req:   req,
		user:  user,
		cache: cache,
	}
}

// Resolve returns the id of the direct room with peerID, creating it on the remote side
// if it does not exist yet.
func (d *DirectResolver) Resolve(ctx context.Context, peerID string) (string, error) {
	room, err := d.ResolveRoom(ctx, peerID)
	if err != nil {
		return "", err
	}
	return room.ID, nil
}

// ResolveRoom is Resolve returning the full room, including both members.
func (d *DirectResolver) ResolveRoom(ctx context.Context, peerID string) (chat.Room, error) {
	if peerID == "" {
		return chat.Room{}, fmt.Errorf("ResolveRoom: peer id is required")
	}
	if peerID == d.user.ID {
		return chat.Room{}, ErrSelfDirectRoom
	}
	key := internal.PairKey(d.user.ID, peerID)
	if item := d.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	ctx, task := internal.StartTask(ctx, "ResolveDirectRoom")
	defer task.End()
	res, err := d.req.Request(ctx, opDirectRoom, map[string]any{
		"userId": d.user.ID,
		"peerId": peerID,
	})
	if err != nil {
		return chat.Room{}, fmt.Errorf("ResolveRoom %s: %w", peerID, err)
	}
	room, ok := parseRoom(res)
	if !ok {
		return chat.Room{}, fmt.Errorf("ResolveRoom %s: %w", peerID, ErrRoomMissing)
	}
	room.Kind = chat.RoomKindDirect
	internal.Assert("direct room has at most two members", len(room.Members) <= 2)
	d.cache.Set(key, room, ttlcache.DefaultTTL)
	return room, nil
}

// Forget drops the remembered room for peerID, e.g. after the room was deleted elsewhere.
func (d *DirectResolver) Forget(peerID string) {
	d.cache.Delete(internal.PairKey(d.user.ID, peerID))
}
