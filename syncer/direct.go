package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/rooms"
	"github.com/peersupport/roomsync/scroll"
	"github.com/peersupport/roomsync/timeline"
	"github.com/peersupport/roomsync/transport"
	"github.com/peersupport/roomsync/typing"
)

// DirectSynchronizer is the direct-message variant of Synchronizer. Sends are appended
// optimistically under a temporary id and replaced once confirmed. A failed send retracts
// exactly the temporary message it added.
type DirectSynchronizer struct {
	*Synchronizer

	resolver *rooms.DirectResolver
	presence *typing.Channel

	typingMu     sync.Mutex
	peerID       string
	typingSub    transport.Subscription
	typingUsers  []chat.TypingSignal
	typingNotify []func([]chat.TypingSignal)
}

// NewDirect creates a direct-message synchronizer. presence may be nil to disable typing
// indicators.
func NewDirect(req transport.Requester, sub transport.Subscriber, user chat.CurrentUser, anchor *scroll.Controller,
	resolver *rooms.DirectResolver, presence *typing.Channel) *DirectSynchronizer {
	s := New(req, sub, user, anchor)
	s.kind = chat.RoomKindDirect
	return &DirectSynchronizer{
		Synchronizer: s,
		resolver:     resolver,
		presence:     presence,
	}
}

// OpenPeer resolves the direct room with peerID and opens it. Typing signals for the room
// are tracked if a presence channel was given.
func (d *DirectSynchronizer) OpenPeer(ctx context.Context, peerID string) (string, error) {
	roomID, err := d.resolver.Resolve(ctx, peerID)
	if err != nil {
		return "", fmt.Errorf("OpenPeer: %w", err)
	}
	d.watchTyping(ctx, peerID, roomID)
	return roomID, d.Open(ctx, roomID)
}

func (d *DirectSynchronizer) watchTyping(ctx context.Context, peerID, roomID string) {
	d.typingMu.Lock()
	prev := d.typingSub
	d.typingSub = nil
	d.peerID = peerID
	d.typingUsers = nil
	d.typingMu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
	if d.presence == nil {
		return
	}
	sub, err := d.presence.OnTyping(ctx, d.sub, roomID, func(sigs []chat.TypingSignal) {
		d.typingMu.Lock()
		if d.peerID != peerID {
			d.typingMu.Unlock()
			return
		}
		d.typingUsers = sigs
		fns := make([]func([]chat.TypingSignal), len(d.typingNotify))
		copy(fns, d.typingNotify)
		d.typingMu.Unlock()
		for _, fn := range fns {
			fn(sigs)
		}
	})
	if err != nil {
		logger.Warn().Err(err).Str("room", roomID).Msg("typing indicators unavailable")
		return
	}
	d.typingMu.Lock()
	if d.peerID != peerID {
		d.typingMu.Unlock()
		sub.Unsubscribe()
		return
	}
	d.typingSub = sub
	d.typingMu.Unlock()
}

// TypingUsers returns the users other than the current user who are typing in the room.
func (d *DirectSynchronizer) TypingUsers() []chat.TypingSignal {
	d.typingMu.Lock()
	defer d.typingMu.Unlock()
	out := make([]chat.TypingSignal, len(d.typingUsers))
	copy(out, d.typingUsers)
	return out
}

// OnTypingChange registers fn to receive the typing set whenever it changes.
func (d *DirectSynchronizer) OnTypingChange(fn func([]chat.TypingSignal)) {
	d.typingMu.Lock()
	defer d.typingMu.Unlock()
	d.typingNotify = append(d.typingNotify, fn)
}

// Send appends the message optimistically, then creates it. The confirmed copy replaces
// the temporary one whether it arrives first through the push channel or as the result.
func (d *DirectSynchronizer) Send(ctx context.Context, text, replyToID string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	s := d.Synchronizer
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, ErrClosed
	}
	roomID := s.roomID
	gen := s.generation
	if roomID == "" {
		s.mu.Unlock()
		return chat.Message{}, ErrNoRoom
	}
	tmp := chat.Message{
		ID:        chat.NewTempID(),
		RoomID:    roomID,
		Text:      text,
		Author:    s.user.Identity(),
		CreatedAt: s.now().UTC(),
	}
	tmp.ClientID = tmp.ID
	if replyToID != "" {
		if target, ok := timeline.Find(s.messages, replyToID); ok {
			tmp.ReplyTo = target.Preview(replyPreviewLen)
		} else {
			tmp.ReplyTo = &chat.ReplyPreview{ID: replyToID}
		}
	}
	s.messages = s.merger.Merge(s.messages, []chat.Message{tmp})
	s.mu.Unlock()

	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextUserID(ctx, s.user.ID)
	internal.SetRequestContextRoom(ctx, roomID, opCreateMessage)
	ctx, task := internal.StartTask(ctx, "SendDirect")
	defer task.End()
	s.changed(ctx)

	msg, err := s.create(ctx, roomID, text, replyToID, tmp.ID)
	if err != nil {
		sendsTotal.WithLabelValues(string(s.kind), "failed").Inc()
		task.Fail(err)
		d.retract(ctx, gen, tmp.ID)
		return chat.Message{}, err
	}
	sendsTotal.WithLabelValues(string(s.kind), "ok").Inc()
	if s.absorb(gen, msg) {
		s.changed(ctx)
	}
	return msg, nil
}

func (d *DirectSynchronizer) retract(ctx context.Context, gen uint64, tempID string) {
	s := d.Synchronizer
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		return
	}
	before := len(s.messages)
	s.messages = timeline.Retract(s.messages, tempID)
	removed := len(s.messages) != before
	s.mu.Unlock()
	if removed {
		retractionsTotal.Inc()
		s.changed(ctx)
	}
}

// Close tears down the message and typing subscriptions.
func (d *DirectSynchronizer) Close() {
	d.typingMu.Lock()
	sub := d.typingSub
	d.typingSub = nil
	d.peerID = ""
	d.typingNotify = nil
	d.typingMu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	d.Synchronizer.Close()
}
