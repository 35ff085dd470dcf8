// Package syncer keeps the visible message list of one room screen in sync with the remote
// authority: an initial fetch, one push subscription, and sends.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/scroll"
	"github.com/peersupport/roomsync/timeline"
	"github.com/peersupport/roomsync/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	opMessages      = "messages"
	opCreateMessage = "createMessage"
	opOnMessage     = "onMessage"
)

var (
	ErrClosed       = errors.New("synchronizer closed")
	ErrNoRoom       = errors.New("no room open")
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrSuperseded is returned when the room changed before a request completed. The
	// result was discarded.
	ErrSuperseded = errors.New("room changed before the request completed")
)

// State is an immutable snapshot handed to listeners.
type State struct {
	RoomID   string
	Messages []chat.Message
	Loading  bool
}

// Synchronizer owns the message list of one room screen. It holds at most one live push
// subscription. Results of requests issued for a previous room are discarded.
//
// Room chat has no optimistic insert: a sent message appears once the remote authority
// confirms it. See DirectSynchronizer for the optimistic variant.
type Synchronizer struct {
	req    transport.Requester
	sub    transport.Subscriber
	user   chat.CurrentUser
	anchor *scroll.Controller
	merger timeline.Merger
	kind   chat.RoomKind

	mu           sync.Mutex
	now          func() time.Time
	roomID       string
	generation   uint64
	messages     []chat.Message
	loading      bool
	subscription transport.Subscription
	cancelFetch  context.CancelFunc
	closed       bool
	listeners    []func(State)
	// emitting is set while a goroutine is delivering snapshots; dirty asks it to go again
	emitting bool
	dirty    bool
}

// New creates a synchronizer for user. anchor may be nil when nothing is rendered.
func New(req transport.Requester, sub transport.Subscriber, user chat.CurrentUser, anchor *scroll.Controller) *Synchronizer {
	return &Synchronizer{
		req:    req,
		sub:    sub,
		user:   user,
		anchor: anchor,
		merger: timeline.Merger{Tolerance: timeline.DefaultTolerance},
		kind:   chat.RoomKindNamed,
		now:    time.Now,
	}
}

// SetClock replaces the clock used to timestamp optimistic messages.
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnChange registers fn to receive a snapshot after every change. Snapshots are delivered
// one at a time, in order, and may be coalesced.
func (s *Synchronizer) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Open switches the synchronizer to roomID: the previous subscription is torn down, a push
// subscription for roomID is opened and the history is fetched. The subscription is opened
// first so that nothing sent between the fetch and the subscribe is missed.
//
// A failed fetch leaves an empty, non-loading state and returns the error. If another Open
// or Close happens while this one is in flight, its results are dropped and ErrSuperseded
// is returned.
func (s *Synchronizer) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("Open: %w", ErrNoRoom)
	}
	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextUserID(ctx, s.user.ID)
	internal.SetRequestContextRoom(ctx, roomID, opMessages)
	ctx, task := internal.StartTask(ctx, "OpenRoom")
	defer task.End()

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prevSub := s.subscription
	prevCancel := s.cancelFetch
	s.subscription = nil
	s.cancelFetch = cancelFetch
	s.generation++
	gen := s.generation
	s.roomID = roomID
	s.messages = nil
	s.loading = true
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevSub != nil {
		prevSub.Unsubscribe()
	}
	s.changed(ctx)

	subCtx, phase := internal.StartPhase(ctx, "subscribe")
	sub, err := s.sub.Subscribe(subCtx, opOnMessage, map[string]any{"roomId": roomID}, transport.Handlers{
		OnData: func(data gjson.Result) {
			internal.SafeCall(ctx, "onMessage", func() {
				s.onPush(ctx, gen, data)
			})
		},
		OnError: func(err error) {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("onMessage: subscription error, not retrying")
		},
	})
	phase.Fail(err)
	phase.End()
	if err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("Open: failed to subscribe, continuing without push")
	} else {
		s.mu.Lock()
		current := s.generation == gen && !s.closed
		if current {
			s.subscription = sub
		}
		s.mu.Unlock()
		if !current {
			sub.Unsubscribe()
			staleResultsTotal.WithLabelValues("subscribe").Inc()
			return ErrSuperseded
		}
	}

	fetchCtx, phase = internal.StartPhase(fetchCtx, "fetch")
	res, err := s.fetch(fetchCtx, roomID)
	phase.Fail(err)
	phase.End()
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		staleResultsTotal.WithLabelValues("fetch").Inc()
		internal.Logf(ctx, "syncer", "discarding stale fetch for %s", roomID)
		return ErrSuperseded
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.changed(ctx)
		task.Fail(err)
		return fmt.Errorf("Open %s: %w", roomID, err)
	}
	s.messages = s.merger.Merge(s.messages, res)
	s.mu.Unlock()
	s.changed(ctx)
	return nil
}

// Refresh re-fetches the history of the current room and merges it. It is the only retry
// path after a failed fetch.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	roomID := s.roomID
	gen := s.generation
	s.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("Refresh: %w", ErrNoRoom)
	}
	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextRoom(ctx, roomID, opMessages)
	ctx, task := internal.StartTask(ctx, "Refresh")
	defer task.End()

	res, err := s.fetch(ctx, roomID)
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		staleResultsTotal.WithLabelValues("refresh").Inc()
		return ErrSuperseded
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("Refresh %s: %w", roomID, err)
	}
	s.loading = false
	s.messages = s.merger.Merge(s.messages, res)
	s.mu.Unlock()
	s.changed(ctx)
	return nil
}

func (s *Synchronizer) fetch(ctx context.Context, roomID string) ([]chat.Message, error) {
	res, err := s.req.Request(ctx, opMessages, map[string]any{"roomId": roomID})
	if err != nil {
		fetchFailuresTotal.Inc()
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("failed to fetch messages")
		return nil, err
	}
	return timeline.ParseMessages(res), nil
}

func (s *Synchronizer) onPush(ctx context.Context, gen uint64, data gjson.Result) {
	msg, err := timeline.ParseMessage(data)
	if err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("onMessage: dropping malformed event")
		return
	}
	if !s.absorb(gen, msg) {
		staleResultsTotal.WithLabelValues("push").Inc()
		return
	}
	pushEventsTotal.Inc()
	s.changed(ctx)
}

// absorb merges a confirmed message if gen is still the current room. It returns false
// when the message was dropped.
func (s *Synchronizer) absorb(gen uint64, msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.closed {
		return false
	}
	if msg.RoomID != "" && msg.RoomID != s.roomID {
		logger.Warn().Str("room", s.roomID).Str("msg_room", msg.RoomID).Msg("dropping message for another room")
		return false
	}
	s.messages = s.merger.Merge(s.messages, []chat.Message{msg})
	return true
}

// Send creates a message in the current room. On success the confirmed message is merged
// and returned. Sends are independent: nothing is queued or serialized.
func (s *Synchronizer) Send(ctx context.Context, text, replyToID string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, ErrClosed
	}
	roomID := s.roomID
	gen := s.generation
	s.mu.Unlock()
	if roomID == "" {
		return chat.Message{}, ErrNoRoom
	}
	ctx = internal.RequestContext(ctx)
	internal.SetRequestContextUserID(ctx, s.user.ID)
	internal.SetRequestContextRoom(ctx, roomID, opCreateMessage)
	ctx, task := internal.StartTask(ctx, "Send")
	defer task.End()

	msg, err := s.create(ctx, roomID, text, replyToID, "")
	if err != nil {
		sendsTotal.WithLabelValues(string(s.kind), "failed").Inc()
		task.Fail(err)
		return chat.Message{}, err
	}
	sendsTotal.WithLabelValues(string(s.kind), "ok").Inc()
	if s.absorb(gen, msg) {
		s.changed(ctx)
	} else {
		staleResultsTotal.WithLabelValues("send").Inc()
	}
	return msg, nil
}

func (s *Synchronizer) create(ctx context.Context, roomID, text, replyToID, clientID string) (chat.Message, error) {
	vars := map[string]any{
		"roomId":   roomID,
		"text":     text,
		"authorId": s.user.ID,
	}
	if replyToID != "" {
		vars["replyToId"] = replyToID
	}
	if clientID != "" {
		vars["clientId"] = clientID
	}
	res, err := s.req.Request(ctx, opCreateMessage, vars)
	if err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("Send failed")
		return chat.Message{}, fmt.Errorf("Send: %w", err)
	}
	msg, err := timeline.ParseMessage(res)
	if err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("raw", res.Raw).Msg("Send: unreadable confirmation")
		return chat.Message{}, fmt.Errorf("Send: %w", err)
	}
	return msg, nil
}

// Close tears down the subscription synchronously. In-flight sends and fetches complete
// but their results are dropped.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.subscription
	cancel := s.cancelFetch
	s.subscription = nil
	s.cancelFetch = nil
	s.listeners = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Messages returns the ordered message list.
func (s *Synchronizer) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked().Messages
}

// Loading returns true while the initial fetch for the current room is in flight.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// RoomID returns the current room, or "" before the first Open.
func (s *Synchronizer) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Anchor returns the scroll controller fed by this synchronizer, if any.
func (s *Synchronizer) Anchor() *scroll.Controller {
	return s.anchor
}

func (s *Synchronizer) snapshotLocked() State {
	msgs := make([]chat.Message, len(s.messages))
	copy(msgs, s.messages)
	return State{
		RoomID:   s.roomID,
		Messages: msgs,
		Loading:  s.loading,
	}
}

// changed delivers the latest state to the scroll anchor and listeners. Only one goroutine
// delivers at a time; a change made while delivering (including from inside a listener)
// is picked up by the goroutine already delivering.
func (s *Synchronizer) changed(ctx context.Context) {
	s.mu.Lock()
	s.dirty = true
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	for s.dirty && !s.closed {
		s.dirty = false
		st := s.snapshotLocked()
		listeners := make([]func(State), len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		if s.anchor != nil {
			s.anchor.OnContentSizeChange(len(st.Messages))
		}
		for _, fn := range listeners {
			fn := fn
			internal.SafeCall(ctx, "OnChange", func() {
				fn(st)
			})
		}
		s.mu.Lock()
	}
	s.emitting = false
	s.mu.Unlock()
}
