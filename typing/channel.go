// Package typing carries ephemeral "is typing" signals. Signals are never persisted and
// never touch message state.
package typing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/timeline"
	"github.com/peersupport/roomsync/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	opSetTyping = "setTyping"
	opOnTyping  = "onTyping"
)

// DefaultStaleAfter is how long a typing signal stays active after its lastTypedAt.
const DefaultStaleAfter = 5 * time.Second

// upper bound on a single setTyping call
const emitTimeout = 10 * time.Second

// Channel emits the current user's typing state and tracks the typing state of everybody
// else in the rooms it watches.
type Channel struct {
	StaleAfter time.Duration

	req    transport.Requester
	user   chat.CurrentUser
	pool   *internal.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	// keyed by roomID|userID
	signals *ttlcache.Cache[string, chat.TypingSignal]

	mu        sync.Mutex
	listeners map[string]func([]chat.TypingSignal)
	closed    bool
}

// NewChannel creates a typing channel for user. staleAfter <= 0 means DefaultStaleAfter.
func NewChannel(req transport.Requester, user chat.CurrentUser, staleAfter time.Duration) *Channel {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		StaleAfter: staleAfter,
		req:        req,
		user:       user,
		pool:       internal.NewWorkerPool(2),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
		signals: ttlcache.New[string, chat.TypingSignal](
			ttlcache.WithDisableTouchOnHit[string, chat.TypingSignal](),
		),
		listeners: make(map[string]func([]chat.TypingSignal)),
	}
	c.signals.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, chat.TypingSignal]) {
		if reason == ttlcache.EvictionReasonExpired && item.Value().IsTyping {
			c.notify(item.Value().RoomID)
		}
	})
	c.pool.Start()
	go c.signals.Start()
	return c
}

// SetClock replaces the clock used for staleness checks.
func (c *Channel) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Channel) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// SetTyping tells the remote authority whether the current user is typing in roomID.
// It is fire-and-forget and never blocks: the call is queued and failures are only
// logged. When earlier emits are still stuck on a slow authority the new one is dropped.
// Callers are responsible for rate limiting.
func (c *Channel) SetTyping(roomID string, isTyping bool) {
	err := c.pool.Queue(func() {
		ctx, cancel := context.WithTimeout(c.ctx, emitTimeout)
		defer cancel()
		_, err := c.req.Request(ctx, opSetTyping, map[string]any{
			"roomId":   roomID,
			"userId":   c.user.ID,
			"isTyping": isTyping,
		})
		if err != nil && c.ctx.Err() == nil {
			logger.Debug().Err(err).Str("room", roomID).Bool("typing", isTyping).Msg("SetTyping failed")
		}
	})
	if err != nil {
		logger.Trace().Err(err).Str("room", roomID).Bool("typing", isTyping).Msg("SetTyping dropped")
	}
}

// OnTyping subscribes to typing signals in roomID. onChange receives the active set for the
// room every time it changes. Signals from the current user are ignored.
func (c *Channel) OnTyping(ctx context.Context, sub transport.Subscriber, roomID string, onChange func([]chat.TypingSignal)) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("OnTyping %s: channel closed", roomID)
	}
	if onChange != nil {
		c.listeners[roomID] = onChange
	}
	c.mu.Unlock()
	s, err := sub.Subscribe(ctx, opOnTyping, map[string]any{"roomId": roomID}, transport.Handlers{
		OnData: func(data gjson.Result) {
			internal.SafeCall(ctx, "onTyping", func() {
				c.Receive(data)
			})
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Str("room", roomID).Msg("onTyping: subscription error")
		},
	})
	if err != nil {
		c.mu.Lock()
		delete(c.listeners, roomID)
		c.mu.Unlock()
		return nil, fmt.Errorf("OnTyping %s: %w", roomID, err)
	}
	return &roomSubscription{Subscription: s, c: c, roomID: roomID}, nil
}

// Receive applies one typing payload. A signal older than the last one seen from the
// same user in the room is dropped. A signal with isTyping=false, or one which is
// already stale, removes the user from the active set.
func (c *Channel) Receive(data gjson.Result) {
	now := c.clock()
	sig, err := timeline.ParseTypingSignal(data, now)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed typing signal")
		return
	}
	if sig.UserID == c.user.ID {
		return
	}
	key := sig.RoomID + "|" + sig.UserID
	prev := c.signals.Get(key)
	wasTyping := false
	if prev != nil {
		if prev.Value().LastTypedAt.After(sig.LastTypedAt) {
			logger.Trace().Str("room", sig.RoomID).Str("user", sig.UserID).Msg("dropping superseded typing signal")
			return
		}
		wasTyping = prev.Value().IsTyping
	}
	remaining := c.StaleAfter - now.Sub(sig.LastTypedAt)
	if remaining <= 0 {
		if prev == nil {
			return
		}
		c.signals.Delete(key)
	} else {
		// stop signals are kept until stale so an older start cannot revive the user
		c.signals.Set(key, sig, remaining)
		if !sig.IsTyping && !wasTyping {
			return
		}
	}
	c.notify(sig.RoomID)
}

// Active returns the users currently typing in roomID, ordered by user id.
func (c *Channel) Active(roomID string) []chat.TypingSignal {
	now := c.clock()
	var active []chat.TypingSignal
	for _, item := range c.signals.Items() {
		sig := item.Value()
		if sig.RoomID != roomID || !sig.IsTyping {
			continue
		}
		if now.Sub(sig.LastTypedAt) > c.StaleAfter {
			continue
		}
		active = append(active, sig)
	}
	slices.SortFunc(active, func(a, b chat.TypingSignal) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return active
}

func (c *Channel) notify(roomID string) {
	c.mu.Lock()
	fn := c.listeners[roomID]
	closed := c.closed
	c.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn(c.Active(roomID))
}

// Close stops emitting and tracking. In-flight emits are cancelled.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listeners = make(map[string]func([]chat.TypingSignal))
	c.mu.Unlock()
	c.cancel()
	c.pool.Stop()
	c.signals.Stop()
	c.signals.DeleteAll()
}

type roomSubscription struct {
	transport.Subscription
	c      *Channel
	roomID string
	once   sync.Once
}

// Unsubscribe stops the push channel and forgets the listener for the room.
func (s *roomSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.Subscription.Unsubscribe()
		s.c.mu.Lock()
		delete(s.c.listeners, s.roomID)
		s.c.mu.Unlock()
	})
}
