package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/peersupport/roomsync/chat"
	"golang.org/x/time/rate"
)

// longest reply preview text kept on the composer and on optimistic messages
const replyPreviewLen = 80

// DefaultTypingInterval is the minimum gap between two "still typing" emits.
const DefaultTypingInterval = 2 * time.Second

// Sender is implemented by Synchronizer and DirectSynchronizer.
type Sender interface {
	Send(ctx context.Context, text, replyToID string) (chat.Message, error)
}

// TypingEmitter is implemented by typing.Channel.
type TypingEmitter interface {
	SetTyping(roomID string, isTyping bool)
}

// Composer holds the pending text and reply target of one screen. The text is only cleared
// after a successful send.
type Composer struct {
	typing  TypingEmitter
	limiter *rate.Limiter

	mu       sync.Mutex
	roomID   string
	text     string
	replyTo  *chat.ReplyPreview
	isTyping bool
}

// NewComposer creates a composer for roomID. typing may be nil. Repeated typing emits are
// limited to one per interval; start and stop transitions are always sent.
func NewComposer(typing TypingEmitter, roomID string, interval time.Duration) *Composer {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &Composer{
		typing:  typing,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		roomID:  roomID,
	}
}

// SetRoom points the composer at another room, stopping any typing signal in the old one.
func (c *Composer) SetRoom(roomID string) {
	c.mu.Lock()
	old := c.roomID
	wasTyping := c.isTyping
	c.roomID = roomID
	c.isTyping = false
	c.text = ""
	c.replyTo = nil
	c.mu.Unlock()
	if wasTyping && old != "" {
		c.emit(old, false)
	}
}

// SetText replaces the pending text.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text
	roomID := c.roomID
	nowTyping := strings.TrimSpace(text) != ""
	transition := nowTyping != c.isTyping
	c.isTyping = nowTyping
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	switch {
	case transition:
		if nowTyping {
			c.limiter.Allow()
		}
		c.emit(roomID, nowTyping)
	case nowTyping && c.limiter.Allow():
		c.emit(roomID, true)
	}
}

func (c *Composer) emit(roomID string, isTyping bool) {
	if c.typing != nil {
		c.typing.SetTyping(roomID, isTyping)
	}
}

// Text returns the pending text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// SetReplyTo makes the next send a reply to msg.
func (c *Composer) SetReplyTo(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyTo = msg.Preview(replyPreviewLen)
}

// CancelReply drops the reply target.
func (c *Composer) CancelReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyTo = nil
}

// ReplyTo returns the current reply target, or nil.
func (c *Composer) ReplyTo() *chat.ReplyPreview {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyTo == nil {
		return nil
	}
	r := *c.replyTo
	return &r
}

// Submit sends the pending text through s. On failure the composer is left untouched so
// the user can retry. On success the text and reply target are cleared, unless they were
// edited while the send was in flight.
func (c *Composer) Submit(ctx context.Context, s Sender) (chat.Message, error) {
	c.mu.Lock()
	text := c.text
	reply := c.replyTo
	c.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	replyToID := ""
	if reply != nil {
		replyToID = reply.ID
	}
	msg, err := s.Send(ctx, text, replyToID)
	if err != nil {
		return chat.Message{}, err
	}
	c.mu.Lock()
	roomID := c.roomID
	stopTyping := false
	if c.text == text {
		c.text = ""
		stopTyping = c.isTyping
		c.isTyping = false
	}
	if c.replyTo == reply {
		c.replyTo = nil
	}
	c.mu.Unlock()
	if stopTyping && roomID != "" {
		c.emit(roomID, false)
	}
	return msg, nil
}
