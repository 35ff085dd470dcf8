// Package chat holds the data model shared by the synchronization layer: messages,
// rooms, identities and typing signals.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks a message id which was generated locally and has not yet been
// confirmed by the remote authority.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh client-assigned id for an optimistic message.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// Identity is a reference to a user, as embedded in messages and member lists.
type Identity struct {
	ID          string `json:"id" validate:"required"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// CurrentUser is the signed-in user as provided by the session module.
type CurrentUser struct {
	ID            string
	Username      string
	ProfilePicURL string
}

// Identity converts the session user into the reference embedded in messages.
func (u CurrentUser) Identity() Identity {
	return Identity{
		ID:          u.ID,
		DisplayName: u.Username,
		AvatarURL:   u.ProfilePicURL,
	}
}

// ReplyPreview is a weak back-reference to an earlier message. It never owns the target.
type ReplyPreview struct {
	ID         string `json:"id" validate:"required"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
}

// Message is a single chat message. Optional fields are nil when absent.
type Message struct {
	ID        string        `json:"id" validate:"required"`
	RoomID    string        `json:"roomId,omitempty"`
	Text      string        `json:"text" validate:"required"`
	Author    Identity      `json:"author"`
	CreatedAt time.Time     `json:"createdAt" validate:"required"`
	ReplyTo   *ReplyPreview `json:"replyTo,omitempty" validate:"omitempty"`
	// ClientID echoes the temporary id the sender attached to the create call, if any.
	ClientID   string `json:"clientId,omitempty"`
	LikesCount int    `json:"likesCount"`
	IsRead     bool   `json:"isRead"`
}

// IsTemporary returns true if this message has not been confirmed by the remote authority.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Preview builds the denormalized reply preview which points at this message.
func (m *Message) Preview(maxLen int) *ReplyPreview {
	text := m.Text
	if maxLen > 0 {
		if r := []rune(text); len(r) > maxLen {
			text = string(r[:maxLen])
		}
	}
	return &ReplyPreview{
		ID:         m.ID,
		AuthorName: m.Author.DisplayName,
		Text:       text,
	}
}

// RoomKind tells named group rooms from two-member direct rooms.
type RoomKind string

const (
	RoomKindNamed  RoomKind = "NAMED"
	RoomKindDirect RoomKind = "DIRECT"
)

// Room is a channel grouping messages and members. DIRECT rooms have exactly two members.
type Room struct {
	ID      string     `json:"id" validate:"required"`
	Name    string     `json:"name,omitempty"`
	Kind    RoomKind   `json:"kind"`
	Members []Identity `json:"members,omitempty"`
}

// TypingSignal is an ephemeral "is typing" event. It is never merged into message history.
type TypingSignal struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	IsTyping    bool      `json:"isTyping"`
	LastTypedAt time.Time `json:"lastTypedAt"`
}
