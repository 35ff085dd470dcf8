package timeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/peersupport/roomsync/chat"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrMalformedMessage = errors.New("malformed message")

var validate = validator.New()

// ParseMessage decodes a message payload from the remote authority. A payload with missing
// or mistyped required fields returns ErrMalformedMessage, never a half-filled Message.
func ParseMessage(res gjson.Result) (chat.Message, error) {
	if !res.IsObject() {
		return chat.Message{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	createdAt, err := parseTime(res.Get("createdAt"))
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: createdAt: %s", ErrMalformedMessage, err)
	}
	author := res.Get("author")
	msg := chat.Message{
		ID:     res.Get("id").Str,
		RoomID: res.Get("roomId").Str,
		Text:   res.Get("text").Str,
		Author: chat.Identity{
			ID:          author.Get("id").Str,
			DisplayName: author.Get("displayName").Str,
			AvatarURL:   author.Get("avatarUrl").Str,
		},
		CreatedAt:  createdAt,
		ClientID:   res.Get("clientId").Str,
		LikesCount: int(res.Get("likesCount").Int()),
		IsRead:     res.Get("isRead").Bool(),
	}
	if reply := res.Get("replyTo"); reply.IsObject() {
		msg.ReplyTo = &chat.ReplyPreview{
			ID:         reply.Get("id").Str,
			AuthorName: reply.Get("authorName").Str,
			Text:       reply.Get("text").Str,
		}
	}
	if err := validate.Struct(msg); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return msg, nil
}

// ParseMessages decodes an array of messages, dropping malformed entries with a log line.
// A non-array input yields no messages.
func ParseMessages(res gjson.Result) []chat.Message {
	if !res.IsArray() {
		if res.Exists() {
			logger.Warn().Str("type", res.Type.String()).Msg("ParseMessages: payload is not an array, dropping")
		}
		return nil
	}
	arr := res.Array()
	msgs := make([]chat.Message, 0, len(arr))
	for _, item := range arr {
		msg, err := ParseMessage(item)
		if err != nil {
			droppedTotal.WithLabelValues("malformed").Inc()
			logger.Warn().Err(err).Str("raw", truncate(item.Raw, 256)).Msg("dropping malformed message")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// ParseTypingSignal decodes a typing payload. Missing lastTypedAt defaults to receivedAt.
func ParseTypingSignal(res gjson.Result, receivedAt time.Time) (chat.TypingSignal, error) {
	roomID := res.Get("roomId").Str
	userID := res.Get("userId").Str
	if roomID == "" || userID == "" {
		return chat.TypingSignal{}, fmt.Errorf("%w: typing signal missing roomId/userId", ErrMalformedMessage)
	}
	sig := chat.TypingSignal{
		RoomID:      roomID,
		UserID:      userID,
		IsTyping:    res.Get("isTyping").Bool(),
		LastTypedAt: receivedAt,
	}
	if ts := res.Get("lastTypedAt"); ts.Exists() {
		t, err := parseTime(ts)
		if err != nil {
			return chat.TypingSignal{}, fmt.Errorf("%w: lastTypedAt: %s", ErrMalformedMessage, err)
		}
		sig.LastTypedAt = t
	}
	return sig, nil
}

// parseTime accepts RFC3339 strings or unix milliseconds.
func parseTime(res gjson.Result) (time.Time, error) {
	switch res.Type {
	case gjson.String:
		return time.Parse(time.RFC3339Nano, res.Str)
	case gjson.Number:
		return time.UnixMilli(res.Int()).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("missing or unsupported type %s", res.Type)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
