package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestParseMessage(t *testing.T) {
	res := gjson.Parse(`{
		"id": "m1",
		"roomId": "room-1",
		"text": "hello",
		"createdAt": "2024-03-01T12:00:00.5Z",
		"author": {"id": "alice", "displayName": "Alice", "avatarUrl": "https://example.org/a.png"},
		"replyTo": {"id": "m0", "authorName": "Bob", "text": "hey"},
		"clientId": "tmp-1",
		"likesCount": 2,
		"isRead": true
	}`)
	m, err := ParseMessage(res)
	if err != nil {
		t.Fatalf("ParseMessage: %s", err)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	if !m.CreatedAt.Equal(want) {
		t.Errorf("createdAt: got %v want %v", m.CreatedAt, want)
	}
	if m.ID != "m1" || m.RoomID != "room-1" || m.Text != "hello" || m.ClientID != "tmp-1" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.Author.ID != "alice" || m.Author.DisplayName != "Alice" {
		t.Errorf("unexpected author: %+v", m.Author)
	}
	if m.ReplyTo == nil || m.ReplyTo.ID != "m0" || m.ReplyTo.AuthorName != "Bob" {
		t.Errorf("unexpected replyTo: %+v", m.ReplyTo)
	}
	if m.LikesCount != 2 || !m.IsRead {
		t.Errorf("unexpected counters: likes=%d read=%v", m.LikesCount, m.IsRead)
	}
}

func TestParseMessageUnixMillis(t *testing.T) {
	m, err := ParseMessage(gjson.Parse(`{"id":"m1","text":"x","createdAt":1709294400000,"author":{"id":"a"}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %s", err)
	}
	if m.CreatedAt.UnixMilli() != 1709294400000 {
		t.Fatalf("got %v", m.CreatedAt)
	}
	if m.ReplyTo != nil {
		t.Fatalf("expected no reply, got %+v", m.ReplyTo)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "not an object", raw: `"hello"`},
		{name: "missing id", raw: `{"text":"x","createdAt":1,"author":{"id":"a"}}`},
		{name: "missing text", raw: `{"id":"m1","createdAt":1,"author":{"id":"a"}}`},
		{name: "missing createdAt", raw: `{"id":"m1","text":"x","author":{"id":"a"}}`},
		{name: "bad createdAt", raw: `{"id":"m1","text":"x","createdAt":"yesterday","author":{"id":"a"}}`},
		{name: "missing author", raw: `{"id":"m1","text":"x","createdAt":1}`},
		{name: "id wrong type", raw: `{"id":5,"text":"x","createdAt":1,"author":{"id":"a"}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage(gjson.Parse(tc.raw))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("got err %v want ErrMalformedMessage", err)
			}
		})
	}
}

func TestParseMessagesDropsMalformed(t *testing.T) {
	msgs := ParseMessages(gjson.Parse(`[
		{"id":"m1","text":"a","createdAt":1,"author":{"id":"a"}},
		{"text":"no id"},
		null,
		{"id":"m2","text":"b","createdAt":2,"author":{"id":"b"}}
	]`))
	assertIDs(t, msgs, "m1", "m2")
	if got := ParseMessages(gjson.Parse(`{"id":"m1"}`)); len(got) != 0 {
		t.Fatalf("non-array payload should yield nothing, got %v", got)
	}
	if got := ParseMessages(gjson.Result{}); len(got) != 0 {
		t.Fatalf("missing payload should yield nothing, got %v", got)
	}
}

func TestParseTypingSignal(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sig, err := ParseTypingSignal(gjson.Parse(`{"roomId":"r","userId":"bob","isTyping":true}`), now)
	if err != nil {
		t.Fatalf("ParseTypingSignal: %s", err)
	}
	if !sig.IsTyping || !sig.LastTypedAt.Equal(now) {
		t.Fatalf("unexpected signal %+v", sig)
	}
	sig, err = ParseTypingSignal(gjson.Parse(`{"roomId":"r","userId":"bob","isTyping":true,"lastTypedAt":"2024-03-01T11:59:58Z"}`), now)
	if err != nil {
		t.Fatalf("ParseTypingSignal: %s", err)
	}
	if !sig.LastTypedAt.Equal(now.Add(-2 * time.Second)) {
		t.Fatalf("lastTypedAt: got %v", sig.LastTypedAt)
	}
	if _, err = ParseTypingSignal(gjson.Parse(`{"isTyping":true}`), now); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}
