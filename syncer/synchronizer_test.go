package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peersupport/roomsync/authority"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/peersupport/roomsync/scroll"
	"github.com/tidwall/gjson"
)

var (
	alice = chat.CurrentUser{ID: "alice", Username: "Alice"}
	bob   = chat.CurrentUser{ID: "bob", Username: "Bob"}
)

type recordingScroller struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recordingScroller) ScrollToBottom(animated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, animated)
}

func (r *recordingScroller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	store  *authority.Store
	client *authority.LocalClient
	sub    *pubsub.Subscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, client, sub := authority.NewLocal()
	store.RegisterUser(alice.Identity())
	store.RegisterUser(bob.Identity())
	return &fixture{store: store, client: client, sub: sub}
}

func (f *fixture) room(t *testing.T, name string) string {
	t.Helper()
	room, err := f.store.CreateRoom(name)
	assertNoError(t, err)
	return room.ID
}

func (f *fixture) post(t *testing.T, roomID, authorID, text string) chat.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(authority.CreateMessageInput{RoomID: roomID, AuthorID: authorID, Text: text})
	assertNoError(t, err)
	return msg
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func assertIDs(t *testing.T, msgs []chat.Message, want ...string) {
	t.Helper()
	got := make([]string, len(msgs))
	for i := range msgs {
		got[i] = msgs[i].ID
	}
	if len(got) != len(want) {
		t.Fatalf("got ids %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got ids %v want %v", got, want)
		}
	}
}

func TestSendInEmptyRoom(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	scroller := &recordingScroller{}
	s := New(f.client, f.sub, alice, scroll.NewController(scroller, 0))
	defer s.Close()

	assertNoError(t, s.Open(context.Background(), roomID))
	if s.Loading() {
		t.Fatalf("still loading after Open")
	}
	assertIDs(t, s.Messages())

	composer := NewComposer(nil, roomID, 0)
	composer.SetText("hello")
	msg, err := composer.Submit(context.Background(), s)
	assertNoError(t, err)
	if msg.ID != "m1" {
		t.Fatalf("got id %s want m1", msg.ID)
	}
	msgs := s.Messages()
	assertIDs(t, msgs, "m1")
	if msgs[0].Text != "hello" || msgs[0].Author.ID != alice.ID {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	if n := scroller.count(); n != 1 {
		t.Fatalf("scrollToBottom called %d times want 1", n)
	}
	if composer.Text() != "" {
		t.Fatalf("composer not cleared: %q", composer.Text())
	}
}

func TestOpenJumpsToNewestOnColdStart(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	f.post(t, roomID, "bob", "one")
	f.post(t, roomID, "bob", "two")
	scroller := &recordingScroller{}
	s := New(f.client, f.sub, alice, scroll.NewController(scroller, 0))
	defer s.Close()

	assertNoError(t, s.Open(context.Background(), roomID))
	assertIDs(t, s.Messages(), "m1", "m2")
	if len(scroller.calls) != 1 || scroller.calls[0] {
		t.Fatalf("want one non-animated jump, got %v", scroller.calls)
	}
	// reading history: growth must not move the viewport
	s.Anchor().OnScroll(scroll.Metrics{ContentHeight: 3000, VisibleHeight: 800, OffsetY: 1000})
	f.post(t, roomID, "bob", "three")
	assertIDs(t, s.Messages(), "m1", "m2", "m3")
	if n := scroller.count(); n != 1 {
		t.Fatalf("scrolled while reading history, calls %v", scroller.calls)
	}
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	f := newFixture(t)
	roomX := f.room(t, "X")
	roomY := f.room(t, "Y")
	f.post(t, roomX, "bob", "from x")
	f.post(t, roomY, "bob", "from y")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.client.Hook = func(ctx context.Context, op string, vars map[string]any) error {
		if op == opMessages && vars["roomId"] == roomX {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Open(context.Background(), roomX)
	}()
	<-started
	assertNoError(t, s.Open(context.Background(), roomY))
	close(release)
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("stale Open returned %v want ErrSuperseded", err)
	}
	msgs := s.Messages()
	assertIDs(t, msgs, "m2")
	if msgs[0].RoomID != roomY || s.RoomID() != roomY {
		t.Fatalf("mixed rooms: %+v", msgs)
	}
	// the old room's push channel is gone
	f.post(t, roomX, "bob", "late x")
	assertIDs(t, s.Messages(), "m2")
	if n := f.sub.PubSub.NumListeners(pubsub.Topic(opOnMessage, map[string]any{"roomId": roomX})); n != 0 {
		t.Fatalf("room X still has %d listeners", n)
	}
	if n := f.sub.PubSub.NumListeners(pubsub.Topic(opOnMessage, map[string]any{"roomId": roomY})); n != 1 {
		t.Fatalf("room Y has %d listeners want 1", n)
	}
}

func TestFetchFailureLeavesEmptyState(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	f.post(t, roomID, "bob", "hi")
	f.client.Hook = func(ctx context.Context, op string, vars map[string]any) error {
		if op == opMessages {
			return errors.New("503 from upstream")
		}
		return nil
	}
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	var states []State
	s.OnChange(func(st State) { states = append(states, st) })

	if err := s.Open(context.Background(), roomID); err == nil {
		t.Fatalf("expected fetch error")
	}
	if s.Loading() {
		t.Fatalf("loading must end after a failed fetch")
	}
	assertIDs(t, s.Messages())
	if len(states) == 0 || states[len(states)-1].Loading {
		t.Fatalf("listeners did not see the final non-loading state: %+v", states)
	}
	// push still works without the baseline
	f.post(t, roomID, "bob", "still here")
	assertIDs(t, s.Messages(), "m2")

	f.client.Hook = nil
	assertNoError(t, s.Refresh(context.Background()))
	assertIDs(t, s.Messages(), "m1", "m2")
}

func TestPushAndFetchAreDeduplicated(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	assertNoError(t, s.Open(context.Background(), roomID))

	f.post(t, roomID, "bob", "one")
	f.post(t, roomID, "bob", "two")
	assertIDs(t, s.Messages(), "m1", "m2")
	assertNoError(t, s.Refresh(context.Background()))
	assertIDs(t, s.Messages(), "m1", "m2")

	// re-opening the same room keeps exactly one subscription
	assertNoError(t, s.Open(context.Background(), roomID))
	if n := f.sub.PubSub.NumListeners(pubsub.Topic(opOnMessage, map[string]any{"roomId": roomID})); n != 1 {
		t.Fatalf("got %d listeners want 1", n)
	}
	f.post(t, roomID, "bob", "three")
	assertIDs(t, s.Messages(), "m1", "m2", "m3")
}

func TestRoomSendFailureInsertsNothing(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	f.client.Hook = func(ctx context.Context, op string, vars map[string]any) error {
		if op == opCreateMessage {
			return errors.New("network down")
		}
		return nil
	}
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	assertNoError(t, s.Open(context.Background(), roomID))

	composer := NewComposer(nil, roomID, 0)
	composer.SetText("hello")
	if _, err := composer.Submit(context.Background(), s); err == nil {
		t.Fatalf("expected send error")
	}
	assertIDs(t, s.Messages())
	if composer.Text() != "hello" {
		t.Fatalf("composer text changed to %q", composer.Text())
	}
}

func TestConcurrentSendsOrderByCreatedAt(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	assertNoError(t, s.Open(context.Background(), roomID))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Send(context.Background(), "hi", ""); err != nil {
				t.Errorf("Send: %s", err)
			}
		}()
	}
	wg.Wait()
	msgs := s.Messages()
	if len(msgs) != 10 {
		t.Fatalf("got %d messages want 10", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestSendAfterCloseIsIgnored(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	started := make(chan struct{})
	release := make(chan struct{})
	f.client.Hook = func(ctx context.Context, op string, vars map[string]any) error {
		if op == opCreateMessage {
			close(started)
			<-release
		}
		return nil
	}
	s := New(f.client, f.sub, alice, nil)
	assertNoError(t, s.Open(context.Background(), roomID))
	calls := 0
	s.OnChange(func(State) { calls++ })

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "bye", "")
		done <- err
	}()
	<-started
	s.Close()
	close(release)
	assertNoError(t, <-done)
	if calls != 0 {
		t.Fatalf("listener called %d times after Close", calls)
	}
	assertIDs(t, s.Messages())
	if _, err := s.Send(context.Background(), "again", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close: got %v want ErrClosed", err)
	}
	if err := s.Open(context.Background(), roomID); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close: got %v want ErrClosed", err)
	}
}

func TestSendValidatesInput(t *testing.T) {
	f := newFixture(t)
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	if _, err := s.Send(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("got %v want ErrEmptyMessage", err)
	}
	if _, err := s.Send(context.Background(), "hi", ""); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("got %v want ErrNoRoom", err)
	}
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("got %v want ErrNoRoom", err)
	}
}

func TestListenerPanicDoesNotBreakSync(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	s.OnChange(func(State) { panic("view exploded") })
	var last State
	s.OnChange(func(st State) { last = st })

	assertNoError(t, s.Open(context.Background(), roomID))
	f.post(t, roomID, "bob", "hi")
	assertIDs(t, last.Messages, "m1")
}

func TestListenerMayReenter(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	assertNoError(t, s.Open(context.Background(), roomID))

	replied := false
	var seen [][]chat.Message
	s.OnChange(func(st State) {
		seen = append(seen, st.Messages)
		if !replied && len(st.Messages) == 1 {
			replied = true
			if _, err := s.Send(context.Background(), "auto reply", st.Messages[0].ID); err != nil {
				t.Errorf("Send from listener: %s", err)
			}
		}
	})
	f.post(t, roomID, "bob", "ping")
	assertIDs(t, s.Messages(), "m1", "m2")
	if got := seen[len(seen)-1]; len(got) != 2 || got[1].ReplyTo == nil || got[1].ReplyTo.ID != "m1" {
		t.Fatalf("last snapshot %+v", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshRecoversFailedFetch(t *testing.T) {
	f := newFixture(t)
	roomID := f.room(t, "General")
	f.post(t, roomID, bob.ID, "earlier")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("got %v want ErrNoRoom", err)
	}

	f.client.Hook = func(ctx context.Context, op string, vars map[string]any) error {
		if op == opMessages {
			return errors.New("offline")
		}
		return nil
	}
	if err := s.Open(context.Background(), roomID); err == nil {
		t.Fatalf("expected fetch error")
	}
	assertIDs(t, s.Messages())

	f.client.Hook = nil
	assertNoError(t, s.Refresh(context.Background()))
	assertIDs(t, s.Messages(), "m1")
	assertNoError(t, s.Refresh(context.Background()))
	assertIDs(t, s.Messages(), "m1")
}

func TestLatePushForPreviousRoomIsDropped(t *testing.T) {
	f := newFixture(t)
	general := f.room(t, "General")
	random := f.room(t, "Random")
	s := New(f.client, f.sub, alice, nil)
	defer s.Close()
	assertNoError(t, s.Open(context.Background(), general))
	s.mu.Lock()
	oldGen := s.generation
	s.mu.Unlock()
	assertNoError(t, s.Open(context.Background(), random))

	// a callback dispatched before the switch completes afterwards
	s.onPush(context.Background(), oldGen, gjson.Parse(`{"id":"m9","text":"late","createdAt":"2024-03-01T12:00:00Z","author":{"id":"bob","displayName":"Bob"}}`))
	assertIDs(t, s.Messages())
	if s.RoomID() != random {
		t.Fatalf("room changed to %s", s.RoomID())
	}
}
