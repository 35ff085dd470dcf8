package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peersupport/roomsync/authority"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/peersupport/roomsync/transport"
	"github.com/tidwall/gjson"
)

func newServer(t *testing.T) (*authority.Store, *pubsub.PubSub, *httptest.Server) {
	t.Helper()
	ps := pubsub.NewPubSub()
	store := authority.NewStore(ps)
	srv := httptest.NewServer(authority.NewHandler(store, ps))
	t.Cleanup(srv.Close)
	return store, ps, srv
}

func TestEncodeOperation(t *testing.T) {
	body, err := transport.EncodeOperation("joinRoom", map[string]any{"roomId": "r1", "userId": "alice"})
	if err != nil {
		t.Fatalf("EncodeOperation: %s", err)
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("operationName").Str != "joinRoom" || parsed.Get("variables.roomId").Str != "r1" {
		t.Fatalf("unexpected envelope %s", body)
	}
	body, err = transport.EncodeOperation("rooms", nil)
	if err != nil {
		t.Fatalf("EncodeOperation: %s", err)
	}
	if !gjson.GetBytes(body, "variables").IsObject() {
		t.Fatalf("nil variables should encode as an object: %s", body)
	}
}

func TestDecodeResult(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		wantStatus int
		wantRaw    string
	}{
		{name: "data", status: 200, body: `{"data":{"rooms":[{"id":"r1"}]}}`, wantRaw: `[{"id":"r1"}]`},
		{name: "errors array", status: 404, body: `{"errors":[{"message":"not found"}]}`, wantErr: true, wantStatus: 404},
		{name: "errors with 200", status: 200, body: `{"errors":[{"message":"boom"}]}`, wantErr: true, wantStatus: 200},
		{name: "bad gateway html", status: 502, body: `<html>`, wantErr: true, wantStatus: 502},
		{name: "status without envelope", status: 503, body: `{}`, wantErr: true, wantStatus: 503},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := transport.DecodeResult("rooms", tc.status, []byte(tc.body))
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error %s", err)
				}
				if res.Raw != tc.wantRaw {
					t.Fatalf("got %s want %s", res.Raw, tc.wantRaw)
				}
				return
			}
			var re *internal.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("got %v want RemoteError", err)
			}
			if re.StatusCode != tc.wantStatus || re.Op != "rooms" {
				t.Fatalf("got %+v", re)
			}
		})
	}
}

func TestHTTPClientRequest(t *testing.T) {
	_, _, srv := newServer(t)
	var gotAuth string
	client := transport.NewHTTPClient(srv.URL, func() string { return "secret" }, 5*time.Second)
	client.Client.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return http.DefaultTransport.RoundTrip(req)
	})
	ctx := context.Background()

	room, err := client.Request(ctx, "createRoom", map[string]any{"name": "General"})
	if err != nil {
		t.Fatalf("createRoom: %s", err)
	}
	if room.Get("name").Str != "General" || room.Get("id").Str == "" {
		t.Fatalf("unexpected room %s", room.Raw)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization header %q", gotAuth)
	}
	rooms, err := client.Request(ctx, "rooms", nil)
	if err != nil {
		t.Fatalf("rooms: %s", err)
	}
	if n := len(rooms.Array()); n != 1 {
		t.Fatalf("got %d rooms want 1", n)
	}
	_, err = client.Request(ctx, "messages", map[string]any{"roomId": "nope"})
	var re *internal.RemoteError
	if !errors.As(err, &re) || re.StatusCode != 404 || re.Transient() {
		t.Fatalf("got %v want non-transient 404", err)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	_, _, srv := newServer(t)
	url := srv.URL
	srv.Close()
	client := transport.NewHTTPClient(url, nil, time.Second)
	_, err := client.Request(context.Background(), "rooms", nil)
	if !internal.IsTransient(err) {
		t.Fatalf("got %v want transient error", err)
	}
}

func TestWSSubscriberReceivesPushes(t *testing.T) {
	store, ps, srv := newServer(t)
	room, err := store.CreateRoom("General")
	if err != nil {
		t.Fatalf("CreateRoom: %s", err)
	}
	sub := &transport.WSSubscriber{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"}
	vars := map[string]any{"roomId": room.ID}
	got := make(chan gjson.Result, 4)
	s, err := sub.Subscribe(context.Background(), "onMessage", vars, transport.Handlers{
		OnData: func(data gjson.Result) { got <- data },
	})
	if err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	topic := pubsub.Topic("onMessage", vars)
	waitFor(t, "server listener", func() bool { return ps.NumListeners(topic) == 1 })

	if _, err = store.CreateMessage(authority.CreateMessageInput{RoomID: room.ID, AuthorID: "bob", Text: "hi"}); err != nil {
		t.Fatalf("CreateMessage: %s", err)
	}
	select {
	case data := <-got:
		if data.Get("id").Str != "m1" || data.Get("text").Str != "hi" {
			t.Fatalf("unexpected payload %s", data.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push")
	}

	s.Unsubscribe()
	s.Unsubscribe()
	waitFor(t, "server listener removed", func() bool { return ps.NumListeners(topic) == 0 })
}

func TestWSSubscriberUnknownOperation(t *testing.T) {
	_, _, srv := newServer(t)
	sub := &transport.WSSubscriber{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"}
	errs := make(chan error, 2)
	s, err := sub.Subscribe(context.Background(), "onNothing", nil, transport.Handlers{
		OnError: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	defer s.Unsubscribe()
	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "unknown subscription") {
			t.Fatalf("unexpected error %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error frame")
	}
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
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
