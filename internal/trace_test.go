package internal

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestOTLPOptions(t *testing.T) {
	testCases := []struct {
		url      string
		user     string
		pass     string
		wantErr  bool
		wantOpts int
	}{
		{url: "https://collector:4318", wantOpts: 1},
		{url: "https://collector:4318/", wantOpts: 1},
		{url: "http://localhost:4318", wantOpts: 2},
		{url: "https://collector:4318", user: "u", pass: "p", wantOpts: 2},
		{url: "https://collector:4318", user: "u", wantOpts: 1},
		{url: "https://collector:4318/v1/traces", wantErr: true},
		{url: "grpc://collector:4317", wantErr: true},
		{url: "collector", wantErr: true},
		{url: "://", wantErr: true},
	}
	for _, tc := range testCases {
		opts, err := otlpOptions(tc.url, tc.user, tc.pass)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %s", tc.url, err)
			continue
		}
		if len(opts) != tc.wantOpts {
			t.Errorf("%s: got %d options want %d", tc.url, len(opts), tc.wantOpts)
		}
	}
}

func TestRequestAttributes(t *testing.T) {
	if attrs := requestAttributes(context.Background()); len(attrs) != 0 {
		t.Fatalf("got %v for a bare context", attrs)
	}
	ctx := RequestContext(context.Background())
	SetRequestContextUserID(ctx, "alice")
	SetRequestContextRoom(ctx, "r1", "messages")
	want := map[attribute.Key]string{
		"roomsync.user_id": "alice",
		"roomsync.room_id": "r1",
		"roomsync.op":      "messages",
	}
	attrs := requestAttributes(ctx)
	if len(attrs) != len(want) {
		t.Fatalf("got %v want %v", attrs, want)
	}
	for _, kv := range attrs {
		if want[kv.Key] != kv.Value.AsString() {
			t.Fatalf("got %s=%s want %s", kv.Key, kv.Value.AsString(), want[kv.Key])
		}
	}
}

func TestTaskAndPhaseNest(t *testing.T) {
	ctx := RequestContext(context.Background())
	SetRequestContextRoom(ctx, "r1", "messages")
	ctx, task := StartTask(ctx, "OpenRoom")
	phaseCtx, phase := StartPhase(ctx, "fetch")
	Logf(phaseCtx, "test", "fetched %d", 3)
	phase.Fail(errors.New("offline"))
	phase.Fail(nil)
	phase.End()
	task.End()
}
