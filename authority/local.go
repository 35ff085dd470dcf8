package authority

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/peersupport/roomsync/transport"
	"github.com/tidwall/gjson"
)

// LocalClient is a transport.Requester which calls a Store in-process. Variables and
// results go through the same JSON encoding as the HTTP transport.
type LocalClient struct {
	Store *Store
	// Hook, if set, runs before every operation. Returning an error fails the operation
	// as if the remote authority had returned HTTP 500. Hooks may block.
	Hook func(ctx context.Context, op string, vars map[string]any) error
}

func (c *LocalClient) Request(ctx context.Context, op string, vars map[string]any) (gjson.Result, error) {
	if c.Hook != nil {
		if err := c.Hook(ctx, op, vars); err != nil {
			return gjson.Result{}, &internal.RemoteError{Op: op, StatusCode: 500, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, Err: err}
	}
	body, err := transport.EncodeOperation(op, vars)
	if err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, Err: err}
	}
	req := gjson.ParseBytes(body)
	status, respBody := Execute(c.Store, req.Get("operationName").Str, req.Get("variables"))
	return transport.DecodeResult(op, status, respBody)
}

// Execute runs an operation and encodes the response envelope, returning the HTTP status.
func Execute(s *Store, op string, vars gjson.Result) (int, []byte) {
	result, err := s.Handle(op, vars)
	if err != nil {
		code := 500
		var ae *Error
		if errors.As(err, &ae) {
			code = ae.Code
		}
		body, _ := json.Marshal(map[string]any{
			"errors": []map[string]string{{"message": err.Error()}},
		})
		return code, body
	}
	body, err := json.Marshal(map[string]any{
		"data": map[string]any{op: result},
	})
	if err != nil {
		logger.Err(err).Str("op", op).Msg("failed to marshal result")
		return 500, []byte(`{"errors":[{"message":"internal error"}]}`)
	}
	return 200, body
}

// NewLocal wires a store, an in-process pubsub and a LocalClient together.
func NewLocal() (*Store, *LocalClient, *pubsub.Subscriber) {
	ps := pubsub.NewPubSub()
	store := NewStore(ps)
	return store, &LocalClient{Store: store}, &pubsub.Subscriber{PubSub: ps}
}
