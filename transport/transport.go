// Package transport defines how the synchronization layer talks to the remote
// authority: a request function for queries and mutations, and a subscription
// function for push channels.
package transport

import (
	"context"

	"github.com/tidwall/gjson"
)

// Requester issues a single remote operation and returns the operation's result node.
// Failures are returned as *internal.RemoteError.
type Requester interface {
	Request(ctx context.Context, op string, vars map[string]any) (gjson.Result, error)
}

// RequesterFunc adapts a function to a Requester.
type RequesterFunc func(ctx context.Context, op string, vars map[string]any) (gjson.Result, error)

func (f RequesterFunc) Request(ctx context.Context, op string, vars map[string]any) (gjson.Result, error) {
	return f(ctx, op, vars)
}

// Handlers receive events for one subscription. Either may be nil.
type Handlers struct {
	OnData  func(data gjson.Result)
	OnError func(err error)
}

func (h Handlers) data(res gjson.Result) {
	if h.OnData != nil {
		h.OnData(res)
	}
}

func (h Handlers) err(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Subscription is a live push channel.
type Subscription interface {
	// Unsubscribe stops the channel. It does not wait for a callback which was already
	// being dispatched, so one late callback may still run after it returns; consumers
	// drop such results themselves. Safe to call more than once, including from inside
	// a callback.
	Unsubscribe()
}

// Subscriber opens push channels. The handlers are bound at subscribe time so no event
// delivered after the channel opens can be missed.
type Subscriber interface {
	Subscribe(ctx context.Context, op string, vars map[string]any, h Handlers) (Subscription, error)
}
