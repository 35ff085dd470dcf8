package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "roomsync_data"
)

// logging metadata for a single operation
type data struct {
	userID string
	roomID string
	op     string
}

// prepare a context so it can contain roomsync logging info
func RequestContext(ctx context.Context) context.Context {
	if ctx.Value(ctxData) != nil {
		return ctx
	}
	return context.WithValue(ctx, ctxData, &data{})
}

// add the user ID to this context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

func SetRequestContextRoom(ctx context.Context, roomID, op string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.roomID = roomID
	da.op = op
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.roomID != "" {
		l = l.Str("r", da.roomID)
	}
	if da.op != "" {
		l = l.Str("op", da.op)
	}
	return l
}
