package internal

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// SafeCall invokes fn, converting a panic into an error which is logged and reported to sentry.
// Push callbacks run on transport goroutines, so a panic there must not take the process down.
func SafeCall(ctx context.Context, name string, fn func()) (err error) {
	defer func() {
		panicErr := recover()
		if panicErr == nil {
			return
		}
		err = fmt.Errorf("%s: panic: %v", name, panicErr)
		DecorateLogger(ctx, logger.Error()).Str("stack", string(debug.Stack())).Msg(err.Error())
		GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
	}()
	fn()
	return nil
}
