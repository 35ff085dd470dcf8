package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// RemoteError is returned when the remote authority rejected or failed an operation.
// StatusCode is 0 when the failure happened before a response was received.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
	}
	return fmt.Sprintf("%s: HTTP %d : %s", e.Op, e.StatusCode, e.Err.Error())
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Transient returns true if retrying the operation later could succeed, i.e network
// failures and 5xx responses.
func (e *RemoteError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsTransient reports whether err wraps a transient *RemoteError.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient()
	}
	return false
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and ROOMSYNC_DEBUG=1 then the program panics.
// If expr is false and ROOMSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("timeline has unique ids", ok)
//
// Which then produces:
//
//	assertion failed: timeline has unique ids
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("ROOMSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
