package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/peersupport/roomsync/internal"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Frame types on the push socket.
const (
	FrameSubscribe = "subscribe"
	FrameData      = "data"
	FrameError     = "error"
	FrameComplete  = "complete"
)

// SubscribeFrame is the first frame a client writes on a push socket.
type SubscribeFrame struct {
	Type          string         `json:"type"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

const maxFrameBytes = 1 << 20

// WSSubscriber opens one websocket per subscription. Reconnects are not attempted: a
// dropped socket is reported through OnError and the owner decides what to do.
type WSSubscriber struct {
	URL        string
	Token      func() string
	HTTPClient *http.Client
}

func (s *WSSubscriber) Subscribe(ctx context.Context, op string, vars map[string]any, h Handlers) (Subscription, error) {
	header := http.Header{}
	header.Set("User-Agent", "roomsync-"+Version)
	if s.Token != nil {
		if token := s.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(ctx, s.URL, &websocket.DialOptions{
		HTTPClient: s.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &internal.RemoteError{Op: op, Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(maxFrameBytes)
	if vars == nil {
		vars = map[string]any{}
	}
	if err = wsjson.Write(ctx, conn, SubscribeFrame{
		Type:          FrameSubscribe,
		OperationName: op,
		Variables:     vars,
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, &internal.RemoteError{Op: op, Err: fmt.Errorf("write subscribe frame: %w", err)}
	}
	readCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		op:     op,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.readLoop(readCtx, h)
	return sub, nil
}

type wsSubscription struct {
	op     string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
}

func (s *wsSubscription) readLoop(ctx context.Context, h Handlers) {
	defer close(s.done)
	for {
		_, b, err := s.conn.Read(ctx)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Debug().Str("op", s.op).Msg("push channel closed by remote")
			}
			h.err(&internal.RemoteError{Op: s.op, Err: fmt.Errorf("read: %w", err)})
			return
		}
		if s.closed.Load() {
			return
		}
		frame := gjson.ParseBytes(b)
		switch frame.Get("type").Str {
		case FrameData:
			h.data(frame.Get("payload"))
		case FrameError:
			h.err(&internal.RemoteError{Op: s.op, Err: fmt.Errorf("%s", frame.Get("payload.message").Str)})
		case FrameComplete:
			s.closed.Store(true)
			s.conn.Close(websocket.StatusNormalClosure, "")
			return
		default:
			logger.Warn().Str("op", s.op).Str("type", frame.Get("type").Str).Msg("ignoring unknown frame")
		}
	}
}
