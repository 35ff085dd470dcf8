package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/peersupport/roomsync/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxBodyBytes = 1 << 20

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Handler serves the store over HTTP: POST /rpc for operations, GET /subscribe for push
// channels and GET /metrics for prometheus.
type Handler struct {
	Store  *Store
	PubSub *pubsub.PubSub
}

// NewHandler returns the full HTTP surface including access logging.
func NewHandler(store *Store, ps *pubsub.PubSub) http.Handler {
	h := &Handler{Store: store, PubSub: ps}
	r := mux.NewRouter()
	r.Handle("/rpc", allowCORS(http.HandlerFunc(h.serveRPC))).Methods("POST", "OPTIONS")
	r.HandleFunc("/subscribe", h.serveSubscribe).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

func (h *Handler) serveRPC(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	w.Header().Set("Content-Type", "application/json")
	if err != nil || !gjson.ValidBytes(body) {
		w.WriteHeader(400)
		w.Write([]byte(`{"errors":[{"message":"request body is not valid JSON"}]}`))
		return
	}
	parsed := gjson.ParseBytes(body)
	op := parsed.Get("operationName").Str
	status, resp := 500, []byte(`{"errors":[{"message":"internal error"}]}`)
	internal.SafeCall(req.Context(), op, func() {
		status, resp = Execute(h.Store, op, parsed.Get("variables"))
	})
	if status != 200 {
		hlog.FromRequest(req).Warn().Str("op", op).Int("status", status).RawJSON("resp", resp).Msg("operation failed")
	}
	w.WriteHeader(status)
	w.Write(resp)
}

func (h *Handler) serveSubscribe(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		hlog.FromRequest(req).Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	var frame transport.SubscribeFrame
	if err = wsjson.Read(ctx, conn, &frame); err != nil || frame.Type != transport.FrameSubscribe {
		conn.Close(websocket.StatusPolicyViolation, "expected subscribe frame")
		return
	}
	switch frame.OperationName {
	case OpOnMessage, OpOnTyping, OpOnRoomsChanged:
	default:
		wsjson.Write(ctx, conn, map[string]any{
			"type":    transport.FrameError,
			"payload": map[string]string{"message": "unknown subscription " + frame.OperationName},
		})
		conn.Close(websocket.StatusPolicyViolation, "unknown subscription")
		return
	}

	// writes happen on this goroutine only
	out := make(chan []byte, 64)
	stop := h.PubSub.Listen(pubsub.Topic(frame.OperationName, frame.Variables), func(p pubsub.Payload) {
		jp, ok := p.(*pubsub.JSONPayload)
		if !ok {
			return
		}
		select {
		case out <- jp.Data:
		default:
			hlog.FromRequest(req).Warn().Str("op", frame.OperationName).Msg("subscriber too slow, dropping")
			cancel()
		}
	})
	defer stop()

	// the client never sends anything after subscribing; CloseRead handles pings and
	// cancels readCtx when the client goes away
	readCtx := conn.CloseRead(ctx)
	for {
		select {
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-out:
			err = wsjson.Write(readCtx, conn, map[string]any{
				"type":    transport.FrameData,
				"payload": json.RawMessage(data),
			})
			if err != nil {
				return
			}
		}
	}
}
