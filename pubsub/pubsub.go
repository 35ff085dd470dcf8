package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/peersupport/roomsync/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// JSONPayload is a payload carrying an encoded push event.
type JSONPayload struct {
	Kind string
	Data json.RawMessage
}

func (p *JSONPayload) Type() string { return p.Kind }

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process fanout. Notify delivers synchronously to every listener of the
// channel, in registration order, outside of the internal lock.
type PubSub struct {
	mu        sync.Mutex
	listeners map[string][]*listener
	nextID    uint64
	closed    bool
}

type listener struct {
	id     uint64
	fn     func(p Payload)
	mu     sync.Mutex
	closed bool
}

func NewPubSub() *PubSub {
	return &PubSub{
		listeners: make(map[string][]*listener),
	}
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return fmt.Errorf("notify with payload %v: pubsub closed", p.Type())
	}
	ls := make([]*listener, len(ps.listeners[chanName]))
	copy(ls, ps.listeners[chanName])
	ps.mu.Unlock()
	for _, l := range ls {
		l.deliver(p)
	}
	return nil
}

func (l *listener) deliver(p Payload) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.fn(p)
	}
}

// Listen registers fn on chanName. The returned function removes it. A notification
// already being delivered when it is called may still reach fn.
func (ps *PubSub) Listen(chanName string, fn func(p Payload)) (cancel func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.nextID++
	l := &listener{id: ps.nextID, fn: fn}
	ps.listeners[chanName] = append(ps.listeners[chanName], l)
	return func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		ps.remove(chanName, l.id)
	}
}

func (ps *PubSub) remove(chanName string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ls := ps.listeners[chanName]
	for i := range ls {
		if ls[i].id == id {
			ps.listeners[chanName] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ps.listeners[chanName]) == 0 {
		delete(ps.listeners, chanName)
	}
}

// NumListeners returns how many listeners are registered on chanName.
func (ps *PubSub) NumListeners(chanName string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.listeners[chanName])
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.closed = true
	ps.listeners = make(map[string][]*listener)
	return nil
}

// Topic returns the channel name for a subscription operation and its variables.
// String variables are part of the name, in key order.
func Topic(op string, vars map[string]any) string {
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(op)
	for _, k := range keys {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(vars[k].(string))
	}
	return sb.String()
}

// Subscriber exposes a PubSub as a transport.Subscriber.
type Subscriber struct {
	PubSub *PubSub
}

func (s *Subscriber) Subscribe(ctx context.Context, op string, vars map[string]any, h transport.Handlers) (transport.Subscription, error) {
	cancel := s.PubSub.Listen(Topic(op, vars), func(p Payload) {
		jp, ok := p.(*JSONPayload)
		if !ok {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("%s: unexpected payload type %T", op, p))
			}
			return
		}
		if h.OnData != nil {
			h.OnData(gjson.ParseBytes(jp.Data))
		}
	})
	return &subscription{cancel: cancel}, nil
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
