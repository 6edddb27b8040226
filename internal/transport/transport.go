// Package transport delivers A2A messages to agent endpoints. Each adapter
// implements Transport for one endpoint kind; inbound adapters hand received
// messages to a Receiver.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/praxis/a2a-router/internal/a2a"
)

const (
	HeaderProtocolVersion = "X-A2A-Protocol-Version"
	HeaderMessageID       = "X-A2A-Message-ID"
	ContentTypeJSON       = "application/json"

	// FrameRouteMessage is the frame type carrying a message over streaming
	// transports (websocket).
	FrameRouteMessage = "ROUTE_MESSAGE"
)

var (
	ErrNoTransport = errors.New("no transport registered for endpoint kind")
	ErrRejected    = errors.New("delivery rejected by remote")
)

// Transport sends a message to one endpoint. Send returns nil only when the
// remote side accepted the message.
type Transport interface {
	Kind() a2a.TransportKind
	Send(ctx context.Context, msg *a2a.Message, endpoint string) error
	Close() error
}

// Receiver accepts inbound messages. The router implements it.
type Receiver interface {
	Receive(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt
}

type ReceiverFunc func(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt

func (f ReceiverFunc) Receive(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt {
	return f(ctx, msg)
}

// Ack is the reply a receiving peer sends back on request/response transports.
type Ack struct {
	MessageID string            `json:"messageId"`
	Accepted  bool              `json:"accepted"`
	Status    a2a.ReceiptStatus `json:"status,omitempty"`
	Error     *a2a.ReceiptError `json:"error,omitempty"`
}

// AckFromReceipt converts a receipt to the wire acknowledgement.
func AckFromReceipt(r *a2a.MessageReceipt) *Ack {
	if r == nil {
		return &Ack{Accepted: false}
	}
	return &Ack{
		MessageID: r.MessageID,
		Accepted:  r.Status == a2a.ReceiptCompleted,
		Status:    r.Status,
		Error:     r.Error,
	}
}

func (a *Ack) err() error {
	if a.Accepted {
		return nil
	}
	if a.Error != nil {
		return fmt.Errorf("%w: %s: %s", ErrRejected, a.Error.Code, a.Error.Message)
	}
	return ErrRejected
}

// Registry selects a transport by endpoint kind.
type Registry struct {
	mu         sync.RWMutex
	transports map[a2a.TransportKind]Transport
}

func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[a2a.TransportKind]Transport)}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Transport) {
	r.RegisterAs(t.Kind(), t)
}

// RegisterAs maps an extra kind to t, e.g. https to the HTTP transport.
func (r *Registry) RegisterAs(kind a2a.TransportKind, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[kind] = t
}

func (r *Registry) Get(kind a2a.TransportKind) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[kind]
	return t, ok
}

// Send dispatches through the transport registered for kind.
func (r *Registry) Send(ctx context.Context, kind a2a.TransportKind, msg *a2a.Message, endpoint string) error {
	t, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, kind)
	}
	return t.Send(ctx, msg, endpoint)
}

func (r *Registry) Kinds() []a2a.TransportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]a2a.TransportKind, 0, len(r.transports))
	for k := range r.transports {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every distinct transport once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[Transport]bool)
	var errs error
	for _, t := range r.transports {
		if closed[t] {
			continue
		}
		closed[t] = true
		errs = multierr.Append(errs, t.Close())
	}
	return errs
}
