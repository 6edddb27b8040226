package transport

import (
	"context"

	"github.com/praxis/a2a-router/internal/a2a"
)

// LocalTransport hands messages to an in-process receiver, for routers that
// share a process. The endpoint URL is ignored.
type LocalTransport struct {
	receiver Receiver
}

func NewLocalTransport(r Receiver) *LocalTransport {
	return &LocalTransport{receiver: r}
}

func (t *LocalTransport) Kind() a2a.TransportKind { return a2a.TransportLocal }

func (t *LocalTransport) Send(ctx context.Context, msg *a2a.Message, _ string) error {
	return AckFromReceipt(t.receiver.Receive(ctx, msg.Clone())).err()
}

func (t *LocalTransport) Close() error { return nil }
