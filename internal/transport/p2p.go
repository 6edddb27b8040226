package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const (
	ProtocolA2A = protocol.ID("/praxis/a2a/1.0.0")

	p2pStreamTimeout = 30 * time.Second
)

// NewP2PHost starts a libp2p host listening on the given multiaddrs
// (e.g. /ip4/0.0.0.0/tcp/4001).
func NewP2PHost(listenAddrs ...string) (host.Host, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		addrs = append(addrs, ma)
	}
	return libp2p.New(
		libp2p.ListenAddrs(addrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Security(noise.ID, noise.New),
	)
}

// P2PTransport opens a stream per message on ProtocolA2A, writes the message
// as JSON and waits for the peer's Ack. Endpoints are full p2p multiaddrs,
// /ip4/1.2.3.4/tcp/4001/p2p/<peer-id>, optionally prefixed with p2p://.
type P2PTransport struct {
	host   host.Host
	logger *logrus.Logger
}

func NewP2PTransport(h host.Host, logger *logrus.Logger) *P2PTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &P2PTransport{host: h, logger: logger}
}

func (t *P2PTransport) Kind() a2a.TransportKind { return a2a.TransportP2P }

func (t *P2PTransport) Send(ctx context.Context, msg *a2a.Message, endpoint string) error {
	addr, err := multiaddr.NewMultiaddr(strings.TrimPrefix(endpoint, "p2p://"))
	if err != nil {
		return fmt.Errorf("invalid p2p endpoint %q: %w", endpoint, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("invalid p2p endpoint %q: %w", endpoint, err)
	}

	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect to peer %s: %w", info.ID, err)
	}
	stream, err := t.host.NewStream(ctx, info.ID, ProtocolA2A)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", info.ID, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(p2pStreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		stream.Reset()
		return fmt.Errorf("write message: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return fmt.Errorf("close write: %w", err)
	}

	var ack Ack
	if err := json.NewDecoder(stream).Decode(&ack); err != nil {
		stream.Reset()
		return fmt.Errorf("read ack: %w", err)
	}
	t.logger.Debugf("Peer %s acknowledged message %s", info.ID, msg.ID)
	return ack.err()
}

// Serve registers r as the handler for inbound ProtocolA2A streams.
func (t *P2PTransport) Serve(r Receiver) {
	t.host.SetStreamHandler(ProtocolA2A, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		stream.SetDeadline(time.Now().Add(p2pStreamTimeout))

		var msg a2a.Message
		if err := json.NewDecoder(stream).Decode(&msg); err != nil {
			t.logger.Warnf("Failed to decode A2A message from %s: %v", remote, err)
			stream.Reset()
			return
		}
		ack := AckFromReceipt(r.Receive(context.Background(), &msg))
		if err := json.NewEncoder(stream).Encode(ack); err != nil {
			t.logger.Warnf("Failed to send ack to %s: %v", remote, err)
			stream.Reset()
		}
	})
	t.logger.Infof("A2A protocol handler registered on %s", ProtocolA2A)
}

// Addrs returns the host's dialable p2p multiaddrs, suitable as endpoint URLs.
func (t *P2PTransport) Addrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Close removes the stream handler. The host is owned by the caller.
func (t *P2PTransport) Close() error {
	t.host.RemoveStreamHandler(ProtocolA2A)
	return nil
}
