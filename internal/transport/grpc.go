package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/praxis/a2a-router/internal/a2a"
)

const (
	grpcServiceName = "a2a.v1.MessageRouter"
	grpcDeliverPath = "/" + grpcServiceName + "/Deliver"
	grpcCodecName   = "json"
)

// jsonCodec lets messages travel over gRPC without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return grpcCodecName }

// GRPCTransport calls a2a.v1.MessageRouter/Deliver on the endpoint.
type GRPCTransport struct {
	logger   *logrus.Logger
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCTransport(logger *logrus.Logger, opts ...grpc.DialOption) *GRPCTransport {
	if logger == nil {
		logger = logrus.New()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})))
	return &GRPCTransport{
		logger:   logger,
		dialOpts: opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) Kind() a2a.TransportKind { return a2a.TransportGRPC }

func (t *GRPCTransport) Send(ctx context.Context, msg *a2a.Message, endpoint string) error {
	conn, err := t.conn(endpoint)
	if err != nil {
		return err
	}
	var ack Ack
	if err := conn.Invoke(ctx, grpcDeliverPath, msg, &ack); err != nil {
		return fmt.Errorf("grpc deliver to %s: %w", endpoint, err)
	}
	return ack.err()
}

func (t *GRPCTransport) conn(endpoint string) (*grpc.ClientConn, error) {
	target := grpcTarget(endpoint)

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[target]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(target, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", target, err)
	}
	t.conns[target] = c
	return c, nil
}

// grpcTarget turns "grpc://host:port" into "host:port"; other forms pass through.
func grpcTarget(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme == "grpc" && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(endpoint, "grpc://")
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for target, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, target)
	}
	return firstErr
}

// NewGRPCServer returns a server that speaks the JSON codec used by GRPCTransport.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	return grpc.NewServer(opts...)
}

// RegisterGRPCReceiver exposes r as a2a.v1.MessageRouter/Deliver on s.
func RegisterGRPCReceiver(s *grpc.Server, r Receiver) {
	s.RegisterService(&grpcServiceDesc, r)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*Receiver)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Deliver",
		Handler:    grpcDeliverHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "a2a/v1/router.proto",
}

func grpcDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	msg := new(a2a.Message)
	if err := dec(msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return AckFromReceipt(srv.(Receiver).Receive(ctx, req.(*a2a.Message))), nil
	}
	if interceptor == nil {
		return handler(ctx, msg)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcDeliverPath}
	return interceptor(ctx, msg, info, handler)
}
