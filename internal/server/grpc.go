package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

const callMethod = "/stork.v1.Scheduler/Call"

// SchedulerServer the gRPC service implemented by Server
type SchedulerServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// serviceDesc describes stork.v1.Scheduler. Requests and responses are
// plain structpb.Struct messages, so no generated code is needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "stork.v1.Scheduler",
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stork/v1/scheduler.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Call handles one request ad.
func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res := s.respond(ctx, ad.FromStruct(req))
	out, err := res.ToStruct()
	if err != nil {
		s.log.Error("response not encodable", "error", err)
		return command.ErrorAd(command.Errorf(command.KindInternal, "response not encodable: %v", err)).ToStruct()
	}
	return out, nil
}

// RegisterGRPC adds the scheduler service to srv.
func (s *Server) RegisterGRPC(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

// ServeGRPC serves the scheduler service on addr until ctx is done, then
// stops gracefully.
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC server failed to listen: %w", err)
	}
	return s.serveGRPC(ctx, lis)
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	s.RegisterGRPC(srv)
	log := s.log.With("transport", "grpc", "addr", lis.Addr().String())
	log.Info("gRPC server listening")

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("gRPC server shutting down")
			srv.GracefulStop()
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	log.Info("gRPC server terminated")
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Client talks to a scheduler over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends a and returns the response. An error response comes back as
// a *command.Error.
func (c *Client) Call(ctx context.Context, a ad.Ad) (ad.Ad, error) {
	req, err := a.ToStruct()
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, callMethod, req, resp); err != nil {
		return nil, fmt.Errorf("call scheduler: %w", err)
	}
	res := ad.FromStruct(resp)
	if e := command.FromErrorAd(res); e != nil {
		return nil, e
	}
	return res, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
