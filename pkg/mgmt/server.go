package mgmt

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/clusterlab/harness/pkg/observability/tracing"
)

// Server serves the management surface over gRPC using the JSON codec, no
// protobuf codegen required.
type Server struct {
	bind string
	lis  net.Listener
	srv  *grpc.Server
}

// NewServer prepares a server bound to addr. Start must be called.
func NewServer(bind string) *Server { return &Server{bind: bind} }

type empty struct{}

type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*Status, error)
	Shutdown(ctx context.Context, in *empty) (*empty, error)
}

type mgmtImpl struct {
	status   StatusFunc
	shutdown ShutdownFunc
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*Status, error) {
	ctx, end := tracing.StartSpan(ctx, "mgmt.status")
	defer end()
	s, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *mgmtImpl) Shutdown(ctx context.Context, _ *empty) (*empty, error) {
	ctx, end := tracing.StartSpan(ctx, "mgmt.shutdown")
	defer end()
	if m.shutdown == nil {
		return &empty{}, nil
	}
	return &empty{}, m.shutdown(ctx)
}

var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: "harness.v1.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "Shutdown", Handler: _Management_Shutdown_Handler},
	},
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/harness.v1.Management/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Shutdown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/harness.v1.Management/Shutdown"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Shutdown(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Start binds the listener and serves until ctx is done.
func (s *Server) Start(ctx context.Context, status StatusFunc, shutdown ShutdownFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status, shutdown: shutdown})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound listener address, useful when binding port 0.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop shuts the server down, forcing after ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}
