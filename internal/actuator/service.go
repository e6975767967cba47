package actuator

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc
// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "fieldsafe.actuator.v1.Actuator"

const (
	applyMethod      = "/" + ServiceName + "/Apply"
	deenergizeMethod = "/" + ServiceName + "/Deenergize"
)

// ActuatorClient is the RPC surface of the actuator service.
type ActuatorClient interface {
	Apply(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Deenergize(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type actuatorClient struct {
	cc grpc.ClientConnInterface
}

// NewActuatorClient binds the RPC surface to a connection.
func NewActuatorClient(cc grpc.ClientConnInterface) ActuatorClient {
	return &actuatorClient{cc: cc}
}

func (c *actuatorClient) Apply(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, applyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *actuatorClient) Deenergize(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, deenergizeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service-desc

// #region server
type server struct {
	dev Device
}

// RegisterServer exposes dev as the actuator service on s.
func RegisterServer(s grpc.ServiceRegistrar, dev Device) {
	s.RegisterService(&serviceDesc, &server{dev: dev})
}

func (s *server) apply(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	cmd, err := decodeCommand(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.dev.Apply(ctx, cmd); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *server) deenergize(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	start := time.Now()
	if err := s.dev.Deenergize(ctx); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return structpb.NewStruct(map[string]any{
		keyOff:       true,
		keyLatencyMs: float64(time.Since(start)) / float64(time.Millisecond),
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Apply",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*server).apply(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: applyMethod}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return srv.(*server).apply(ctx, req.(*structpb.Struct))
				})
			},
		},
		{
			MethodName: "Deenergize",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*server).deenergize(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deenergizeMethod}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return srv.(*server).deenergize(ctx, req.(*emptypb.Empty))
				})
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldsafe/actuator/v1/actuator.proto",
}

// #endregion server
