package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "safegen.v1.Requester"
	// GenerateMethod is the full method path of the unary call.
	GenerateMethod = "/" + ServiceName + "/Generate"
)

// RequesterServer is the server API of safegen.v1.Requester. Messages are
// google.protobuf.Struct so that no generated code is needed.
type RequesterServer interface {
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes safegen.v1.Requester for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RequesterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Generate",
			Handler:    generateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safegen/v1/requester.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv RequesterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Generate calls safegen.v1.Requester/Generate over cc.
func Generate(ctx context.Context, cc grpc.ClientConnInterface, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, GenerateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RequesterServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GenerateMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RequesterServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
