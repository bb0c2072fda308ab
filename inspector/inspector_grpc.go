package inspector

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "rcuvar.inspector.Inspector"

const (
	listVariablesMethod = "/" + ServiceName + "/ListVariables"
	getVariableMethod   = "/" + ServiceName + "/GetVariable"
)

// InspectorServer is the server API for the inspector service
type InspectorServer interface {
	ListVariables(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetVariable(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var _ InspectorServer = (*Service)(nil)

// RegisterInspectorServer registers srv with s
func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&serviceDesc, srv)
}

func listVariablesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).ListVariables(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listVariablesMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).ListVariables(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getVariableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).GetVariable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getVariableMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).GetVariable(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListVariables", Handler: listVariablesHandler},
		{MethodName: "GetVariable", Handler: getVariableHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inspector.proto",
}

// InspectorClient is the client API for the inspector service
type InspectorClient struct {
	cc grpc.ClientConnInterface
}

// NewInspectorClient creates a client issuing calls over cc
func NewInspectorClient(cc grpc.ClientConnInterface) *InspectorClient {
	return &InspectorClient{cc: cc}
}

// ListVariables returns the stats of every registered variable
func (c *InspectorClient) ListVariables(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listVariablesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVariable returns the stats and retired versions of one variable
func (c *InspectorClient) GetVariable(ctx context.Context, name string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getVariableMethod, wrapperspb.String(name), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
