package inspector

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
)

// InspectorServiceName is the fully-qualified gRPC service name.
const InspectorServiceName = "synapticview.inspector.v1.Inspector"

const (
	methodGetSnapshot  = "/" + InspectorServiceName + "/GetSnapshot"
	methodListEntities = "/" + InspectorServiceName + "/ListEntities"
	methodSelect       = "/" + InspectorServiceName + "/Select"
)

// InspectorServer is the server API of the inspector service. Payloads are
// protobuf well-known types so no generated code is needed.
type InspectorServer interface {
	// GetSnapshot returns the latest snapshot as
	// {view, tick, entity_id?, entries: [{key, value}]}.
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListEntities returns the selector labels, aggregate first.
	ListEntities(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// Select chooses an entity by id; 0 selects the aggregate view.
	Select(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

// RegisterInspectorServer registers srv on s.
func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorServiceDesc, srv)
}

// InspectorServiceDesc describes the inspector service to grpc.
var InspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: InspectorServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "ListEntities", Handler: listEntitiesHandler},
		{MethodName: "Select", Handler: selectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synapticview/inspector/v1/inspector.proto",
}

func getSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listEntitiesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).ListEntities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListEntities}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).ListEntities(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func selectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).Select(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSelect}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).Select(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// InspectorClient is the client API of the inspector service.
type InspectorClient interface {
	GetSnapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListEntities(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	Select(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type inspectorClient struct {
	cc grpc.ClientConnInterface
}

// NewInspectorClient returns a client bound to cc.
func NewInspectorClient(cc grpc.ClientConnInterface) InspectorClient {
	return &inspectorClient{cc: cc}
}

func (c *inspectorClient) GetSnapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetSnapshot, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inspectorClient) ListEntities(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListEntities, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inspectorClient) Select(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodSelect, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotViewToStruct encodes v as a protobuf Struct.
func SnapshotViewToStruct(v SnapshotView) (*structpb.Struct, error) {
	entries := make([]interface{}, len(v.Entries))
	for i, e := range v.Entries {
		entries[i] = map[string]interface{}{"key": e.Key, "value": e.Value}
	}
	fields := map[string]interface{}{
		"view":    v.View,
		"tick":    float64(v.Tick),
		"entries": entries,
	}
	if v.EntityID != 0 {
		fields["entity_id"] = float64(v.EntityID)
	}
	return structpb.NewStruct(fields)
}

// SnapshotViewFromStruct decodes what GetSnapshot returns.
func SnapshotViewFromStruct(s *structpb.Struct) (SnapshotView, error) {
	var v SnapshotView
	if s == nil {
		return v, fmt.Errorf("nil snapshot struct")
	}
	f := s.GetFields()
	v.View = f["view"].GetStringValue()
	v.Tick = uint64(f["tick"].GetNumberValue())
	v.EntityID = uint64(f["entity_id"].GetNumberValue())
	for i, item := range f["entries"].GetListValue().GetValues() {
		row := item.GetStructValue().GetFields()
		if row == nil {
			return SnapshotView{}, fmt.Errorf("snapshot entry %d is not an object", i)
		}
		v.Entries = append(v.Entries, snapshot.Entry{
			Key:   row["key"].GetStringValue(),
			Value: row["value"].GetStringValue(),
		})
	}
	return v, nil
}
