// Package visualiser pushes engine snapshots to display clients over a gRPC
// server stream.
package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service carries well-known protobuf types only: the request is the role
// filter as a StringValue and every stream message is a snapshot Struct.
const (
	ServiceName               = "uwb.visualiser.v1.SnapshotService"
	StreamSnapshotsFullMethod = "/" + ServiceName + "/StreamSnapshots"
	streamSnapshotsStreamName = "StreamSnapshots"
)

// SnapshotServiceServer is the server API for SnapshotService.
type SnapshotServiceServer interface {
	// StreamSnapshots sends the current snapshot, then every published one,
	// until the client goes away. An empty role streams all devices.
	StreamSnapshots(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterSnapshotServiceServer registers srv on s.
func RegisterSnapshotServiceServer(s grpc.ServiceRegistrar, srv SnapshotServiceServer) {
	s.RegisterService(&SnapshotServiceDesc, srv)
}

func streamSnapshotsHandler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SnapshotServiceServer).StreamSnapshots(m, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// SnapshotServiceDesc is the grpc.ServiceDesc for SnapshotService.
var SnapshotServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamSnapshotsStreamName,
			Handler:       streamSnapshotsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "internal/visualiser/service.go",
}

// SnapshotServiceClient is the client API for SnapshotService.
type SnapshotServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSnapshotServiceClient(cc grpc.ClientConnInterface) *SnapshotServiceClient {
	return &SnapshotServiceClient{cc: cc}
}

// StreamSnapshots opens a snapshot stream filtered to role ("" for all).
func (c *SnapshotServiceClient) StreamSnapshots(ctx context.Context, role string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SnapshotServiceDesc.Streams[0], StreamSnapshotsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(role)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
