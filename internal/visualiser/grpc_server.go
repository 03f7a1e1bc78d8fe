package visualiser

import (
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

var _ SnapshotServiceServer = (*Server)(nil)

// Server implements SnapshotService on top of a Publisher.
type Server struct {
	publisher *Publisher
}

func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// StreamSnapshots implements SnapshotServiceServer.
func (s *Server) StreamSnapshots(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var role uwb.Role
	if token := req.GetValue(); token != "" {
		r, err := uwb.ParseRole(token)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid role %q", token)
		}
		role = r
	}

	c, err := s.publisher.subscribe()
	if err != nil {
		if errors.Is(err, ErrTooManyClients) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return err
	}
	defer s.publisher.unsubscribe(c)

	// Subscribed first, so nothing published after this snapshot is missed.
	last := s.publisher.Latest()
	if last != nil {
		if err := stream.Send(snapshotToProto(last, role)); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.done:
			return status.Error(codes.Unavailable, "visualiser shutting down")
		case snap := <-c.ch:
			// The subscription may already hold the snapshot sent above.
			if snap == last {
				continue
			}
			last = snap
			if err := stream.Send(snapshotToProto(snap, role)); err != nil {
				return err
			}
		}
	}
}
