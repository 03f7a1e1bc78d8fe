package visualiser

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
)

// snapshotToProto renders s as a Struct with the same field names as the JSON
// API. When role is set only devices with that role are included.
func snapshotToProto(s *engine.Snapshot, role uwb.Role) *structpb.Struct {
	devices := make([]*structpb.Value, 0, len(s.Devices))
	for _, d := range s.Devices {
		if role != "" && d.Role != role {
			continue
		}
		devices = append(devices, structpb.NewStructValue(deviceToProto(d)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":               structpb.NewNumberValue(float64(s.Seq)),
		"taken_at":          timeValue(s.TakenAt),
		"frame_id":          structpb.NewStringValue(s.FrameID),
		"frame_initialized": structpb.NewBoolValue(s.FrameInitialized),
		"devices":           structpb.NewListValue(&structpb.ListValue{Values: devices}),
	}}
}

func deviceToProto(d engine.DeviceState) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"address":      structpb.NewStringValue(d.Address),
		"role":         structpb.NewStringValue(string(d.Role)),
		"position":     pointValue(d.Position),
		"resolved":     structpb.NewBoolValue(d.Resolved),
		"last_updated": timeValue(d.LastUpdated),
	}
	if d.Raw != nil {
		fields["raw"] = pointValue(*d.Raw)
	}
	if d.Variance != nil {
		fields["variance"] = pointValue(*d.Variance)
	}
	if d.InFrame {
		fields["in_frame"] = structpb.NewBoolValue(true)
	}
	return &structpb.Struct{Fields: fields}
}

func pointValue(p engine.Point) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x": structpb.NewNumberValue(p.X),
		"y": structpb.NewNumberValue(p.Y),
		"z": structpb.NewNumberValue(p.Z),
	}})
}

func timeValue(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}
