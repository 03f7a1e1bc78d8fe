package ingest

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

var t0 = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

func rolePtr(r uwb.Role) *uwb.Role { return &r }

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    uwb.Report
	}{
		{
			name:    "firmware range report",
			payload: `{"device_address":"7D:00:22:EA:82:60:3B:9C","role":"TAG","timestamp":123456,"range_data":[{"address":6018,"range":2.31,"rx_power":-80.5},{"address":132,"range":4.5,"rx_power":-82}]}`,
			want: uwb.Report{
				DeviceAddress: "7D:00:22:EA:82:60:3B:9C",
				Role:          rolePtr(uwb.RoleTag),
				DeviceMillis:  123456,
				Samples: []uwb.RangingSample{
					{Peer: "1782", Range: 2.31, RxPower: -80.5},
					{Peer: "0084", Range: 4.5, RxPower: -82},
				},
				ReceivedAt: t0,
			},
		},
		{
			name:    "string peers under ranges",
			payload: `{"device_address":"A1","role":"anchor","ranges":[{"peer_address":"A2","range":3}]}`,
			want: uwb.Report{
				DeviceAddress: "A1",
				Role:          rolePtr(uwb.RoleAnchor),
				Samples:       []uwb.RangingSample{{Peer: "A2", Range: 3}},
				ReceivedAt:    t0,
			},
		},
		{
			name:    "role change broadcast",
			payload: `{"device_address":"A1","role":"ANCHOR","timestamp":5}`,
			want: uwb.Report{
				DeviceAddress: "A1",
				Role:          rolePtr(uwb.RoleAnchor),
				DeviceMillis:  5,
				Samples:       []uwb.RangingSample{},
				ReceivedAt:    t0,
			},
		},
		{
			name:    "sync heartbeat",
			payload: `{"device_address":"A1","action":"sync_time","timestamp":99}`,
			want:    uwb.Report{DeviceAddress: "A1", DeviceMillis: 99, ReceivedAt: t0},
		},
		{
			name:    "missing range is left for validation",
			payload: `{"device_address":"T","range_data":[{"address":"A"}]}`,
			want: uwb.Report{
				DeviceAddress: "T",
				Samples:       []uwb.RangingSample{{Peer: "A", Range: -1}},
				ReceivedAt:    t0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload), t0)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `hello`},
		{"truncated", `{"device_address":"A1"`},
		{"missing device_address", `{"role":"TAG","range_data":[]}`},
		{"blank device_address", `{"device_address":"  "}`},
		{"unknown role", `{"device_address":"A1","role":"BEACON"}`},
		{"peer out of range", `{"device_address":"A1","range_data":[{"address":70000,"range":1}]}`},
		{"peer is object", `{"device_address":"A1","range_data":[{"address":{},"range":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload), t0)
			assert.ErrorIs(t, err, uwb.ErrParse)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := uwb.Report{
		DeviceAddress: "T0",
		Role:          rolePtr(uwb.RoleTag),
		DeviceMillis:  42,
		Samples:       []uwb.RangingSample{{Peer: "A0", Range: 1.25, RxPower: -79}},
		ReceivedAt:    t0,
	}
	b, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(b, t0)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
