// Package ingest turns ranging datagrams into uwb.Report values and carries
// them from the network reader to the single engine worker.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// ActionSyncTime marks a firmware clock heartbeat. It carries no role or ranges.
const ActionSyncTime = "sync_time"

type wireReport struct {
	DeviceAddress *string      `json:"device_address"`
	Role          *string      `json:"role"`
	Action        string       `json:"action"`
	Timestamp     *json.Number `json:"timestamp"`
	RangeData     []wireSample `json:"range_data"`
	Ranges        []wireSample `json:"ranges"`
}

type wireSample struct {
	PeerAddress json.RawMessage `json:"peer_address"`
	Address     json.RawMessage `json:"address"`
	Range       *float64        `json:"range"`
	RxPower     float64         `json:"rx_power"`
}

// Decode parses one JSON ranging datagram. Errors wrap uwb.ErrParse; nothing
// is returned for a payload that fails to decode. Entries with a missing peer
// or range are left for sample validation to reject.
func Decode(payload []byte, receivedAt time.Time) (uwb.Report, error) {
	var w wireReport
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return uwb.Report{}, fmt.Errorf("%w: %v", uwb.ErrParse, err)
	}
	if w.DeviceAddress == nil || strings.TrimSpace(*w.DeviceAddress) == "" {
		return uwb.Report{}, fmt.Errorf("%w: missing device_address", uwb.ErrParse)
	}

	r := uwb.Report{
		DeviceAddress: strings.TrimSpace(*w.DeviceAddress),
		ReceivedAt:    receivedAt,
	}
	if w.Role != nil && *w.Role != "" {
		role, err := uwb.ParseRole(*w.Role)
		if err != nil {
			return uwb.Report{}, err
		}
		r.Role = &role
	}
	if w.Timestamp != nil {
		if ms, err := w.Timestamp.Int64(); err == nil {
			r.DeviceMillis = ms
		} else if f, err := w.Timestamp.Float64(); err == nil {
			r.DeviceMillis = int64(f)
		}
	}
	if w.Action == ActionSyncTime {
		return r, nil
	}

	entries := w.RangeData
	if len(entries) == 0 {
		entries = w.Ranges
	}
	r.Samples = make([]uwb.RangingSample, 0, len(entries))
	for i, e := range entries {
		raw := e.PeerAddress
		if len(raw) == 0 || string(raw) == "null" {
			raw = e.Address
		}
		peer, err := decodePeer(raw)
		if err != nil {
			return uwb.Report{}, fmt.Errorf("%w: range entry %d: %v", uwb.ErrParse, i, err)
		}
		s := uwb.RangingSample{Peer: peer, RxPower: e.RxPower}
		if e.Range != nil {
			s.Range = *e.Range
		} else {
			s.Range = -1
		}
		r.Samples = append(r.Samples, s)
	}
	return r, nil
}

// decodePeer accepts a string address or a numeric DW1000 short address,
// which is rendered as four upper-case hex digits.
func decodePeer(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 16)
	if err != nil {
		return "", fmt.Errorf("peer address %s is neither a string nor a 16-bit number", raw)
	}
	return fmt.Sprintf("%04X", n), nil
}

// Encode renders a report in the wire format Decode accepts. Peers are always
// written as peer_address strings.
func Encode(r uwb.Report) ([]byte, error) {
	type sample struct {
		PeerAddress string  `json:"peer_address"`
		Range       float64 `json:"range"`
		RxPower     float64 `json:"rx_power,omitempty"`
	}
	out := struct {
		DeviceAddress string   `json:"device_address"`
		Role          string   `json:"role,omitempty"`
		Timestamp     int64    `json:"timestamp,omitempty"`
		RangeData     []sample `json:"range_data,omitempty"`
	}{
		DeviceAddress: r.DeviceAddress,
		Timestamp:     r.DeviceMillis,
	}
	if r.Role != nil {
		out.Role = r.Role.String()
	}
	for _, s := range r.Samples {
		out.RangeData = append(out.RangeData, sample{PeerAddress: s.Peer, Range: s.Range, RxPower: s.RxPower})
	}
	return json.Marshal(out)
}
