//go:build !pcap
// +build !pcap

package ingest

import (
	"context"
	"strings"
	"testing"
)

func TestReplayPCAP_Stub(t *testing.T) {
	err := ReplayPCAP(context.Background(), "capture.pcap", DefaultPort, NewUDPListener(UDPListenerConfig{}))
	if err == nil {
		t.Fatal("Expected error from stub implementation")
	}
	if !strings.HasPrefix(err.Error(), "PCAP support not enabled") {
		t.Errorf("unexpected error %q", err)
	}
}
