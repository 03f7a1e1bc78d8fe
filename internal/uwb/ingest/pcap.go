//go:build pcap
// +build pcap

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ReplayPCAP feeds ranging datagrams from a capture file to h, stamped with
// their capture time. Only available when built with the 'pcap' tag.
func ReplayPCAP(ctx context.Context, pcapFile string, udpPort int, h PacketHandler) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	logger.Printf("PCAP BPF filter set: %s", filterStr)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	count := 0
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Printf("PCAP replay stopping due to context cancellation (%d datagrams)", count)
			return ctx.Err()
		case packet := <-source.Packets():
			if packet == nil {
				logger.Printf("PCAP replay complete: %d datagrams in %v", count, time.Since(start))
				return nil
			}
			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			count++
			if err := h.HandlePacket(ctx, udp.Payload, packet.Metadata().Timestamp); err != nil {
				return err
			}
		}
	}
}
