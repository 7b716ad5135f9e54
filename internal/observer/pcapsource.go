package observer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// pcapReadTimeout bounds each ReadPacketData call on a live handle so the
// capture loop can be poll-checked against ctx cancellation, matching
// spec §5's "the capture source must be poll-checked against
// _interrupted" requirement.
const pcapReadTimeout = 500 * time.Millisecond

// PcapSource adapts a gopacket/pcap handle (live interface or offline
// pcap file) to the Source interface. The capture source URI (spec §6)
// is opaque to the engine: it is resolved into either OpenLive or
// OpenOffline by the caller before constructing a PcapSource.
type PcapSource struct {
	handle *pcap.Handle
	ctx    context.Context
}

// NewPcapSource wraps an already-open pcap handle. Use OpenLive/
// OpenOffline to build handle from a capture URI.
func NewPcapSource(ctx context.Context, handle *pcap.Handle) *PcapSource {
	return &PcapSource{handle: handle, ctx: ctx}
}

// OpenLive opens a live interface for capture with a read timeout short
// enough to keep NextPacket interruptible.
func OpenLive(device string, snaplen int32, promisc bool, filter string) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(device, snaplen, promisc, pcapReadTimeout)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return handle, nil
}

// OpenOffline opens a pcap file for replay (offline re-analysis of a
// capture file).
func OpenOffline(path string, filter string) (*pcap.Handle, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return handle, nil
}

// NextPacket blocks until a packet arrives, the source is exhausted
// (offline file EOF, ok=false/err=nil), the context is cancelled
// (ok=false/err=nil), or a genuine capture error occurs (err != nil,
// fatal per spec §7). Read timeouts are retried transparently.
func (s *PcapSource) NextPacket() (gopacket.Packet, time.Time, bool, error) {
	for {
		select {
		case <-s.ctx.Done():
			return nil, time.Time{}, false, nil
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			pkt := gopacket.NewPacket(data, s.handle.LinkType(), gopacket.DecodeStreamsAsDatagrams)
			return pkt, ci.Timestamp, true, nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, pcap.NextErrorNoMorePackets) || errors.Is(err, io.EOF):
			return nil, time.Time{}, false, nil
		default:
			return nil, time.Time{}, false, err
		}
	}
}

// Close releases the underlying pcap handle.
func (s *PcapSource) Close() error {
	s.handle.Close()
	return nil
}
