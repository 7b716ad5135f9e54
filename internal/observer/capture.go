package observer

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is the subset of a captured packet the analyzer chains and the
// flow-keying logic need, abstracted away from gopacket's layer API so
// analyzers don't have to type-switch on layers.IPv4 vs layers.IPv6
// themselves.
type Packet struct {
	Seconds time.Time

	SrcIP, DstIP net.IP
	Proto        uint8
	IsIPv6       bool
	Size         int

	HasL4   bool
	SrcPort uint16
	DstPort uint16
	TCPFin  bool
	TCPSyn  bool

	l4Payload []byte
	raw       gopacket.Packet
}

// Raw exposes the underlying gopacket.Packet for analyzers that need
// deeper layer access than the common fields above.
func (p *Packet) Raw() gopacket.Packet { return p.raw }

// FromGopacket builds a Packet view from a decoded gopacket.Packet and
// its capture timestamp. nonIP is true for packets with neither an IPv4
// nor an IPv6 network layer.
func FromGopacket(pkt gopacket.Packet, seconds time.Time) (p *Packet, nonIP bool) {
	p = &Packet{Seconds: seconds, raw: pkt}

	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4 := ip4.(*layers.IPv4)
		p.SrcIP = v4.SrcIP
		p.DstIP = v4.DstIP
		p.Proto = uint8(v4.Protocol)
		p.Size = int(v4.Length)
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v6 := ip6.(*layers.IPv6)
		p.SrcIP = v6.SrcIP
		p.DstIP = v6.DstIP
		p.Proto = uint8(v6.NextHeader)
		p.Size = int(v6.Length) + 40
		p.IsIPv6 = true
	} else {
		return p, true
	}

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		p.HasL4 = true
		p.SrcPort = uint16(t.SrcPort)
		p.DstPort = uint16(t.DstPort)
		p.TCPFin = t.FIN
		p.TCPSyn = t.SYN
		p.l4Payload = l4PayloadBytes(t.SrcPort, t.DstPort)
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		p.HasL4 = true
		p.SrcPort = uint16(u.SrcPort)
		p.DstPort = uint16(u.DstPort)
		p.l4Payload = l4PayloadBytes(layers.TCPPort(u.SrcPort), layers.TCPPort(u.DstPort))
	}

	return p, false
}

// l4PayloadBytes reconstructs the 4-byte [srcPort|dstPort] prefix
// flowIDs expects, from already-decoded port fields, rather than
// re-reading raw transport bytes.
func l4PayloadBytes(src, dst layers.TCPPort) []byte {
	b := make([]byte, 4)
	b[0] = byte(src >> 8)
	b[1] = byte(src)
	b[2] = byte(dst >> 8)
	b[3] = byte(dst)
	return b
}

// Source is a blocking iterator over captured packets, abstracting the
// underlying libpcap/gopacket handle (file, live interface, or meter
// socket). NextPacket returns ok=false, err=nil at natural end of input
// (e.g. end of a pcap file).
type Source interface {
	NextPacket() (pkt gopacket.Packet, seconds time.Time, ok bool, err error)
	Close() error
}
