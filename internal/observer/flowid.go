package observer

import (
	"encoding/binary"
	"errors"
)

// ID is the Observer's internal flow identity: a compact byte tuple
// (src_addr || dst_addr || proto || src_port || dst_port), ports omitted
// for protocols without them. It is comparable (usable as a map key)
// since it is a fixed Go string under the hood.
type ID string

// ErrShortPayload is returned when a transport-layer port-bearing
// protocol's payload is too short to contain a port pair.
var ErrShortPayload = errors.New("observer: payload too short to extract ports")

const (
	protoTCP  = 6
	protoUDP  = 17
	protoSCTP = 132
)

// hasPorts reports whether proto is one of the port-bearing transport
// protocols the Observer keys on ports for.
func hasPorts(proto uint8) bool {
	return proto == protoTCP || proto == protoUDP || proto == protoSCTP
}

// flowIDs computes the forward and reverse Flow IDs for an IP(v4/v6)
// packet given its source/destination address bytes, the protocol
// number, and (for port-bearing protocols) the first 4 bytes of the
// transport-layer payload — [srcPort(2) | dstPort(2)] — matching
// observer.py's _flow4_ids/_flow6_ids byte layout exactly.
func flowIDs(src, dst []byte, proto uint8, l4Payload []byte) (fwd, rev ID, err error) {
	if !hasPorts(proto) {
		f := make([]byte, 0, len(src)+len(dst)+1)
		f = append(f, src...)
		f = append(f, dst...)
		f = append(f, proto)

		r := make([]byte, 0, len(src)+len(dst)+1)
		r = append(r, dst...)
		r = append(r, src...)
		r = append(r, proto)

		return ID(f), ID(r), nil
	}

	if len(l4Payload) < 4 {
		return "", "", ErrShortPayload
	}
	srcPort := l4Payload[0:2]
	dstPort := l4Payload[2:4]

	f := make([]byte, 0, len(src)+len(dst)+1+4)
	f = append(f, src...)
	f = append(f, dst...)
	f = append(f, proto)
	f = append(f, srcPort...)
	f = append(f, dstPort...)

	r := make([]byte, 0, len(src)+len(dst)+1+4)
	r = append(r, dst...)
	r = append(r, src...)
	r = append(r, proto)
	r = append(r, dstPort...)
	r = append(r, srcPort...)

	return ID(f), ID(r), nil
}

// ports extracts the source/destination ports from the first 4 bytes of
// a transport payload, the same slice flowIDs reads.
func ports(l4Payload []byte) (src, dst uint16, ok bool) {
	if len(l4Payload) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(l4Payload[0:2]), binary.BigEndian.Uint16(l4Payload[2:4]), true
}
