package flowrec

import (
	"net"
	"strconv"
)

// Key is the Merger's join identity: (remote_ip, local_port). For a
// completed Flow Record, remote_ip = dip and local_port = sp (the
// packet-level source port on outbound traffic is the client's
// ephemeral port, matching Outcome.LocalPort).
type Key struct {
	RemoteIP  string
	LocalPort uint16
}

// String renders the Key as a single comparable string, so it can be
// used as the key of a string-keyed concurrent map (haxmap's generic
// key constraint excludes struct types).
func (k Key) String() string {
	return k.RemoteIP + "/" + strconv.FormatUint(uint64(k.LocalPort), 10)
}

// KeyFromRecord computes the Flow Key for a completed observation.
func KeyFromRecord(r Record) Key {
	return Key{
		RemoteIP:  r.String(FieldDstIP),
		LocalPort: uint16(r.Int64(FieldSrcPort)),
	}
}

// KeyFromOutcome computes the Flow Key for a worker's Connection Outcome.
func KeyFromOutcome(remoteIP net.IP, localPort uint16) Key {
	return Key{RemoteIP: remoteIP.String(), LocalPort: localPort}
}

// KeyFromResult computes the Flow Key for a worker's result record (the
// Record form of a Connection Outcome pushed onto the result queue).
func KeyFromResult(r Record) Key {
	return Key{
		RemoteIP:  r.String(FieldRemoteIP),
		LocalPort: uint16(r.Int64(FieldLocalPort)),
	}
}
