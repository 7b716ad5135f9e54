package observer

import "github.com/agermann93/pathspider/internal/flowrec"

// NewFlowFunc vets a brand-new flow. Returning false vetoes the flow: its
// forward Flow ID is added to the ignored set and no record is created.
// The caller is responsible for having already set first_ts on rec.
type NewFlowFunc func(rec flowrec.Record, pkt *Packet) bool

// LayerFunc inspects a single packet against an already-identified flow.
// reverse is true iff the packet matched the flow by its reverse key.
// Returning false asks the Observer to complete (expire) the flow.
type LayerFunc func(rec flowrec.Record, pkt *Packet, reverse bool) bool

// Chains groups every analyzer chain the Observer runs, mirroring the
// new_flow_chain/ip4_chain/ip6_chain/tcp_chain/udp_chain/l4_chain
// constructor arguments of observer.py's Observer.
type Chains struct {
	NewFlow []NewFlowFunc
	IPv4    []LayerFunc
	IPv6    []LayerFunc
	TCP     []LayerFunc
	UDP     []LayerFunc
	L4      []LayerFunc
}

func runNewFlowChain(chain []NewFlowFunc, rec flowrec.Record, pkt *Packet) bool {
	for _, fn := range chain {
		if !fn(rec, pkt) {
			return false
		}
	}
	return true
}

// runLayerChain evaluates chain in order, carrying keep in from a prior
// chain (the IP chain and the transport chain for the same packet share
// one running verdict). It short-circuits on the first false the same
// way observer.py's `keep_flow = keep_flow and fn(rec, ip, rev=rev)`
// does: once any earlier analyzer across both chains has vetoed the
// packet, later analyzers do not run for it.
func runLayerChain(chain []LayerFunc, keep bool, rec flowrec.Record, pkt *Packet, reverse bool) bool {
	for _, fn := range chain {
		if !keep {
			break
		}
		keep = fn(rec, pkt, reverse)
	}
	return keep
}

// BasicFlow is the new-flow analyzer that populates the standard fields
// every Flow Record carries, ported from observer.py's basic_flow.
func BasicFlow(rec flowrec.Record, pkt *Packet) bool {
	rec.Set(flowrec.FieldSrcIP, pkt.SrcIP.String())
	rec.Set(flowrec.FieldDstIP, pkt.DstIP.String())
	rec.Set(flowrec.FieldProto, int64(pkt.Proto))
	rec.Set(flowrec.FieldSrcPort, int64(pkt.SrcPort))
	rec.Set(flowrec.FieldDstPort, int64(pkt.DstPort))
	rec.Set(flowrec.FieldPktFwd, int64(0))
	rec.Set(flowrec.FieldPktRev, int64(0))
	rec.Set(flowrec.FieldOctFwd, int64(0))
	rec.Set(flowrec.FieldOctRev, int64(0))
	return true
}

// BasicCount is the IP-layer analyzer that counts packets and octets per
// direction, ported from observer.py's basic_count.
func BasicCount(rec flowrec.Record, pkt *Packet, reverse bool) bool {
	if reverse {
		rec.Set(flowrec.FieldPktRev, rec.Int64(flowrec.FieldPktRev)+1)
		rec.Set(flowrec.FieldOctRev, rec.Int64(flowrec.FieldOctRev)+int64(pkt.Size))
	} else {
		rec.Set(flowrec.FieldPktFwd, rec.Int64(flowrec.FieldPktFwd)+1)
		rec.Set(flowrec.FieldOctFwd, rec.Int64(flowrec.FieldOctFwd)+int64(pkt.Size))
	}
	return true
}

// TCPCompleted is the TCP-layer analyzer that asks the Observer to
// complete a flow once a FIN is seen, ported from ecnspider3.py's
// tcpcompleted.
func TCPCompleted(rec flowrec.Record, pkt *Packet, reverse bool) bool {
	return !pkt.TCPFin
}
