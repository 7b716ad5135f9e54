package ecn

import "github.com/agermann93/pathspider/internal/observer"

// Chains returns the analyzer chain set ecnspider3.py wires into its
// Observer: basic_flow on new flows, basic_count on every IP packet, and
// tcpcompleted on the TCP chain to end a flow once a FIN is seen.
func Chains() observer.Chains {
	return observer.Chains{
		NewFlow: []observer.NewFlowFunc{observer.BasicFlow},
		IPv4:    []observer.LayerFunc{observer.BasicCount},
		IPv6:    []observer.LayerFunc{observer.BasicCount},
		TCP:     []observer.LayerFunc{observer.TCPCompleted},
	}
}
