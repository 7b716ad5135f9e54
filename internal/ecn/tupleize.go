package ecn

import "github.com/agermann93/pathspider/internal/flowrec"

// Tupleize converts one namedict-decoded flow record from the external
// meter ingress into a Flow Record, grounded on ecnspider3.py's
// tupleize_flow: it expects the meter to already emit sip/dip/sp/dp/
// proto/first_ts/last_ts/pkt_fwd/pkt_rev/oct_fwd/oct_rev keys (spec.md
// §3's open schema), and discards any record missing the fields the
// Merger's Flow Key needs.
func Tupleize(flow map[string]any) (flowrec.Record, bool) {
	dip, ok := flow[flowrec.FieldDstIP].(string)
	if !ok || dip == "" {
		return flowrec.Record{}, false
	}
	if _, ok := flow[flowrec.FieldSrcPort]; !ok {
		return flowrec.Record{}, false
	}

	rec := flowrec.New()
	for k, v := range flow {
		rec.Set(k, v)
	}
	return rec, true
}
