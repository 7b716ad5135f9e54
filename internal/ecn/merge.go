package ecn

import "github.com/agermann93/pathspider/internal/flowrec"

// Merge decorates a Flow Record with connstate/ecnstate from a result
// record, grounded directly on ecnspider3.py's merge().
func Merge(flow, result flowrec.Record) flowrec.Record {
	flow.Set(flowrec.FieldConnOK, result.Bool(flowrec.FieldOK))
	flow.Set(flowrec.FieldECNState, result.Int64(flowrec.FieldConfigID))
	return flow
}
