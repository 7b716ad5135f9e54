package ecn

import (
	"testing"

	"github.com/agermann93/pathspider/internal/flowrec"
)

func TestMergeSetsConnstateAndEcnstate(t *testing.T) {
	flow := flowrec.New().Set(flowrec.FieldDstIP, "198.51.100.7").Set(flowrec.FieldSrcPort, int64(40001))
	result := flowrec.New().
		Set(flowrec.FieldRemoteIP, "198.51.100.7").
		Set(flowrec.FieldLocalPort, int64(40001)).
		Set(flowrec.FieldConfigID, int64(1)).
		Set(flowrec.FieldOK, true)

	merged := Merge(flow, result)

	if !merged.Bool(flowrec.FieldConnOK) {
		t.Fatal("expected connstate=true")
	}
	if merged.Int64(flowrec.FieldECNState) != 1 {
		t.Fatalf("expected ecnstate=1, got %d", merged.Int64(flowrec.FieldECNState))
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		ConnOK:      "ok",
		ConnFailed:  "failed",
		ConnTimeout: "timeout",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(state), got, want)
		}
	}
}
