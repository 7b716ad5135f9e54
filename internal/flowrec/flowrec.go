// Package flowrec implements the open-schema Flow Record: a dynamic,
// analyzer-populated field map, plus the Flow Key and Flow ID identities
// used to correlate active probes with passively observed traffic.
package flowrec

import (
	"fmt"

	"github.com/Jeffail/gabs/v2"
)

// Standard field names of a Flow Record: first_ts/last_ts are set by the
// Observer, the other flow fields by the new-flow analyzer (BasicFlow),
// and connstate/ecnstate by a merge with a result record.
const (
	FieldSrcIP    = "sip"
	FieldDstIP    = "dip"
	FieldSrcPort  = "sp"
	FieldDstPort  = "dp"
	FieldProto    = "proto"
	FieldFirstTS  = "first_ts"
	FieldLastTS   = "last_ts"
	FieldPktFwd   = "pkt_fwd"
	FieldPktRev   = "pkt_rev"
	FieldOctFwd   = "oct_fwd"
	FieldOctRev   = "oct_rev"
	FieldConnOK   = "connstate"
	FieldECNState = "ecnstate"

	// Result-record fields: the Record form of a worker's Connection
	// Outcome, pushed onto the result queue and consumed by the Merger.
	FieldRemoteIP  = "remote_ip"
	FieldLocalPort = "local_port"
	FieldHostname  = "hostname"
	FieldConfigID  = "config_id"
	FieldOK        = "ok"
)

// Record is an open-schema mapping of analyzer-populated fields, backed
// by a gabs JSON tree so arbitrary downstream analyzers can add fields
// by name without the type needing to know about them in advance.
type Record struct {
	c *gabs.Container
}

// New returns an empty Flow Record.
func New() Record {
	return Record{c: gabs.New()}
}

// Set stores value under the given field name.
func (r Record) Set(field string, value any) Record {
	if _, err := r.c.Set(value, field); err != nil {
		panic(fmt.Sprintf("flowrec: set %q: %v", field, err))
	}
	return r
}

// Get returns the raw value stored under field, and whether it was set.
func (r Record) Get(field string) (any, bool) {
	if !r.c.ExistsP(field) {
		return nil, false
	}
	return r.c.Path(field).Data(), true
}

// Int64 returns field as an int64, or zero if absent/wrong type.
func (r Record) Int64(field string) int64 {
	v, ok := r.Get(field)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// String returns field as a string, or "" if absent/wrong type.
func (r Record) String(field string) string {
	v, ok := r.Get(field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Bool returns field as a bool, or false if absent/wrong type.
func (r Record) Bool(field string) bool {
	v, ok := r.Get(field)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Clone returns a deep copy so a record handed to a consumer can't be
// mutated by a later analyzer pass on the same underlying tree.
func (r Record) Clone() Record {
	clone, err := gabs.ParseJSON(r.c.Bytes())
	if err != nil {
		// the tree was built exclusively through Set, so it is always
		// valid JSON; a parse failure here means a Set call stored an
		// unmarshalable value, which is a caller bug.
		panic(fmt.Sprintf("flowrec: clone: %v", err))
	}
	return Record{c: clone}
}

// MarshalJSON lets a Record be emitted as JSON directly.
func (r Record) MarshalJSON() ([]byte, error) {
	return r.c.Bytes(), nil
}
