package observer

import (
	"github.com/alphadose/haxmap"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/agermann93/pathspider/internal/flowrec"
)

// tables holds the Observer's three flow-identity tables. Every Flow ID
// is in at most one of active/expiring/ignored (invariant 2 of spec §3).
// These are owned exclusively by the Observer's single goroutine; haxmap
// is used for active/expiring anyway, matching the concurrent flow-table
// idiom pcap-cli's flowMutex uses for its own per-flow state, in case a
// future multi-reader capture fan-out needs the same table shared.
type tables struct {
	active   *haxmap.Map[ID, flowrec.Record]
	expiring *haxmap.Map[ID, flowrec.Record]
	ignored  mapset.Set[ID]
}

func newTables() *tables {
	return &tables{
		active:   haxmap.New[ID, flowrec.Record](),
		expiring: haxmap.New[ID, flowrec.Record](),
		ignored:  mapset.NewSet[ID](),
	}
}

// lookup finds rec and its owning fid for either the forward or reverse
// Flow ID, searching in the priority order spec §4.4 step 3 specifies:
// ignored -> active[fwd] -> expiring[fwd] -> active[rev] -> expiring[rev].
// isReverse reports whether the match was made via rid.
func (t *tables) lookup(fwd, rev ID) (fid ID, rec flowrec.Record, isReverse, ignored, found bool) {
	if t.ignored.Contains(fwd) || t.ignored.Contains(rev) {
		return "", flowrec.Record{}, false, true, false
	}
	if rec, ok := t.active.Get(fwd); ok {
		return fwd, rec, false, false, true
	}
	if rec, ok := t.expiring.Get(fwd); ok {
		return fwd, rec, false, false, true
	}
	if rec, ok := t.active.Get(rev); ok {
		return rev, rec, true, false, true
	}
	if rec, ok := t.expiring.Get(rev); ok {
		return rev, rec, true, false, true
	}
	return "", flowrec.Record{}, false, false, false
}

// complete moves fid from active to expiring, returning the moved
// record and whether it actually moved (a double-complete is a no-op).
func (t *tables) complete(fid ID) (flowrec.Record, bool) {
	rec, ok := t.active.Get(fid)
	if !ok {
		return flowrec.Record{}, false
	}
	t.active.Del(fid)
	t.expiring.Set(fid, rec)
	return rec, true
}

// finishExpiry removes fid from expiring and returns its record, for the
// timer callback to emit. A double-finish is a no-op (found=false).
func (t *tables) finishExpiry(fid ID) (flowrec.Record, bool) {
	rec, ok := t.expiring.Get(fid)
	if !ok {
		return flowrec.Record{}, false
	}
	t.expiring.Del(fid)
	return rec, true
}
