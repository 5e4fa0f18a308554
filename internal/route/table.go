package route

// Table stores routes keyed by SourceRef, preserving insertion order within
// each bucket so resolve() and remove() both honor "first match wins"
// (spec §4.C).
type Table struct {
	byRef map[uint64][]Route
	count int
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{byRef: make(map[uint64][]Route)}
}

// Add inserts r. Byte-identical routes may be added more than once (spec
// §4.C); each occupies its own slot and must be removed separately.
func (t *Table) Add(r Route) {
	t.byRef[r.SourceRef] = append(t.byRef[r.SourceRef], r)
	t.count++
}

// Len returns the number of routes currently stored, duplicates included.
// This backs the "routes" counter (spec §6).
func (t *Table) Len() int { return t.count }

// Resolve returns the first route under ev.SourceRef that satisfies ev, in
// insertion order, or false if none match.
func (t *Table) Resolve(ev Event) (Route, bool) {
	for _, r := range t.byRef[ev.SourceRef] {
		if r.Satisfies(ev) {
			return r, true
		}
	}
	return Route{}, false
}

// Predicate reports whether a candidate Route should be removed.
type Predicate func(Route) bool

// Remove deletes the first route under ref, in insertion order, for which
// pred returns true, and reports whether anything was removed. The control
// operations (unrouteServer/unrouteClient) always know the sourceRef they
// are unrouting, so scoping the search to its bucket matches how the table
// is indexed (spec §3: "indexed by sourceRef").
func (t *Table) Remove(ref uint64, pred Predicate) bool {
	bucket := t.byRef[ref]
	for i, r := range bucket {
		if pred(r) {
			t.byRef[ref] = append(bucket[:i:i], bucket[i+1:]...)
			t.count--
			return true
		}
	}
	return false
}
