// Package session — in-memory index over a loaded session.
//
// The index is an arena (id → entry) plus derived state: labels resolved
// last-write-wins, the current leaf pointer, and tree adjacency computed
// on demand by grouping entries per parent. It is rebuilt wholesale on
// load and updated incrementally on every append; it never outlives the
// process.
package session

// index holds the id lookup, label resolution, and leaf pointer for one
// open session. All mutation goes through the owning Session under its
// mutex; read helpers are safe for concurrent use once loaded.
type index struct {
	byID   map[string]Entry
	order  []string // append order, for deterministic tree builds
	labels map[string]string
	leafID string
}

func newIndex(entries []Entry) *index {
	idx := &index{
		byID:   make(map[string]Entry, len(entries)),
		labels: make(map[string]string),
	}
	for _, e := range entries {
		idx.insert(e)
	}
	if n := len(idx.order); n > 0 {
		idx.leafID = idx.order[n-1]
	}
	return idx
}

// insert adds one entry and applies its shadowing effects (labels).
// Label resolution is last-write-wins per target: appending in file
// order makes the final map identical to a full linear scan.
func (x *index) insert(e Entry) {
	x.byID[e.EntryID()] = e
	x.order = append(x.order, e.EntryID())
	if le, ok := e.(LabelEntry); ok {
		if le.Label == "" {
			delete(x.labels, le.TargetID)
		} else {
			x.labels[le.TargetID] = le.Label
		}
	}
}

func (x *index) entry(id string) (Entry, bool) {
	e, ok := x.byID[id]
	return e, ok
}

func (x *index) label(id string) (string, bool) {
	l, ok := x.labels[id]
	return l, ok
}

// path returns the root-to-id entry sequence by walking parent links
// backward. An unknown id yields nil — callers treat an empty path as
// "nothing to send to the model". If a parent link points at an entry
// that was skipped on load (corrupt line), or the parent links form a
// cycle (a hand-corrupted file — appends never produce one), the walk
// stops there and the reachable suffix is returned.
func (x *index) path(id string) []Entry {
	e, ok := x.byID[id]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(x.byID))
	var rev []Entry
	for {
		if _, dup := seen[e.EntryID()]; dup {
			break
		}
		seen[e.EntryID()] = struct{}{}
		rev = append(rev, e)
		pid := e.ParentEntryID()
		if pid == "" {
			break
		}
		parent, ok := x.byID[pid]
		if !ok {
			break
		}
		e = parent
	}
	// Reverse in place: rev is leaf-to-root.
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// Node is one node of the derived session tree. Children are computed,
// not stored; entries never hold live references to each other.
type Node struct {
	Entry    Entry
	Label    string // current label, if any
	Children []*Node
}

// tree builds the forest of entries grouped by parent. Entries whose
// parent is empty (or unresolvable) are roots. One pass over the arena,
// insertion-ordered for stable output.
func (x *index) tree() []*Node {
	nodes := make(map[string]*Node, len(x.byID))
	for _, id := range x.order {
		e := x.byID[id]
		nodes[id] = &Node{Entry: e, Label: x.labels[id]}
	}

	var roots []*Node
	for _, id := range x.order {
		n := nodes[id]
		pid := n.Entry.ParentEntryID()
		if pid == "" {
			roots = append(roots, n)
			continue
		}
		parent, ok := nodes[pid]
		if !ok {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots
}
