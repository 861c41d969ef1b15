package convstore

import "github.com/reduck-ai/reduck/pkg/convo"

// tree indexes the tree-variant entries of one conversation log. Edges
// follow parentUuid; the log is append-only so duplicate uuids can occur,
// in which case the last occurrence wins.
type tree struct {
	byUUID   map[string]*convo.Entry
	children map[string][]string
	order    []string // uuids in last-occurrence log order
}

// buildTree indexes all tree variants of a parsed log.
func buildTree(entries []*convo.Entry) *tree {
	t := &tree{
		byUUID:   make(map[string]*convo.Entry),
		children: make(map[string][]string),
	}
	for _, e := range entries {
		if !e.IsTreeVariant() || e.UUID == "" {
			continue
		}
		if _, seen := t.byUUID[e.UUID]; !seen {
			t.order = append(t.order, e.UUID)
		}
		t.byUUID[e.UUID] = e
	}
	// Child edges are derived after indexing so they reflect the winning
	// occurrence of each uuid.
	for _, id := range t.order {
		e := t.byUUID[id]
		if e.ParentUUID != "" {
			t.children[e.ParentUUID] = append(t.children[e.ParentUUID], id)
		}
	}
	return t
}

// lookup returns the winning entry for a uuid, or nil.
func (t *tree) lookup(id string) *convo.Entry {
	return t.byUUID[id]
}

// leaves returns the uuids that have no children, in log order.
func (t *tree) leaves() []string {
	var out []string
	for _, id := range t.order {
		if len(t.children[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// walkPath walks from leaf towards the root following parentUuid links.
// It returns entries leaf-first and terminates on a missing parent or on
// cycle detection — a seen-set guards against malformed logs whose parent
// links loop.
func (t *tree) walkPath(leaf string) []*convo.Entry {
	var path []*convo.Entry
	seen := make(map[string]bool)

	for id := leaf; id != "" && !seen[id]; {
		e := t.byUUID[id]
		if e == nil {
			break
		}
		seen[id] = true
		path = append(path, e)
		id = e.ParentUUID
	}
	return path
}

// activeLeaf returns the leaf with the greatest path depth to a root.
// Ties resolve to the earliest such leaf in log order. Returns "" for an
// empty tree.
func (t *tree) activeLeaf() string {
	best := ""
	bestDepth := 0
	for _, id := range t.leaves() {
		if d := len(t.walkPath(id)); d > bestDepth {
			best, bestDepth = id, d
		}
	}
	return best
}
