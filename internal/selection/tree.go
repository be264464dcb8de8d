package selection

import (
	"fmt"
	"sync"
)

// Node is one selection inside a Tree together with the children selected
// beneath it.
type Node struct {
	Selection *Selection
	Children  []*Node
	index     map[string]*Node
}

// Leaf reports whether nothing is selected below n.
func (n *Node) Leaf() bool { return len(n.Children) == 0 }

// Child returns the child node for key, if present.
func (n *Node) Child(key string) *Node { return n.index[key] }

func (n *Node) add(s *Selection) *Node {
	if c, ok := n.index[s.key]; ok {
		return c
	}
	c := &Node{Selection: s}
	if n.index == nil {
		n.index = make(map[string]*Node)
	}
	n.index[s.key] = c
	n.Children = append(n.Children, c)
	return c
}

// Tree is the merged request shape of a set of leaf selections that share
// one operation root. Equal selections collapse into one node.
type Tree struct {
	Root *Node
}

// NewTree merges sels into a tree. All selections must belong to the same
// operation kind.
func NewTree(sels ...*Selection) (*Tree, error) {
	if len(sels) == 0 {
		return nil, fmt.Errorf("selection: empty tree")
	}
	root := sels[0].Root()
	t := &Tree{Root: &Node{Selection: root}}
	for _, s := range sels {
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustTree is NewTree that panics on error; intended for tests and fixed
// selection sets.
func MustTree(sels ...*Selection) *Tree {
	t, err := NewTree(sels...)
	if err != nil {
		panic(err)
	}
	return t
}

// Add merges one selection and its ancestors into t.
func (t *Tree) Add(s *Selection) error {
	if s.kind != t.Root.Selection.kind {
		return fmt.Errorf("selection: cannot mix %s and %s selections", t.Root.Selection.kind, s.kind)
	}
	cur := t.Root
	for _, p := range s.Path() {
		cur = cur.add(p)
	}
	return nil
}

// Kind returns the operation kind of the tree.
func (t *Tree) Kind() Kind { return t.Root.Selection.kind }

// Roots returns the top-level field nodes.
func (t *Tree) Roots() []*Node { return t.Root.Children }

// Leaves returns every leaf selection in depth-first order.
func (t *Tree) Leaves() []*Selection {
	var out []*Selection
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Leaf() && n != t.Root {
			out = append(out, n.Selection)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// Subtree returns a new tree containing only the leaves under the given
// top-level nodes.
func (t *Tree) Subtree(roots ...*Node) *Tree {
	out := &Tree{Root: &Node{Selection: t.Root.Selection}}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Leaf() {
			_ = out.Add(n.Selection)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}

// Recorder collects the selections made during one execution span. It is
// the explicit replacement for intercepting field access.
type Recorder struct {
	mu    sync.Mutex
	order []*Selection
	seen  map[string]struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{seen: make(map[string]struct{})} }

// Record adds s and reports whether it was new.
func (r *Recorder) Record(s *Selection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[s.key]; ok {
		return false
	}
	r.seen[s.key] = struct{}{}
	r.order = append(r.order, s)
	return true
}

// Selections returns the recorded selections in record order.
func (r *Recorder) Selections() []*Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Selection(nil), r.order...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.seen = make(map[string]struct{})
}
