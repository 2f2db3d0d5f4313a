package finite

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/fxamacker/cbor/v2"

	"github.com/duality-solver/duality/rpfp"
)

// ErrBadCounterexample is returned when a serialized counterexample payload
// is malformed.
var ErrBadCounterexample = errors.New("malformed counterexample payload")

type wireFormula struct {
	_    struct{} `cbor:",toarray"`
	Kind uint8
	Set  []byte
	Name string
	Args []wireFormula
}

type wireEdge struct {
	_        struct{} `cbor:",toarray"`
	Parent   int
	Children []int
	Leaf     bool
	Shift    int
	Guard    []byte
	Base     []byte
}

type wireNode struct {
	_           struct{} `cbor:",toarray"`
	Name        string
	Number      int
	Annotation  wireFormula
	Bound       wireFormula
	Underapprox wireFormula
	Used        bool
	Value       int
}

type wireCex struct {
	_     struct{} `cbor:",toarray"`
	Nodes []wireNode
	Edges []wireEdge
	Root  int
}

func encodeSet(s *bitset.BitSet) []byte {
	if s == nil {
		return nil
	}
	b, _ := s.MarshalBinary()
	return b
}

func decodeSet(b []byte) (*bitset.BitSet, error) {
	if b == nil {
		return nil, nil
	}
	s := bitset.New(universeSize)
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

func encodeFormula(f *formula) wireFormula {
	w := wireFormula{Kind: uint8(f.kind), Name: f.name, Set: encodeSet(f.set)}
	for _, a := range f.args {
		w.Args = append(w.Args, encodeFormula(a))
	}
	return w
}

func (c *context) decodeFormula(w wireFormula) (*formula, error) {
	switch kind(w.Kind) {
	case kTrue:
		return c.tt, nil
	case kFalse:
		return c.ff, nil
	case kAtom:
		return asFormula(c.BoolConst(w.Name)), nil
	case kSet:
		s, err := decodeSet(w.Set)
		if err != nil || s == nil {
			return nil, fmt.Errorf("%w: bad set atom", ErrBadCounterexample)
		}
		return &formula{kind: kSet, set: s}, nil
	case kAnd, kOr, kNot:
		args := make([]*formula, len(w.Args))
		for i, wa := range w.Args {
			a, err := c.decodeFormula(wa)
			if err != nil {
				return nil, err
			}
			args[i] = a
		}
		return &formula{kind: kind(w.Kind), args: args}, nil
	default:
		return nil, fmt.Errorf("%w: unknown formula kind %d", ErrBadCounterexample, w.Kind)
	}
}

// treeNodes walks the structural tree below root (cex trees keep their
// structure regardless of session scopes).
func treeNodes(root *rpfp.Node) []*rpfp.Node {
	var out []*rpfp.Node
	seen := make(map[*rpfp.Node]bool)
	var rec func(n *rpfp.Node)
	rec = func(n *rpfp.Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		if n.Outgoing != nil {
			for _, c := range n.Outgoing.Children {
				rec(c)
			}
		}
	}
	rec(root)
	return out
}

// MarshalCounterexample encodes the tree rooted at root, including the
// retained witness so replay can tell used nodes from unused ones.
func (g *Graph) MarshalCounterexample(root *rpfp.Node) ([]byte, error) {
	nodes := treeNodes(root)
	index := make(map[*rpfp.Node]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}
	w := wireCex{Root: 0}
	for _, n := range nodes {
		wn := wireNode{
			Name:        n.Name,
			Number:      n.Number,
			Annotation:  encodeFormula(tf(n.Annotation)),
			Bound:       encodeFormula(tf(n.Bound)),
			Underapprox: encodeFormula(tf(n.Underapprox)),
		}
		if g.model != nil && g.model.used[n] {
			wn.Used = true
			wn.Value = g.model.values[n]
		}
		w.Nodes = append(w.Nodes, wn)
	}
	for _, n := range nodes {
		e := n.Outgoing
		if e == nil {
			continue
		}
		we := wireEdge{Parent: index[n], Leaf: e.IsLeaf()}
		for _, c := range e.Children {
			we.Children = append(we.Children, index[c])
		}
		if rule, ok := e.F.(*Rule); ok {
			we.Shift = rule.Shift
			we.Guard = encodeSet(rule.Guard)
			we.Base = encodeSet(rule.Base)
		}
		w.Edges = append(w.Edges, we)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(w)
}

// UnmarshalCounterexample decodes a tree into a fresh container sharing this
// graph's context and session.
func (g *Graph) UnmarshalCounterexample(data []byte) (rpfp.Graph, *rpfp.Node, error) {
	var w wireCex
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadCounterexample, err)
	}
	if len(w.Nodes) == 0 || w.Root < 0 || w.Root >= len(w.Nodes) {
		return nil, nil, ErrBadCounterexample
	}
	tree := g.NewGraph().(*Graph)
	m := &model{
		values: make(map[*rpfp.Node]int),
		used:   make(map[*rpfp.Node]bool),
		bools:  make(map[string]bool),
	}
	nodes := make([]*rpfp.Node, len(w.Nodes))
	for i, wn := range w.Nodes {
		ann, err := tree.ctx.decodeFormula(wn.Annotation)
		if err != nil {
			return nil, nil, err
		}
		bound, err := tree.ctx.decodeFormula(wn.Bound)
		if err != nil {
			return nil, nil, err
		}
		under, err := tree.ctx.decodeFormula(wn.Underapprox)
		if err != nil {
			return nil, nil, err
		}
		n := &rpfp.Node{
			Name:        wn.Name,
			Number:      wn.Number,
			Annotation:  tree.ctx.newTransformer(ann),
			Bound:       tree.ctx.newTransformer(bound),
			Underapprox: tree.ctx.newTransformer(under),
		}
		tree.nextNode = max(tree.nextNode, wn.Number)
		tree.nodes = append(tree.nodes, n)
		nodes[i] = n
		if wn.Used {
			m.used[n] = true
			m.values[n] = wn.Value
		}
	}
	for _, we := range w.Edges {
		if we.Parent < 0 || we.Parent >= len(nodes) {
			return nil, nil, ErrBadCounterexample
		}
		parent := nodes[we.Parent]
		if we.Leaf {
			tree.CreateLowerBoundEdge(parent)
			continue
		}
		children := make([]*rpfp.Node, len(we.Children))
		for j, ci := range we.Children {
			if ci < 0 || ci >= len(nodes) {
				return nil, nil, ErrBadCounterexample
			}
			children[j] = nodes[ci]
		}
		guard, err := decodeSet(we.Guard)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad guard", ErrBadCounterexample)
		}
		base, err := decodeSet(we.Base)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad base", ErrBadCounterexample)
		}
		tree.CreateEdge(parent, &Rule{Shift: we.Shift, Guard: guard, Base: base}, children)
	}
	tree.model = m
	return tree, nodes[w.Root], nil
}
