package finite

import (
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/duality-solver/duality/rpfp"
)

// model is the witness retained by a satisfiable check: one value per used
// tree node, plus the boolean-atom assignment.
type model struct {
	values map[*rpfp.Node]int
	used   map[*rpfp.Node]bool
	bools  map[string]bool
}

// Graph is a finite-domain RPFP container. Containers derived with NewGraph
// share one context and one session; assertions are scoped to session
// frames.
type Graph struct {
	ctx  *context
	sess *session

	nodes []*rpfp.Node
	edges []*rpfp.Edge

	nextNode int
	nextEdge int

	model    *model
	core     map[*rpfp.Edge]bool
	lastRoot *rpfp.Node
}

// New creates a root container with a fresh context and session.
func New() *Graph {
	ctx := newContext()
	return &Graph{ctx: ctx, sess: newSession(ctx)}
}

func (g *Graph) Context() rpfp.Context { return g.ctx }
func (g *Graph) Session() rpfp.Session { return g.sess }

func (g *Graph) NewGraph() rpfp.Graph {
	return &Graph{ctx: g.ctx, sess: g.sess}
}

func (g *Graph) Nodes() []*rpfp.Node { return g.nodes }
func (g *Graph) Edges() []*rpfp.Edge { return g.edges }

// AddNode creates an input node with the given bound (nil means
// unconstrained).
func (g *Graph) AddNode(name string, bound *bitset.BitSet) *rpfp.Node {
	g.nextNode++
	n := &rpfp.Node{
		Name:        name,
		Number:      g.nextNode,
		Annotation:  g.ctx.newTransformer(g.ctx.tt),
		Underapprox: g.ctx.newTransformer(g.ctx.ff),
	}
	bf := g.ctx.tt
	if bound != nil {
		bf = g.ctx.setFormula(bound)
	}
	n.Bound = g.ctx.newTransformer(bf)
	g.nodes = append(g.nodes, n)
	return n
}

// AddFact adds a nullary rule deriving the values of base for parent.
func (g *Graph) AddFact(parent *rpfp.Node, base *bitset.BitSet) *rpfp.Edge {
	return g.CreateEdge(parent, &Rule{Base: base}, nil)
}

// AddRule adds a rule deriving x+shift for parent from every x admitted by
// guard (nil means no guard) and shared by all children.
func (g *Graph) AddRule(parent *rpfp.Node, children []*rpfp.Node, shift int, guard *bitset.BitSet) *rpfp.Edge {
	return g.CreateEdge(parent, &Rule{Shift: shift, Guard: guard}, children)
}

// FormulaFromSet returns the formula denoting exactly the given value set.
func (g *Graph) FormulaFromSet(s *bitset.BitSet) rpfp.Formula {
	return g.ctx.setFormula(s)
}

// Denotation returns the value set of a marker-free formula.
func (g *Graph) Denotation(f rpfp.Formula) *bitset.BitSet {
	return asFormula(f).denotation(nil)
}

func (g *Graph) CloneNode(src *rpfp.Node) *rpfp.Node {
	g.nextNode++
	n := &rpfp.Node{
		Name:        src.Name,
		Number:      g.nextNode,
		Map:         src,
		Annotation:  src.Annotation.Clone(),
		Bound:       src.Bound.Clone(),
		Underapprox: src.Underapprox.Clone(),
	}
	g.nodes = append(g.nodes, n)
	return n
}

func (g *Graph) CreateEdge(parent *rpfp.Node, f rpfp.Body, children []*rpfp.Node) *rpfp.Edge {
	g.nextEdge++
	e := &rpfp.Edge{
		Parent:   parent,
		Children: slices.Clone(children),
		F:        f,
		Number:   g.nextEdge,
	}
	parent.Outgoing = e
	for _, c := range e.Children {
		c.Incoming = append(c.Incoming, e)
	}
	g.edges = append(g.edges, e)
	return e
}

func (g *Graph) CreateLowerBoundEdge(node *rpfp.Node) *rpfp.Edge {
	g.nextEdge++
	e := &rpfp.Edge{Parent: node, Number: g.nextEdge}
	node.Outgoing = e
	g.edges = append(g.edges, e)
	return e
}

func (g *Graph) AssertNode(node *rpfp.Node) {
	t := g.sess.top()
	t.goals = append(t.goals, assertedGoal{g, node})
}

func (g *Graph) AssertEdge(e *rpfp.Edge, persist int, cut bool, underapprox bool) {
	t := g.sess.top()
	t.edges = append(t.edges, assertedEdge{g, e})
}

func (g *Graph) assertedOutgoing(n *rpfp.Node) *rpfp.Edge {
	e := n.Outgoing
	if e == nil {
		return nil
	}
	for _, fr := range g.sess.frames {
		for _, ae := range fr.edges {
			if ae.g == g && ae.e == e {
				return e
			}
		}
	}
	return nil
}

// checkOpts configures one run of the evaluation engine.
type checkOpts struct {
	under    map[*rpfp.Node]bool
	assumps  []*formula
	override map[*rpfp.Node]*formula
	dropEdge *rpfp.Edge
	usePins  bool
}

// reachable collects the nodes of the asserted tree rooted at root.
func (g *Graph) reachable(root *rpfp.Node) []*rpfp.Node {
	var out []*rpfp.Node
	seen := make(map[*rpfp.Node]bool)
	var rec func(n *rpfp.Node)
	rec = func(n *rpfp.Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		if e := g.assertedOutgoing(n); e != nil {
			for _, c := range e.Children {
				rec(c)
			}
		}
	}
	rec(root)
	return out
}

func tf(t rpfp.Transformer) *formula { return asFormula(t.Formula()) }

// denOf computes the denotation of n under a fixed assignment.
func (g *Graph) denOf(n *rpfp.Node, assign map[string]bool, opts checkOpts, pins map[*rpfp.Edge]int, memo map[*rpfp.Node]*bitset.BitSet) *bitset.BitSet {
	if d, ok := memo[n]; ok {
		return d
	}
	var out *bitset.BitSet
	e := g.assertedOutgoing(n)
	switch {
	case opts.override != nil && opts.override[n] != nil:
		out = opts.override[n].denotation(assign)
	case e != nil && e == opts.dropEdge:
		out = Universe() // the dropped constraint leaves n unconstrained
	case e != nil && !e.IsLeaf():
		rule := e.F.(*Rule)
		var xs *bitset.BitSet
		if len(e.Children) == 0 {
			xs = Universe()
			if rule.Base != nil {
				xs = rule.Base.Clone()
			}
		} else {
			xs = Universe()
			for _, c := range e.Children {
				xs.InPlaceIntersection(g.denOf(c, assign, opts, pins, memo))
			}
		}
		out = rule.Image(xs)
	default:
		f := tf(n.Annotation)
		if opts.under != nil && opts.under[n] {
			f = tf(n.Underapprox)
		}
		out = f.denotation(assign)
	}
	if opts.usePins && e != nil {
		if pv, ok := pins[e]; ok {
			out.InPlaceIntersection(Singleton(pv))
		}
	}
	memo[n] = out
	return out
}

// runCheck is the evaluation engine behind Check, Solve and the interpolant
// verifications: find an assignment of the boolean atoms and a value in
// root's denotation violating root's bound.
func (g *Graph) runCheck(root *rpfp.Node, opts checkOpts) (rpfp.Result, *model) {
	nodes := g.reachable(root)
	var fs []*formula
	for _, n := range nodes {
		fs = append(fs, tf(n.Annotation), tf(n.Underapprox))
	}
	fs = append(fs, tf(root.Bound))
	adds := g.sess.allAdds()
	fs = append(fs, adds...)
	fs = append(fs, opts.assumps...)
	if opts.override != nil {
		for _, f := range opts.override {
			fs = append(fs, f)
		}
	}
	atoms := atomsOf(fs...)
	if len(atoms) > maxAtoms {
		return rpfp.Unknown, nil
	}

	var boolAdds, valueAdds []*formula
	for _, f := range append(slices.Clone(adds), opts.assumps...) {
		if f.valueFree() {
			boolAdds = append(boolAdds, f)
		} else {
			valueAdds = append(valueAdds, f)
		}
	}
	pins := map[*rpfp.Edge]int{}
	if opts.usePins {
		pins = g.sess.allPins()
	}
	bound := tf(root.Bound)

	var found *model
	someAssignment(atoms, func(assign map[string]bool) bool {
		g.sess.decisions++
		for _, f := range boolAdds {
			if !f.eval(MinValue, assign) {
				return false
			}
		}
		memo := make(map[*rpfp.Node]*bitset.BitSet)
		den := g.denOf(root, assign, opts, pins, memo)
		for v := MinValue; v <= MaxValue; v++ {
			if !den.Test(bit(v)) || bound.eval(v, assign) {
				continue
			}
			ok := true
			for _, f := range valueAdds {
				if !f.eval(v, assign) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			found = g.buildModel(root, v, assign, opts, pins, memo)
			return true
		}
		return false
	})
	if found != nil {
		return rpfp.Sat, found
	}
	return rpfp.Unsat, nil
}

// buildModel extracts the witness derivation for value v at root.
func (g *Graph) buildModel(root *rpfp.Node, v int, assign map[string]bool, opts checkOpts, pins map[*rpfp.Edge]int, memo map[*rpfp.Node]*bitset.BitSet) *model {
	m := &model{
		values: make(map[*rpfp.Node]int),
		used:   make(map[*rpfp.Node]bool),
		bools:  make(map[string]bool, len(assign)),
	}
	for k, b := range assign {
		m.bools[k] = b
	}
	var rec func(n *rpfp.Node, v int)
	rec = func(n *rpfp.Node, v int) {
		m.values[n] = v
		m.used[n] = true
		e := g.assertedOutgoing(n)
		if e == nil || e.IsLeaf() || e == opts.dropEdge {
			return
		}
		if opts.override != nil && opts.override[n] != nil {
			return
		}
		if len(e.Children) == 0 {
			return
		}
		x := v - e.F.(*Rule).Shift
		for _, c := range e.Children {
			rec(c, x)
		}
	}
	rec(root, v)
	return m
}

func (g *Graph) Check(root *rpfp.Node, underLeaves ...*rpfp.Node) rpfp.Result {
	under := make(map[*rpfp.Node]bool, len(underLeaves))
	for _, n := range underLeaves {
		under[n] = true
	}
	res, m := g.runCheck(root, checkOpts{under: under, usePins: true})
	g.model = m
	g.lastRoot = root
	return res
}

func (g *Graph) CheckUpdateModel(root *rpfp.Node, assumptions []rpfp.Formula) rpfp.Result {
	assumps := make([]*formula, len(assumptions))
	for i, f := range assumptions {
		assumps[i] = asFormula(f)
	}
	res, m := g.runCheck(root, checkOpts{assumps: assumps, usePins: true})
	if m != nil {
		g.model = m
	}
	g.lastRoot = root
	return res
}

func (g *Graph) Solve(root *rpfp.Node, keepInterp int) rpfp.Result {
	res, m := g.runCheck(root, checkOpts{usePins: true})
	g.model = m
	g.lastRoot = root
	if res == rpfp.Unsat {
		for _, n := range g.reachable(root) {
			if e := g.assertedOutgoing(n); e != nil && !e.IsLeaf() {
				g.SolveSingleNode(root, n)
				g.Generalize(root, n)
			}
		}
	}
	return res
}

// denBelow computes the exact denotation of node's asserted subtree, union
// over all boolean assignments, ignoring model pins: a sound
// overapproximation of the relation the subtree stands for.
func (g *Graph) denBelow(node *rpfp.Node) *bitset.BitSet {
	var fs []*formula
	for _, n := range g.reachable(node) {
		fs = append(fs, tf(n.Annotation))
	}
	atoms := atomsOf(fs...)
	out := EmptySet()
	if len(atoms) > maxAtoms {
		return Universe()
	}
	someAssignment(atoms, func(assign map[string]bool) bool {
		memo := make(map[*rpfp.Node]*bitset.BitSet)
		out.InPlaceUnion(g.denOf(node, assign, checkOpts{}, nil, memo))
		return false // visit every assignment
	})
	return out
}

// refutes reports whether replacing node's subtree by the candidate
// annotation keeps root refuted under the current check state.
func (g *Graph) refutes(root, node *rpfp.Node, cand *formula) bool {
	res, _ := g.runCheck(root, checkOpts{usePins: true, override: map[*rpfp.Node]*formula{node: cand}})
	return res == rpfp.Unsat
}

// SolveSingleNode computes node's interpolant: the exact denotation of its
// subtree.
func (g *Graph) SolveSingleNode(root, node *rpfp.Node) {
	node.Annotation.SetFormula(g.ctx.setFormula(g.denBelow(node)))
}

// Generalize weakens node's interpolant, preferring the weakest of a ladder
// of shapes (unconstrained, half-lines, hull) that still refutes root.
func (g *Graph) Generalize(root, node *rpfp.Node) {
	exact := tf(node.Annotation).denotation(nil)
	if exact.Count() == 0 {
		return
	}
	lo, hi := MinValue, MaxValue
	for v := MinValue; v <= MaxValue; v++ {
		if exact.Test(bit(v)) {
			lo = v
			break
		}
	}
	for v := MaxValue; v >= MinValue; v-- {
		if exact.Test(bit(v)) {
			hi = v
			break
		}
	}
	for _, cand := range []*bitset.BitSet{
		Universe(),
		AtLeast(lo),
		AtMost(hi),
		Interval(lo, hi),
	} {
		f := g.ctx.setFormula(cand)
		if g.refutes(root, node, f) {
			node.Annotation.SetFormula(f)
			return
		}
	}
}

// InterpolateByCases recomputes node's interpolant in interval form when the
// interval still refutes root.
func (g *Graph) InterpolateByCases(root, node *rpfp.Node) {
	g.SolveSingleNode(root, node)
	exact := tf(node.Annotation).denotation(nil)
	if exact.Count() == 0 {
		return
	}
	g.Generalize(root, node)
}

func (g *Graph) Empty(node *rpfp.Node) bool {
	return g.model == nil || !g.model.used[node]
}

func (g *Graph) Eval(e *rpfp.Edge, f rpfp.Formula) rpfp.Formula {
	if g.model == nil {
		return g.ctx.BoolVal(false)
	}
	v, ok := g.model.values[e.Parent]
	if !ok {
		v = MinValue
	}
	return g.ctx.BoolVal(asFormula(f).eval(v, g.model.bools))
}

func (g *Graph) Localize(e *rpfp.Edge, f rpfp.Formula) rpfp.Formula {
	// atoms are session-global here; no renaming needed
	return f
}

func (g *Graph) ComputeUnderapprox(root *rpfp.Node, persist int) {
	if g.model == nil {
		return
	}
	for _, n := range g.reachable(root) {
		if !g.model.used[n] {
			continue
		}
		u := g.ctx.Or(n.Underapprox.Formula(), g.ctx.setFormula(Singleton(g.model.values[n])))
		n.Underapprox.SetFormula(u)
	}
}

func (g *Graph) ComputeProofCore() {
	g.core = make(map[*rpfp.Edge]bool)
	if g.lastRoot == nil {
		return
	}
	for _, n := range g.reachable(g.lastRoot) {
		e := g.assertedOutgoing(n)
		if e == nil || e.IsLeaf() {
			continue
		}
		res, _ := g.runCheck(g.lastRoot, checkOpts{usePins: true, dropEdge: e})
		if res != rpfp.Unsat {
			g.core[e] = true
		}
	}
}

func (g *Graph) EdgeUsedInProof(e *rpfp.Edge) bool {
	return g.core[e]
}

// ConstrainParent re-asserts an edge after its child's annotation was
// strengthened. Denotations always read the current annotations, so there is
// nothing to refresh here.
func (g *Graph) ConstrainParent(e *rpfp.Edge, node *rpfp.Node) {}

func (g *Graph) EvalNodeAsConstraint(node *rpfp.Node, t rpfp.Transformer) {
	if g.model == nil || !g.model.used[node] {
		t.SetEmpty()
		return
	}
	t.SetFormula(g.ctx.setFormula(Singleton(g.model.values[node])))
}

func (g *Graph) FixCurrentState(e *rpfp.Edge) {
	if g.model == nil {
		return
	}
	if v, ok := g.model.values[e.Parent]; ok {
		g.sess.top().pins[e] = v
	}
}

func (g *Graph) CountOperators(f rpfp.Formula) int {
	return asFormula(f).countOperators()
}

func (g *Graph) DeleteNode(node *rpfp.Node) {
	g.nodes = slices.DeleteFunc(g.nodes, func(n *rpfp.Node) bool { return n == node })
}

func (g *Graph) DeleteEdge(e *rpfp.Edge) {
	if e.Parent.Outgoing == e {
		e.Parent.Outgoing = nil
	}
	for _, c := range e.Children {
		c.Incoming = slices.DeleteFunc(c.Incoming, func(in *rpfp.Edge) bool { return in == e })
	}
	g.edges = slices.DeleteFunc(g.edges, func(x *rpfp.Edge) bool { return x == e })
	g.sess.forget(e)
}

func (g *Graph) Push()     { g.sess.Push() }
func (g *Graph) Pop(n int) { g.sess.Pop(n) }

// PopPush discards the current proof so a fresh interpolant can be computed;
// the frame's assertions stay in force.
func (g *Graph) PopPush() {
	g.core = nil
}

func (g *Graph) Free() {
	g.nodes = nil
	g.edges = nil
	g.model = nil
	g.core = nil
	g.lastRoot = nil
}
