package solver

import (
	"slices"
	"sort"

	"github.com/duality-solver/duality/rpfp"
)

// frontier holds the unexpanded instances of the unwinding, iterated oldest
// (lowest number) first.
type frontier struct {
	nodes []*rpfp.Node // sorted by Number
	in    nodeSet
}

func (f *frontier) clear() {
	f.nodes = nil
	f.in = make(nodeSet)
}

func (f *frontier) insert(n *rpfp.Node) {
	if f.in.Has(n) {
		return
	}
	f.in.Add(n)
	i := sort.Search(len(f.nodes), func(i int) bool { return f.nodes[i].Number >= n.Number })
	f.nodes = slices.Insert(f.nodes, i, n)
}

func (f *frontier) remove(n *rpfp.Node) {
	if !f.in.Has(n) {
		return
	}
	f.in.Remove(n)
	i := sort.Search(len(f.nodes), func(i int) bool { return f.nodes[i].Number >= n.Number })
	for i < len(f.nodes) && f.nodes[i] != n {
		i++
	}
	f.nodes = slices.Delete(f.nodes, i, i+1)
}

func (f *frontier) has(n *rpfp.Node) bool { return f.in.Has(n) }

// items returns the frontier in number order; the result aliases internal
// state and must not be retained across mutations.
func (f *frontier) items() []*rpfp.Node { return f.nodes }

// createNodeInstance creates an instance of an input node in the unwinding,
// with full annotation, and marks it unexpanded. A negative number overrides
// the container's numbering, marking a stratified leaf.
func (d *Duality) createNodeInstance(node *rpfp.Node, number int) *rpfp.Node {
	inst := d.unwinding.CloneNode(node)
	inst.Annotation.SetFull()
	if number < 0 {
		inst.Number = number
	}
	d.frontier.insert(inst)
	d.allOfNode[node] = append(d.allOfNode[node], inst)
	return inst
}

// createEdgeInstance instantiates an input edge in the unwinding with the
// given parent and children.
func (d *Duality) createEdgeInstance(edge *rpfp.Edge, parent *rpfp.Node, children []*rpfp.Node) {
	inst := d.unwinding.CreateEdge(parent, edge.F, children)
	inst.Map = edge
}

// makeLeaf turns an instance into a leaf of the unwinding: empty annotation
// (full under stratified inlining) under a lower-bound edge.
func (d *Duality) makeLeaf(node *rpfp.Node, doNotExpand bool) error {
	node.Annotation.SetEmpty()
	d.unwinding.CreateLowerBoundEdge(node)
	if d.cfg.StratifiedInlining {
		node.Annotation.SetFull() // allow this node to cover others
	} else {
		d.updatedNodes.Add(node.Map)
	}
	d.reporter.Extend(node)
	if !doNotExpand {
		return d.tryExpandNode(node)
	}
	return nil
}

// makeOverapprox turns an instance into a placeholder leaf with full
// annotation; stratified inlining expands these lazily.
func (d *Duality) makeOverapprox(node *rpfp.Node) {
	node.Annotation.SetFull()
	d.unwinding.CreateLowerBoundEdge(node)
	d.overapproxes.Add(node)
}

// createLeaves starts the unwinding with one leaf per input node,
// under-approximating each relation with false; under stratified inlining
// the leaves are instead overapproximating placeholders with full annotation.
func (d *Duality) createLeaves() error {
	d.frontier.clear()
	d.leaves = nil
	for _, node := range d.nodes {
		inst := d.createNodeInstance(node, 0)
		if d.cfg.StratifiedInlining {
			d.makeOverapprox(inst)
			d.leafMap[node] = inst
		} else if err := d.makeLeaf(inst, false); err != nil {
			return err
		}
		d.leaves = append(d.leaves, inst)
	}
	return nil
}

// createEdgesByChildMap indexes the input edges by each distinct child node;
// used to generate candidates for expansion.
func (d *Duality) createEdgesByChildMap() {
	d.edgesByChild = make(map[*rpfp.Node][]*rpfp.Edge)
	for _, e := range d.edges {
		done := make(nodeSet)
		for _, c := range e.Children {
			if !done.Has(c) { // avoid duplicates
				d.edgesByChild[c] = append(d.edgesByChild[c], e)
			}
			done.Add(c)
		}
	}
}

func (d *Duality) nullaryCandidates() {
	for _, edge := range d.edges {
		if len(edge.Children) == 0 {
			d.candidates = append(d.candidates, candidate{edge: edge})
		}
	}
}

// instantiateAllEdges seeds the unwinding with one instance of every input
// edge against the initial leaves; used when feasibility filtering is off.
// Returns true if a bound was refuted during seeding.
func (d *Duality) instantiateAllEdges() (bool, error) {
	leafOf := make(map[*rpfp.Node]*rpfp.Node, len(d.leaves))
	for _, leaf := range d.leaves {
		leafOf[leaf.Map] = leaf
		d.instsOfNode[leaf.Map] = append(d.instsOfNode[leaf.Map], leaf)
	}
	d.frontier.clear()
	d.doTopoSort()
	for _, edge := range d.edges {
		c := candidate{edge: edge, children: make([]*rpfp.Node, len(edge.Children))}
		for j, ch := range edge.Children {
			c.children[j] = leafOf[ch]
		}
		ok, err := d.extend(c)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	for _, n := range d.frontier.items() {
		d.indset.add(n)
	}
	for _, leaf := range d.leaves {
		insts := d.instsOfNode[leaf.Map]
		d.instsOfNode[leaf.Map] = insts[1:]
	}
	return false, nil
}

// producedBySI reports whether stratified inlining already produced this
// exact extension.
func (d *Duality) producedBySI(edge *rpfp.Edge, children []*rpfp.Node) bool {
	other, ok := d.leafMap[edge.Parent]
	if !ok {
		return false
	}
	if other.Outgoing == nil || other.Outgoing.Map != edge {
		return false
	}
	ochs := other.Outgoing.Children
	for i := range children {
		if ochs[i] != children[i] {
			return false
		}
	}
	return true
}

// addCandidate queues a candidate for expansion, but not if stratified
// inlining already produced it.
func (d *Duality) addCandidate(edge *rpfp.Edge, children []*rpfp.Node) {
	if d.cfg.StratifiedInlining && d.producedBySI(edge, children) {
		return
	}
	d.candidates = append(d.candidates, candidate{edge: edge, children: slices.Clone(children)})
}

// genCandidates emits one candidate per combination in the cross product of
// the per-position candidate sets.
func (d *Duality) genCandidates(edge *rpfp.Edge, vec [][]*rpfp.Node) {
	children := make([]*rpfp.Node, len(vec))
	var rec func(pos int)
	rec = func(pos int) {
		if pos == len(vec) {
			d.addCandidate(edge, children)
			return
		}
		for _, n := range vec[pos] {
			children[pos] = n
			rec(pos + 1)
		}
	}
	rec(0)
}

// expandNode generates extension candidates that use the given node.
func (d *Duality) expandNode(node *rpfp.Node) error {
	if d.cfg.EagerExpand {
		d.expandNodeEager(node)
		return nil
	}
	return d.expandNodeFromInductionFailure(node)
}

// expandNodeEager finds all candidates combining node with other expanded
// instances. A node may occupy several argument positions of an edge, so we
// fix one occurrence per round to avoid duplicates.
func (d *Duality) expandNodeEager(node *rpfp.Node) {
	for _, edge := range d.edgesByChild[node.Map] {
		for npos, ch := range edge.Children {
			if ch != node.Map {
				continue
			}
			vec := make([][]*rpfp.Node, len(edge.Children))
			vec[npos] = []*rpfp.Node{node}
			for j, cj := range edge.Children {
				if j != npos {
					for _, inst := range d.instsOfNode[cj] {
						if d.indset.candidate(inst) {
							vec[j] = append(vec[j], inst)
						}
					}
				}
				if j < npos && cj == node.Map {
					vec[j] = append(vec[j], node)
				}
			}
			d.genCandidates(edge, vec)
		}
	}
	d.frontier.remove(node)
	d.instsOfNode[node.Map] = append(d.instsOfNode[node.Map], node)
}

// expandNodeFromInductionFailure admits the node to the expanded set, then
// uses induction failures of the edges it participates in to generate
// extension candidates that actually involve it.
func (d *Duality) expandNodeFromInductionFailure(node *rpfp.Node) error {
	d.frontier.remove(node)
	d.instsOfNode[node.Map] = append(d.instsOfNode[node.Map], node)
	for _, edge := range d.edgesByChild[node.Map] {
		err := d.scoped(func() error {
			checker := d.graph.NewGraph()
			defer checker.Free()
			root := d.checkerJustForEdge(edge, checker, true)
			if root == nil {
				return nil
			}
			usingCond := d.ctx.BoolVal(false)
			for npos, ch := range edge.Children {
				if ch == node.Map {
					usingCond = d.ctx.Or(usingCond,
						checker.Localize(root.Outgoing.Children[npos].Outgoing, d.nodeMarker(node)))
				}
			}
			d.slvr.Add(usingCond)
			if checker.Check(root) != rpfp.Unsat {
				cand, err := d.extractCandidateFromCex(edge, checker, root)
				if err != nil {
					return err
				}
				d.reporter.InductionFailure(edge, cand.children)
				d.candidates = append(d.candidates, cand)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// expandNodeFromOther clones every extension that used other, substituting
// node, and queues the clones depth-first.
func (d *Duality) expandNodeFromOther(node, other *rpfp.Node) {
	for _, edge := range other.Incoming {
		cand := candidate{edge: edge.Map, children: slices.Clone(edge.Children)}
		for j, c := range cand.children {
			if c == other {
				cand.children[j] = node
			}
		}
		d.candidates = slices.Insert(d.candidates, 0, cand)
	}
}

// expandNodeFromCoverFail expands a node based on some uncovered node it is
// similar to, pushing the resulting candidates onto the front of the queue
// so they are explored depth-first.
func (d *Duality) expandNodeFromCoverFail(node *rpfp.Node) (bool, error) {
	if node.Outgoing == nil || len(node.Outgoing.Children) == 0 {
		return false, nil
	}
	other := d.indset.getSimilarNode(node)
	if other == nil {
		return false, nil
	}
	if d.cfg.UnderapproxNodes {
		under := d.createUnderapproxNode(node)
		d.underapproxMap[under] = node
		d.indset.coverByNode(node, under)
		d.expandNodeFromOther(under, other)
		if err := d.expandNode(under); err != nil {
			return false, err
		}
	} else {
		d.expandNodeFromOther(node, other)
		d.frontier.remove(node)
		d.instsOfNode[node.Map] = append(d.instsOfNode[node.Map], node)
	}
	return true, nil
}

// addThing conjoins a local atom into an underapproximation formula; without
// it interpolants over the approximation can be very weak.
func (d *Duality) addThing(t rpfp.Transformer) {
	t.SetFormula(d.ctx.And(t.Formula(), d.ctx.BoolConst("@thing")))
}

// createUnderapproxNode creates a leaf standing for the underapproximated
// part of a node's relation witnessed by the current counterexample.
func (d *Duality) createUnderapproxNode(node *rpfp.Node) *rpfp.Node {
	under := d.createNodeInstance(node.Map, 0)
	under.Annotation.IntersectWith(d.cex.Root.Underapprox)
	d.addThing(under.Annotation)
	d.unwinding.CreateLowerBoundEdge(under)
	under.Annotation.SetFull() // allow this node to cover others
	if counters, ok := d.backEdges[node]; ok {
		cp := make(map[*rpfp.Node]int, len(counters))
		for k, v := range counters {
			cp[k] = v
		}
		d.backEdges[under] = cp
	}
	d.reporter.Extend(under)
	return under
}

// findNodesToExpand collects the unexpanded nodes still in the inductive
// candidate set, oldest first.
func (d *Duality) findNodesToExpand() {
	for _, node := range d.frontier.items() {
		if d.indset.candidate(node) {
			d.toExpand = append(d.toExpand, node)
		}
	}
}

// produceSomeCandidates pulls from the expansion queue until some extension
// candidates exist.
func (d *Duality) produceSomeCandidates() error {
	for len(d.candidates) == 0 && len(d.toExpand) > 0 {
		node := d.toExpand[0]
		d.toExpand = d.toExpand[1:]
		if err := d.tryExpandNode(node); err != nil {
			return err
		}
	}
	return nil
}

// produceCandidatesForExtension tries to produce extension candidates, first
// from unexpanded nodes, and if this fails, from induction failures. The
// induction-failure candidates are postponed and fed back one at a time, so
// the expansions they trigger happen depth-first.
func (d *Duality) produceCandidatesForExtension() error {
	if len(d.candidates) == 0 {
		if err := d.produceSomeCandidates(); err != nil {
			return err
		}
	}
	for len(d.candidates) == 0 {
		d.findNodesToExpand()
		if len(d.toExpand) == 0 {
			break
		}
		if err := d.produceSomeCandidates(); err != nil {
			return err
		}
	}
	if len(d.candidates) == 0 {
		if len(d.postponed) == 0 {
			if err := d.genCandidatesFromInductionFailure(false); err != nil {
				return err
			}
			d.postponed, d.candidates = d.candidates, nil
		}
		if len(d.postponed) > 0 {
			d.candidates = append(d.candidates, d.postponed[0])
			d.postponed = d.postponed[1:]
		}
	}
	return nil
}

// candidateFeasible tests whether a candidate could represent an induction
// failure: if the resulting instance could be labeled false, it clearly can
// not.
func (d *Duality) candidateFeasible(cand candidate) (bool, error) {
	if !d.cfg.FeasibleEdges {
		return true, nil
	}
	for _, ch := range cand.children {
		if d.nodePastRecursionBound(ch) {
			return false, nil
		}
	}
	feasible := false
	err := d.scoped(func() error {
		checker := d.graph.NewGraph()
		defer checker.Free()
		root := checker.CloneNode(cand.edge.Parent)
		d.genNodeSolutionFromIndSet(cand.edge.Parent, root.Bound, false)
		checker.AssertNode(root)
		chs := make([]*rpfp.Node, len(cand.children))
		for i, c := range cand.children {
			chs[i] = checker.CloneNode(c)
		}
		e := checker.CreateEdge(root, cand.edge.F, chs)
		checker.AssertEdge(e, 0, true, false)
		feasible = checker.Check(root) != rpfp.Unsat
		if !feasible {
			d.reporter.Reject(cand.edge, cand.children)
		}
		return nil
	})
	return feasible, err
}
