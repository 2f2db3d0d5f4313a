// Package solver implements the Duality algorithm for relational
// post-fixedpoint problems: an unbounded-unwinding, lazy-abstraction-with-
// interpolants search that either annotates every node of an input graph
// with an inductive invariant implying its bound, or refutes the bounds
// with a finite counterexample derivation tree.
package solver

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/duality-solver/duality/logger"
	"github.com/duality-solver/duality/rpfp"
)

// candidate proposes to extend the unwinding: instantiate edge's parent with
// the given child instances.
type candidate struct {
	edge     *rpfp.Edge
	children []*rpfp.Node
}

// Duality is the main solver. It takes an arbitrary (possibly cyclic) RPFP
// and either annotates it with a solution, or produces a counterexample
// derivation in the form of an embedded tree.
type Duality struct {
	graph rpfp.Graph
	ctx   rpfp.Context
	slvr  rpfp.Session
	nodes []*rpfp.Node
	edges []*rpfp.Edge

	cfg      Config
	reporter Reporter
	heur     heuristic
	log      zerolog.Logger

	unwinding rpfp.Graph
	indset    *covering
	leaves    []*rpfp.Node
	frontier  frontier

	candidates []candidate
	postponed  []candidate
	toExpand   []*rpfp.Node

	// side tables keyed by input node
	edgesByChild map[*rpfp.Node][]*rpfp.Edge
	instsOfNode  map[*rpfp.Node][]*rpfp.Node
	allOfNode    map[*rpfp.Node][]*rpfp.Node
	updatedNodes nodeSet

	underapproxMap map[*rpfp.Node]*rpfp.Node
	overapproxes   nodeSet

	// bounded recursion: per instance, how many times each back-edge input
	// node occurs on the path to it
	backEdges map[*rpfp.Node]map[*rpfp.Node]int

	topo        map[*rpfp.Node]int
	topoCounter int

	leafMap             map[*rpfp.Node]*rpfp.Node
	stratifiedLeafMap   map[*rpfp.Node]*rpfp.Node
	stratifiedLeafCount int

	cex           rpfp.Counterexample
	lastDecisions int
	canceled      atomic.Bool
}

// New creates a solver for the given problem graph.
func New(g rpfp.Graph, opts ...Option) (*Duality, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return &Duality{
		graph: g,
		ctx:   g.Context(),
		slvr:  g.Session(),
		nodes: g.Nodes(),
		edges: g.Edges(),
		cfg:   cfg,
		log:   logger.Logger().With().Str("component", "duality").Logger(),
	}, nil
}

// SetOption sets a string-keyed option; see Config.SetOption for the
// recognized names.
func (d *Duality) SetOption(name, value string) error {
	return d.cfg.SetOption(name, value)
}

// LearnFrom installs a previous counterexample as a guide for the next
// solve: the replay heuristic expands the unwinding along it first.
func (d *Duality) LearnFrom(cex rpfp.Counterexample) {
	if d.cex.Tree != nil && d.cex.Tree != cex.Tree {
		d.cex.Free()
	}
	d.cex = cex
}

// GetCounterexample transfers ownership of the counterexample produced by a
// refuting solve to the caller, who must Free it.
func (d *Duality) GetCounterexample() rpfp.Counterexample {
	res := d.cex
	d.cex = rpfp.Counterexample{}
	return res
}

// Cancel asks a running solve to stop. Best-effort: the solver notices at
// its next loop iteration, unwinds its backend frames and returns
// ErrCanceled.
func (d *Duality) Cancel() {
	d.canceled.Store(true)
}

// Solve solves the problem. It returns true if an inductive solution was
// found (the input nodes carry their annotations), false if the bounds were
// refuted (the counterexample is available via GetCounterexample).
func (d *Duality) Solve() (bool, error) {
	d.log = logger.Logger().With().Str("component", "duality").Logger()
	switch {
	case d.cfg.Reporter != nil:
		d.reporter = d.cfg.Reporter
	case d.cfg.Report:
		w := d.cfg.ReportWriter
		if w == nil {
			w = os.Stdout
		}
		d.reporter = NewStreamReporter(w)
	default:
		d.reporter = nopReporter{}
	}
	switch {
	case d.cex.Tree != nil:
		d.heur = newReplayHeuristic(d.cex)
	case d.cfg.LocalizeConjectures:
		d.heur = newLocalHeuristic()
	default:
		d.heur = newScoreHeuristic()
	}
	d.cex = rpfp.Counterexample{} // the heuristic now owns it

	d.initState()
	d.log.Debug().Int("nodes", len(d.nodes)).Int("edges", len(d.edges)).Msg("solve start")
	entryLevel := d.slvr.ScopeLevel()

	res, err := d.solveFresh()

	d.heur.done()
	d.unwinding.Free()
	d.unwinding = nil
	if err == nil && d.slvr.ScopeLevel() != entryLevel {
		err = internalf("backend scope level %d at exit, expected %d", d.slvr.ScopeLevel(), entryLevel)
	}
	if err != nil {
		d.log.Debug().Err(err).Msg("solve aborted")
		return false, err
	}
	d.log.Debug().Bool("solved", res).Msg("solve done")
	return res, nil
}

// initState resets the per-solve state: each solve starts from a fresh
// unwinding.
func (d *Duality) initState() {
	d.canceled.Store(false)
	d.unwinding = d.graph.NewGraph()
	d.indset = newCovering(d)
	d.lastDecisions = 0
	d.leaves = nil
	d.frontier.clear()
	d.candidates = nil
	d.postponed = nil
	d.toExpand = nil
	d.instsOfNode = make(map[*rpfp.Node][]*rpfp.Node)
	d.allOfNode = make(map[*rpfp.Node][]*rpfp.Node)
	d.updatedNodes = make(nodeSet)
	d.underapproxMap = make(map[*rpfp.Node]*rpfp.Node)
	d.overapproxes = make(nodeSet)
	d.backEdges = make(map[*rpfp.Node]map[*rpfp.Node]int)
	d.leafMap = make(map[*rpfp.Node]*rpfp.Node)
	d.stratifiedLeafMap = make(map[*rpfp.Node]*rpfp.Node)
	d.stratifiedLeafCount = -1
	d.createEdgesByChildMap()
}

func (d *Duality) solveFresh() (bool, error) {
	if err := d.createLeaves(); err != nil {
		return false, err
	}
	if !d.cfg.StratifiedInlining {
		if d.cfg.FeasibleEdges {
			d.nullaryCandidates()
		} else {
			refuted, err := d.instantiateAllEdges()
			if err != nil {
				return false, err
			}
			if refuted {
				return false, nil
			}
		}
	}
	return d.solveMain()
}

// solveMain does the actual solving work. We try to generate candidates for
// extension; if we succeed, we extend the unwinding, and if we fail, we have
// a solution.
func (d *Duality) solveMain() (bool, error) {
	if d.cfg.StratifiedInlining {
		ok, err := d.doStratifiedInlining()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	d.doTopoSort()
	for {
		if d.canceled.Load() {
			return false, ErrCanceled
		}
		if err := d.produceCandidatesForExtension(); err != nil {
			return false, err
		}
		if len(d.candidates) == 0 {
			d.genSolutionFromIndSet(false)
			return true, nil
		}
		cand := d.candidates[0]
		d.candidates = d.candidates[1:]
		feasible, err := d.candidateFeasible(cand)
		if err != nil {
			return false, err
		}
		if !feasible {
			continue
		}
		ok, err := d.extend(cand)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
}

// scoped runs fn inside a backend session frame, guaranteeing the matching
// pop on every exit path.
func (d *Duality) scoped(fn func() error) error {
	d.slvr.Push()
	defer d.slvr.Pop(1)
	return fn()
}

// updateNodeToNode strengthens an unwinding node's annotation from a proved
// tree node; returns true if the annotation actually changed.
func (d *Duality) updateNodeToNode(node, top *rpfp.Node) bool {
	if node.Annotation.SubsetEq(top.Annotation) {
		return false
	}
	d.reporter.Update(node, top.Annotation)
	d.indset.update(node, top.Annotation)
	d.updatedNodes.Add(node.Map)
	node.Annotation.IntersectWith(top.Annotation)
	return true
}

// updateWithInterpolant propagates the interpolants of a proved derivation
// tree back into the unwinding.
func (d *Duality) updateWithInterpolant(node *rpfp.Node, tree rpfp.Graph, top *rpfp.Node) {
	if top.Outgoing != nil {
		for i := range top.Outgoing.Children {
			d.updateWithInterpolant(node.Outgoing.Children[i], tree, top.Outgoing.Children[i])
		}
	}
	d.updateNodeToNode(node, top)
	d.heur.update(node)
}

// updateWithCounterexample propagates the underapproximations of a
// satisfiable derivation tree back into the unwinding.
func (d *Duality) updateWithCounterexample(node *rpfp.Node, tree rpfp.Graph, top *rpfp.Node) {
	if top.Outgoing != nil {
		for i := range top.Outgoing.Children {
			d.updateWithCounterexample(node.Outgoing.Children[i], tree, top.Outgoing.Children[i])
		}
	}
	if !top.Underapprox.SubsetEq(node.Underapprox) {
		d.reporter.UpdateUnderapprox(node, top.Underapprox)
		node.Underapprox.UnionWith(top.Underapprox)
		d.heur.update(node)
	}
}

// satisfyUpperBound tries to update the unwinding to satisfy the upper bound
// of a node, by deriving a proof tree for it. Returns true if the bound was
// proved; on false a counterexample is left in d.cex.
func (d *Duality) satisfyUpperBound(node *rpfp.Node) (bool, error) {
	if node.Bound.IsFull() {
		return true, nil
	}
	d.reporter.Bound(node)
	startDecs := d.slvr.CumulativeDecisions()
	dt := newSlowDerivation(d)
	sat, err := dt.derive(node, d.cfg.UseUnderapprox, false, nil)
	d.lastDecisions = d.slvr.CumulativeDecisions() - startDecs
	if err != nil {
		dt.tree.Free()
		return false, err
	}
	if sat {
		d.cex.Free()
		d.cex = rpfp.Counterexample{Tree: dt.tree, Root: dt.top}
		if d.cfg.UseUnderapprox {
			d.updateWithCounterexample(node, dt.tree, dt.top)
		}
		return false, nil
	}
	d.updateWithInterpolant(node, dt.tree, dt.top)
	dt.tree.Free()
	return true, nil
}

// buildFullCex completes a counterexample derivation left partial by
// underapproximation cutoffs.
func (d *Duality) buildFullCex(node *rpfp.Node) error {
	dt := newDerivation(d)
	sat, err := dt.derive(node, d.cfg.UseUnderapprox, true, nil) // build full tree
	if err != nil {
		dt.tree.Free()
		return err
	}
	if !sat {
		dt.tree.Free()
		return internalf("derivation failed in buildFullCex")
	}
	d.cex.Free()
	d.cex = rpfp.Counterexample{Tree: dt.tree, Root: dt.top}
	return nil
}

// updateBackEdges maintains the bounded-recursion counters for a new
// instance: the pointwise max over children of their counters, plus one for
// every child reached over a back edge.
func (d *Duality) updateBackEdges(node *rpfp.Node) {
	chs := node.Outgoing.Children
	nov := d.backEdges[node]
	if nov == nil {
		nov = make(map[*rpfp.Node]int)
		d.backEdges[node] = nov
	}
	for _, child := range chs {
		isBack := d.topo[child.Map] >= d.topo[node.Map]
		chv := make(map[*rpfp.Node]int, len(d.backEdges[child])+1)
		for k, v := range d.backEdges[child] {
			chv[k] = v
		}
		if isBack {
			chv[child.Map]++
		}
		for back, v := range chv {
			nov[back] = max(nov[back], v)
		}
	}
}

func (d *Duality) nodePastRecursionBound(node *rpfp.Node) bool {
	if d.cfg.RecursionBound < 0 {
		return false
	}
	for _, v := range d.backEdges[node] {
		if v > d.cfg.RecursionBound {
			return true
		}
	}
	return false
}

// extend the unwinding with a candidate, keeping it solved. Returns false if
// the extension refuted the bounds.
func (d *Duality) extend(cand candidate) (bool, error) {
	node := d.createNodeInstance(cand.edge.Parent, 0)
	d.createEdgeInstance(cand.edge, node, cand.children)
	d.updateBackEdges(node)
	d.reporter.Extend(node)
	ok, err := d.satisfyUpperBound(node)
	if err != nil {
		return false, err
	}
	if !ok {
		if d.cfg.UnderapproxNodes {
			if err := d.expandUnderapproxNodes(d.cex.Tree, d.cex.Root); err != nil {
				return false, err
			}
		}
		if d.cfg.UseUnderapprox {
			if err := d.buildFullCex(node); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	d.indset.closeDescendants(node)
	if err := d.tryExpandNode(node); err != nil {
		return false, err
	}
	return true, nil
}

// proveConjecture tries to prove a conjectured bound for a node; on success
// the unwinding annotation is updated accordingly, on failure the node's
// original bound is restored. If cexOut is non-nil, a counterexample from a
// failed attempt is handed to it instead of being freed.
func (d *Duality) proveConjecture(node *rpfp.Node, bound rpfp.Transformer, other *rpfp.Node, cexOut *rpfp.Counterexample) (bool, error) {
	d.reporter.Conjecture(node, bound)
	save := node.Bound
	node.Bound = save.Clone()
	node.Bound.IntersectWith(bound)

	if d.cfg.LocalizeConjectures {
		d.setHeuristicOldNode(other)
	}
	ok, err := d.satisfyUpperBound(node)
	if d.cfg.LocalizeConjectures {
		d.setHeuristicOldNode(nil)
	}
	if err != nil {
		node.Bound = save
		return false, err
	}
	if ok {
		return true, nil
	}
	if d.cfg.UnderapproxNodes && d.cfg.UseUnderapprox && d.lastDecisions > 500 {
		if _, err := d.expandNodeFromCoverFail(node); err != nil {
			node.Bound = save
			return false, err
		}
	}
	if cexOut != nil {
		*cexOut = d.cex
	} else {
		d.cex.Free()
	}
	d.cex = rpfp.Counterexample{}
	node.Bound = save // put back original bound
	return false, nil
}

func (d *Duality) setHeuristicOldNode(node *rpfp.Node) {
	if h, ok := d.heur.(*localHeuristic); ok {
		h.setOldNode(node)
	}
}

// tryExpandNode expands a node if it is part of the inductive subset, first
// asking the covering to exclude it if possible.
func (d *Duality) tryExpandNode(node *rpfp.Node) error {
	if d.indset.close(node) {
		return nil
	}
	if !d.cfg.NoConj {
		forced, err := d.indset.conjecture(node)
		if err != nil {
			return err
		}
		if forced {
			if d.cfg.UnderapproxNodes && d.indset.contains(node) {
				// the node may have been covered by multiple others; keep it
				// out of the frontier so it is not revisited forever
				d.frontier.remove(node)
				d.instsOfNode[node.Map] = append(d.instsOfNode[node.Map], node)
			}
			return nil
		}
	}
	if d.cfg.UnderapproxNodes && !d.indset.contains(node) {
		return nil // could be covered by an underapprox node
	}
	d.indset.add(node)
	if !d.cfg.UnderapproxNodes {
		expanded, err := d.expandNodeFromCoverFail(node)
		if err != nil {
			return err
		}
		if expanded {
			return nil
		}
	}
	return d.expandNode(node)
}

// expandUnderapproxNodes replaces every underapproximation node used in a
// counterexample by a real derivation of the witness it stands for.
func (d *Duality) expandUnderapproxNodes(tree rpfp.Graph, root *rpfp.Node) error {
	node := root.Map
	if orig, ok := d.underapproxMap[node]; ok {
		cnst := root.Annotation.Clone()
		tree.EvalNodeAsConstraint(root, cnst)
		cnst.Complement()
		save := orig.Bound
		orig.Bound = cnst
		dt := newDerivation(d)
		sat, err := dt.derive(orig, d.cfg.UseUnderapprox, true, tree)
		orig.Bound = save
		if err != nil {
			return err
		}
		if !sat {
			d.updateWithInterpolant(orig, dt.tree, dt.top)
			return internalf("bogus underapprox")
		}
		return d.expandUnderapproxNodes(tree, dt.top)
	}
	if root.Outgoing != nil {
		for _, ch := range root.Outgoing.Children {
			if err := d.expandUnderapproxNodes(tree, ch); err != nil {
				return err
			}
		}
	}
	return nil
}
