package solver

import (
	"github.com/duality-solver/duality/rpfp"
)

// covering maintains the proposed inductive subset of the unwinding: which
// instances are subsumed (covered) by older ones, and which are structurally
// redundant (dominated). Covering is only ever installed from a
// lower-numbered instance to a higher-numbered one, which keeps the cover
// relation acyclic.
type coverInfo struct {
	coveredBy *rpfp.Node
	covers    []*rpfp.Node
	dominated bool
	dominates nodeSet
}

type covering struct {
	cm          map[*rpfp.Node]*coverInfo
	d           *Duality
	someUpdates bool
}

func newCovering(d *Duality) *covering {
	return &covering{cm: make(map[*rpfp.Node]*coverInfo), d: d}
}

func (c *covering) info(n *rpfp.Node) *coverInfo {
	ci, ok := c.cm[n]
	if !ok {
		ci = &coverInfo{dominates: make(nodeSet)}
		c.cm[n] = ci
	}
	return ci
}

func (c *covering) coveredBy(n *rpfp.Node) *rpfp.Node { return c.info(n).coveredBy }

func (c *covering) isCoveredRec(memo nodeSet, node *rpfp.Node) bool {
	if memo.Has(node) {
		return false
	}
	memo.Add(node)
	if c.coveredBy(node) != nil {
		return true
	}
	if node.Outgoing == nil {
		return false
	}
	for _, ch := range node.Outgoing.Children {
		if c.isCoveredRec(memo, ch) {
			return true
		}
	}
	return false
}

// isCovered descends through the unwinding from node; any covered descendant
// disqualifies node from acting as a covering.
func (c *covering) isCovered(node *rpfp.Node) bool {
	return c.isCoveredRec(make(nodeSet), node)
}

func (c *covering) removeCoveringsBy(node *rpfp.Node) {
	if c.d.cfg.UnderapproxNodes {
		for _, other := range c.d.allOfNode[node.Map] {
			if c.coveredBy(other) != nil && c.coverOrder(node, other) {
				c.info(other).coveredBy = nil
				c.d.reporter.RemoveCover(other, node)
			}
		}
		return
	}
	ci := c.info(node)
	for _, covered := range ci.covers {
		c.info(covered).coveredBy = nil
		c.d.reporter.RemoveCover(covered, node)
	}
	ci.covers = nil
}

func (c *covering) removeAscendantCoveringsRec(memo nodeSet, node *rpfp.Node) {
	if memo.Has(node) {
		return
	}
	memo.Add(node)
	c.removeCoveringsBy(node)
	for _, e := range node.Incoming {
		c.removeAscendantCoveringsRec(memo, e.Parent)
	}
}

func (c *covering) removeAscendantCoverings(node *rpfp.Node) {
	c.removeAscendantCoveringsRec(make(nodeSet), node)
}

// coverOrder holds when covering may subsume covered: strictly older, with
// an exception for underapproximation nodes, which never get covered and may
// cover the node they approximate regardless of age.
func (c *covering) coverOrder(covering, covered *rpfp.Node) bool {
	if c.d.cfg.UnderapproxNodes {
		if _, ok := c.d.underapproxMap[covered]; ok {
			return false
		}
		if approxed, ok := c.d.underapproxMap[covering]; ok {
			return covering.Number < covered.Number || approxed == covered
		}
	}
	return covering.Number < covered.Number
}

func (c *covering) checkCover(covered, covering *rpfp.Node) bool {
	return c.coverOrder(covering, covered) &&
		covered.Annotation.SubsetEq(covering.Annotation) &&
		!c.isCovered(covering)
}

func (c *covering) coverByNode(covered, covering *rpfp.Node) bool {
	if !c.checkCover(covered, covering) {
		return false
	}
	c.info(covered).coveredBy = covering
	ci := c.info(covering)
	ci.covers = append(ci.covers, covered)
	c.d.reporter.AddCover(covered, []*rpfp.Node{covering})
	c.removeAscendantCoverings(covered)
	return true
}

// coverByAll covers a node by the union of all eligible siblings rather than
// a single one; used when underapproximation nodes are enabled.
func (c *covering) coverByAll(covered *rpfp.Node) bool {
	all := covered.Annotation.Clone()
	all.SetEmpty()
	var others []*rpfp.Node
	for _, covering := range c.d.instsOfNode[covered.Map] {
		if c.coverOrder(covering, covered) && !c.isCovered(covering) {
			others = append(others, covering)
			all.UnionWith(covering.Annotation)
		}
	}
	if len(others) > 0 && covered.Annotation.SubsetEq(all) {
		c.info(covered).coveredBy = covered // anything non-nil will do
		c.d.reporter.AddCover(covered, others)
		c.removeAscendantCoverings(covered)
		return true
	}
	return false
}

// close tries to find a cover for node among instances of the same input
// node; returns true iff node ends up covered.
func (c *covering) close(node *rpfp.Node) bool {
	if c.coveredBy(node) != nil {
		return true
	}
	if c.d.cfg.UnderapproxNodes {
		return c.coverByAll(node)
	}
	for _, inst := range c.d.instsOfNode[node.Map] {
		if c.coverByNode(node, inst) {
			return true
		}
	}
	return false
}

func (c *covering) closeDescendantsRec(memo nodeSet, node *rpfp.Node) bool {
	if memo.Has(node) {
		return false
	}
	if node.Outgoing != nil {
		for _, ch := range node.Outgoing.Children {
			if c.closeDescendantsRec(memo, ch) {
				return true
			}
		}
	}
	if c.close(node) {
		return true
	}
	memo.Add(node)
	return false
}

func (c *covering) closeDescendants(node *rpfp.Node) bool {
	return c.closeDescendantsRec(make(nodeSet), node)
}

// contains reports whether node is in the proposed inductive subset.
func (c *covering) contains(node *rpfp.Node) bool {
	return !c.isCovered(node)
}

// candidate reports whether node may serve as a child of a new extension.
func (c *covering) candidate(node *rpfp.Node) bool {
	return !c.isCovered(node) && !c.info(node).dominated
}

func (c *covering) setDominated(node *rpfp.Node) {
	c.info(node).dominated = true
}

func (c *covering) couldCover(covered, covering *rpfp.Node) bool {
	if !c.coverOrder(covering, covered) || c.isCovered(covering) {
		return false
	}
	// an empty annotation can't usefully force anything
	empty := covering.Annotation.Clone()
	empty.SetEmpty()
	return !covering.Annotation.SubsetEq(empty)
}

func (c *covering) containsCex(node *rpfp.Node, cex rpfp.Counterexample) bool {
	ctx := cex.Tree.Context()
	val := cex.Tree.Eval(cex.Root.Outgoing, node.Annotation.Formula())
	return ctx.Eq(val, ctx.BoolVal(true))
}

// conjecture tries to force-cover node: we conjecture that the annotations of
// similar older siblings may hold of this node, starting with later siblings
// on the principle that their annotations are likely weaker. A counterexample
// from a failed attempt is reused to skip siblings whose annotation it
// falsifies.
func (c *covering) conjecture(node *rpfp.Node) (bool, error) {
	insts := c.d.instsOfNode[node.Map]
	if c.d.cfg.UnderapproxNodes {
		bound := node.Annotation.Clone()
		bound.SetEmpty()
		someOther := false
		for i := len(insts) - 1; i >= 0; i-- {
			other := insts[i]
			if c.couldCover(node, other) {
				c.d.reporter.Forcing(node, other)
				bound.UnionWith(other.Annotation)
				someOther = true
			}
		}
		if !someOther {
			return false, nil
		}
		ok, err := c.d.proveConjecture(node, bound, nil, nil)
		if err != nil {
			return false, err
		}
		if ok {
			c.closeDescendants(node)
			return true, nil
		}
		return false, nil
	}
	var cex rpfp.Counterexample
	defer cex.Free()
	for i := len(insts) - 1; i >= 0; i-- {
		other := insts[i]
		if !c.couldCover(node, other) {
			continue
		}
		c.d.reporter.Forcing(node, other)
		if cex.Tree != nil && !c.containsCex(other, cex) {
			continue
		}
		cex.Free()
		ok, err := c.d.proveConjecture(node, other.Annotation, other, &cex)
		if err != nil {
			return false, err
		}
		if ok && c.closeDescendants(node) {
			return true, nil
		}
	}
	return false, nil
}

// update is called when node's annotation changes: covers provided by node
// may no longer hold.
func (c *covering) update(node *rpfp.Node, update rpfp.Transformer) {
	c.removeCoveringsBy(node)
	c.someUpdates = true
}

// getSimilarNode finds an older uncovered sibling that node could defer to.
func (c *covering) getSimilarNode(node *rpfp.Node) *rpfp.Node {
	if !c.someUpdates {
		return nil
	}
	insts := c.d.instsOfNode[node.Map]
	for i := len(insts) - 1; i >= 0; i-- {
		other := insts[i]
		if !c.d.cfg.UnderapproxNodes && !c.info(node).dominates.Has(other) {
			continue
		}
		if c.coverOrder(other, node) && !c.isCovered(other) {
			return other
		}
	}
	return nil
}

// dominatesNode is the structural-redundancy witness: node dominates other
// if they share an outgoing input edge and each child of node equals,
// dominates, or replaces a trivial leaf of, the corresponding child of
// other.
func (c *covering) dominatesNode(node, other *rpfp.Node) bool {
	if node == other {
		return false
	}
	if other.Outgoing == nil || other.Outgoing.Map == nil {
		return true
	}
	if node.Outgoing == nil || node.Outgoing.Map != other.Outgoing.Map {
		return false
	}
	for i, nc := range node.Outgoing.Children {
		oc := other.Outgoing.Children[i]
		if nc == oc {
			continue
		}
		if oc.Outgoing != nil && oc.Outgoing.Map == nil {
			continue
		}
		if !c.info(nc).dominates.Has(oc) {
			return false
		}
	}
	return true
}

// add admits node to the inductive candidate set, marking every sibling it
// dominates as dominated.
func (c *covering) add(node *rpfp.Node) {
	for _, other := range c.d.instsOfNode[node.Map] {
		if c.dominatesNode(node, other) {
			c.info(node).dominates.Add(other)
			c.info(other).dominated = true
			c.d.reporter.Dominates(node, other)
		}
	}
}
