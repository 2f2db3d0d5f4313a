package solver

import (
	"strconv"

	"github.com/duality-solver/duality/rpfp"
)

// nodeMarker returns the boolean atom tagging an instance. The name is
// derived from the instance number, so markers are stable across
// recomputations and a proof core can be mapped back to instances.
func (d *Duality) nodeMarker(node *rpfp.Node) rpfp.Formula {
	return d.ctx.BoolConst("@m_" + strconv.Itoa(node.Number))
}

// unionAnnotations unions src's annotation into dst. With markers, the
// annotation is conjoined with src's marker, so a satisfying assignment
// reveals which disjunct is true.
func (d *Duality) unionAnnotations(dst rpfp.Transformer, src *rpfp.Node, withMarkers bool) {
	if !withMarkers {
		dst.UnionWith(src.Annotation)
		return
	}
	t := src.Annotation.Clone()
	t.SetFormula(d.ctx.And(t.Formula(), d.nodeMarker(src)))
	dst.UnionWith(t)
}

func (d *Duality) genNodeSolutionFromIndSet(node *rpfp.Node, annot rpfp.Transformer, withMarkers bool) {
	annot.SetEmpty()
	for _, inst := range d.instsOfNode[node] {
		if d.indset.contains(inst) {
			d.unionAnnotations(annot, inst, withMarkers)
		}
	}
	annot.Simplify()
}

// genSolutionFromIndSet generates a proposed solution of the input problem
// from the unwinding, by unioning the instances of each node.
func (d *Duality) genSolutionFromIndSet(withMarkers bool) {
	for _, node := range d.nodes {
		d.genNodeSolutionFromIndSet(node, node.Annotation, withMarkers)
	}
}

func (d *Duality) genNodeSolutionWithMarkersAux(inst *rpfp.Node, annot rpfp.Transformer, markerDisjunction rpfp.Formula) rpfp.Formula {
	if d.cfg.RecursionBound >= 0 && d.nodePastRecursionBound(inst) {
		return markerDisjunction
	}
	temp := inst.Annotation.Clone()
	marker := d.nodeMarker(inst)
	temp.SetFormula(d.ctx.Or(d.ctx.Not(marker), temp.Formula()))
	annot.IntersectWith(temp)
	return d.ctx.Or(markerDisjunction, marker)
}

// genNodeSolutionWithMarkers builds the marker-guarded solution of an input
// node: the conjunction over instances of (marker implies annotation), plus
// the requirement that some marker holds. Returns false if no instance
// contributed.
func (d *Duality) genNodeSolutionWithMarkers(node *rpfp.Node, annot rpfp.Transformer, expandedOnly bool) bool {
	res := false
	annot.SetFull()
	markerDisjunction := d.ctx.BoolVal(false)
	insts := d.allOfNode[node]
	if expandedOnly {
		insts = d.instsOfNode[node]
	}
	for _, inst := range insts {
		if d.indset.contains(inst) {
			markerDisjunction = d.genNodeSolutionWithMarkersAux(inst, annot, markerDisjunction)
			res = true
		}
	}
	annot.SetFormula(d.ctx.And(annot.Formula(), markerDisjunction))
	annot.Simplify()
	return res
}

// checkerJustForEdge builds a checker graph deciding whether one input edge
// is satisfied by the current solution. Returns nil if the check is vacuous.
func (d *Duality) checkerJustForEdge(edge *rpfp.Edge, checker rpfp.Graph, expandedOnly bool) *rpfp.Node {
	root := checker.CloneNode(edge.Parent)
	d.genNodeSolutionFromIndSet(edge.Parent, root.Bound, false)
	if root.Bound.IsFull() {
		return nil
	}
	checker.AssertNode(root)
	cs := make([]*rpfp.Node, 0, len(edge.Children))
	for _, oc := range edge.Children {
		nc := checker.CloneNode(oc)
		if !d.genNodeSolutionWithMarkers(oc, nc.Annotation, expandedOnly) {
			return nil
		}
		e := checker.CreateLowerBoundEdge(nc)
		checker.AssertEdge(e, 0, false, false)
		cs = append(cs, nc)
	}
	checker.AssertEdge(checker.CreateEdge(root, edge.F, cs), 0, false, false)
	return root
}

// checkerForEdge is checkerJustForEdge for the full induction-failure scan;
// the check proceeds even when the parent solution is trivial.
func (d *Duality) checkerForEdge(edge *rpfp.Edge, checker rpfp.Graph) *rpfp.Node {
	root := checker.CloneNode(edge.Parent)
	d.genNodeSolutionFromIndSet(edge.Parent, root.Bound, false)
	checker.AssertNode(root)
	cs := make([]*rpfp.Node, 0, len(edge.Children))
	for _, oc := range edge.Children {
		nc := checker.CloneNode(oc)
		d.genNodeSolutionWithMarkers(oc, nc.Annotation, true)
		e := checker.CreateLowerBoundEdge(nc)
		checker.AssertEdge(e, 0, false, false)
		cs = append(cs, nc)
	}
	checker.AssertEdge(checker.CreateEdge(root, edge.F, cs), 0, false, false)
	return root
}

// extractCandidateFromCex extracts an extension candidate from an induction
// failure, using the marker predicates to identify which instance of each
// child position the countermodel picked.
func (d *Duality) extractCandidateFromCex(edge *rpfp.Edge, checker rpfp.Graph, root *rpfp.Node) (candidate, error) {
	if d.cfg.MinimizeHarder {
		return d.extractCandidateMinimizeHarder(edge, checker, root)
	}
	cand := candidate{edge: edge}
	for j := range edge.Children {
		lb := root.Outgoing.Children[j].Outgoing
		found := false
		for _, inst := range d.instsOfNode[edge.Children[j]] {
			if !d.indset.contains(inst) {
				continue
			}
			if checker.Empty(lb.Parent) ||
				d.ctx.Eq(checker.Eval(lb, d.nodeMarker(inst)), d.ctx.BoolVal(true)) {
				cand.children = append(cand.children, inst)
				found = true
				break
			}
		}
		if !found {
			return candidate{}, internalf("no candidate from induction failure")
		}
	}
	return cand, nil
}

// extractCandidateMinimizeHarder picks minimal markers with iterative solver
// queries instead of the forward scan.
func (d *Duality) extractCandidateMinimizeHarder(edge *rpfp.Edge, checker rpfp.Graph, root *rpfp.Node) (candidate, error) {
	cand := candidate{edge: edge}
	var assumps []rpfp.Formula
	for j := range edge.Children {
		lb := root.Outgoing.Children[j].Outgoing
		found := false
		for _, inst := range d.instsOfNode[edge.Children[j]] {
			if !d.indset.contains(inst) {
				continue
			}
			marker := d.nodeMarker(inst)
			if checker.Empty(lb.Parent) ||
				d.ctx.Eq(checker.Eval(lb, marker), d.ctx.BoolVal(true)) {
				cand.children = append(cand.children, inst)
				assumps = append(assumps, checker.Localize(lb, marker))
				found = true
				break
			}
			assumps = append(assumps, checker.Localize(lb, marker))
			if checker.CheckUpdateModel(root, assumps) != rpfp.Unsat {
				cand.children = append(cand.children, inst)
				found = true
				break
			}
			assumps = assumps[:len(assumps)-1]
		}
		if !found {
			return candidate{}, internalf("no candidate from induction failure")
		}
	}
	return cand, nil
}

// genCandidatesFromInductionFailure scans the input edges whose current
// child annotations no longer imply the parent annotation, extracting one
// extension candidate per failing edge. The incremental pass looks only at
// edges whose parent is a recently updated node; if it yields nothing, a
// full scan runs.
func (d *Duality) genCandidatesFromInductionFailure(fullScan bool) error {
	d.genSolutionFromIndSet(true /* add markers */)
	for _, edge := range d.edges {
		if !fullScan && !d.updatedNodes.Has(edge.Parent) {
			continue
		}
		err := d.scoped(func() error {
			checker := d.graph.NewGraph()
			defer checker.Free()
			root := d.checkerForEdge(edge, checker)
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
	d.updatedNodes = make(nodeSet)
	// sanity: every candidate extracted from the induction set must be
	// feasible
	for _, cand := range d.candidates {
		feasible, err := d.candidateFeasible(cand)
		if err != nil {
			return err
		}
		if !feasible {
			return internalf("produced infeasible candidate")
		}
	}
	if !fullScan && len(d.candidates) == 0 {
		d.reporter.Message("No candidates from updates. Trying full scan.")
		return d.genCandidatesFromInductionFailure(true)
	}
	return nil
}
