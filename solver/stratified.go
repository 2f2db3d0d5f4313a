package solver

import (
	"github.com/duality-solver/duality/rpfp"
)

// doTopoSort computes a topological order of the input nodes over their
// single outgoing edges, tolerating cycles: a node is pre-numbered when first
// visited so a back edge terminates the descent, then renumbered in
// post-order on completion.
func (d *Duality) doTopoSort() {
	d.topo = make(map[*rpfp.Node]int, len(d.nodes))
	d.topoCounter = 0
	for _, node := range d.nodes {
		d.doTopoSortRec(node)
	}
}

func (d *Duality) doTopoSortRec(node *rpfp.Node) {
	if _, ok := d.topo[node]; ok {
		return
	}
	d.topo[node] = d.topoCounter // just to break cycles
	d.topoCounter++
	if edge := node.Outgoing; edge != nil { // note, this is just *one* outgoing edge
		for _, ch := range edge.Children {
			d.doTopoSortRec(ch)
		}
	}
	d.topo[node] = d.topoCounter
	d.topoCounter++
}

// doStratifiedInlining builds the unwinding from the bottom up, trying to
// satisfy the node bounds as a pre-pass that limits later expansion. A
// counterexample here settles the problem; otherwise the usual upward
// unwinding continues. Returns false if a bound was refuted.
func (d *Duality) doStratifiedInlining() (bool, error) {
	d.doTopoSort()
	for _, node := range d.leaves {
		ok, err := d.satisfyUpperBound(node)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	// don't leave any dangling nodes
	for _, leaf := range d.leaves {
		if leaf.Outgoing == nil {
			if err := d.makeLeaf(leaf, true); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// getNodeOutgoing lazily materializes the outgoing edge of a placeholder
// leaf during stratified inlining. Children already seen in the topological
// order reuse their existing leaf, provided that leaf is not covered; later
// children get fresh stratified leaves with negative numbers. The transition
// is one-shot: afterwards callers always observe the real outgoing edge.
func (d *Duality) getNodeOutgoing(node *rpfp.Node) (*rpfp.Edge, error) {
	if !d.overapproxes.Has(node) {
		return node.Outgoing, nil // already expanded
	}
	d.overapproxes.Remove(node)
	edge := node.Map.Outgoing
	chs := edge.Children

	// make sure we don't create a covered node in this process
	for _, child := range chs {
		if d.topo[child] < d.topo[node.Map] {
			if !d.indset.contains(d.leafMap[child]) {
				return node.Outgoing, nil
			}
		}
	}

	nchs := make([]*rpfp.Node, len(chs))
	for i, child := range chs {
		if d.topo[child] < d.topo[node.Map] {
			leaf := d.leafMap[child]
			nchs[i] = leaf
			if d.frontier.has(leaf) {
				d.frontier.remove(leaf)
				d.instsOfNode[child] = append(d.instsOfNode[child], leaf)
			}
			continue
		}
		if _, ok := d.stratifiedLeafMap[child]; !ok {
			nchild := d.createNodeInstance(child, d.stratifiedLeafCount)
			d.stratifiedLeafCount--
			if err := d.makeLeaf(nchild, false); err != nil {
				return nil, err
			}
			nchild.Annotation.SetEmpty()
			d.stratifiedLeafMap[child] = nchild
			d.indset.setDominated(nchild)
		}
		nchs[i] = d.stratifiedLeafMap[child]
	}
	d.createEdgeInstance(edge, node, nchs)
	d.reporter.Extend(node)
	return node.Outgoing, nil
}
