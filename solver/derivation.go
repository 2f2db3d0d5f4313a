package solver

import (
	"math"

	"github.com/duality-solver/duality/rpfp"
)

const maxExpansions = math.MaxInt

// derivation builds a finite unfolding of the unwinding rooted at a clone of
// some unwinding node, with the negation of the node's bound asserted at the
// root, and drives the backend to either refute it (yielding interpolants)
// or produce a concrete counterexample tree.
//
// Trees are built in one of three modes:
//
//  1. In normal mode, the full tree is built without considering
//     underapproximations.
//  2. In underapprox mode, underapproximations cut off the construction, so
//     the resulting tree may be partial.
//  3. In constrained mode, the full tree is built but underapproximations
//     serve as upper bounds. This mode completes partial derivations from
//     underapprox mode.
type derivation struct {
	d    *Duality
	tree rpfp.Graph
	top  *rpfp.Node

	leaves []*rpfp.Node

	underapprox bool
	constrained bool
	falseApprox bool

	oldChoices nodeSet

	// expand is the expansion hook; the backtracking variant interposes its
	// bookkeeping here.
	expand func(p *rpfp.Node) error
}

func newDerivation(d *Duality) *derivation {
	t := &derivation{d: d, oldChoices: make(nodeSet)}
	t.expand = t.expandNode
	return t
}

// derive runs the eager construction for root. If existing is non-nil the
// tree is grown inside it instead of a fresh container.
func (t *derivation) derive(root *rpfp.Node, underapprox, constrained bool, existing rpfp.Graph) (bool, error) {
	return t.deriveWith(t.build, root, underapprox, constrained, existing)
}

func (t *derivation) deriveWith(build func() (bool, error), root *rpfp.Node, underapprox, constrained bool, existing rpfp.Graph) (bool, error) {
	t.underapprox = underapprox
	t.constrained = constrained
	t.falseApprox = true
	if existing != nil {
		t.tree = existing
	} else {
		t.tree = t.d.unwinding.NewGraph()
	}
	t.tree.Push() // so we can clear out the solver when finished
	t.top = t.createApproximatedInstance(root)
	t.tree.AssertNode(t.top) // assert the negation of the top-level bound
	sat, err := build()
	t.d.heur.done()
	t.tree.Pop(1)
	return sat, err
}

func (t *derivation) createApproximatedInstance(from *rpfp.Node) *rpfp.Node {
	to := t.tree.CloneNode(from)
	to.Annotation = from.Annotation.Clone()
	t.leaves = append(t.leaves, to)
	return to
}

// checkWithUnderapprox checks the tree using only the leaves'
// underapproximations as cutoffs.
func (t *derivation) checkWithUnderapprox() bool {
	return t.tree.Check(t.top, t.leaves...) != rpfp.Unsat
}

func (t *derivation) build() (bool, error) {
	// do high-priority expansions first
	for {
		ok, err := t.expandSomeNodes(true, maxExpansions)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
	}
	for {
		if t.d.canceled.Load() {
			return false, ErrCanceled
		}
		underSat := false
		if (t.underapprox || t.falseApprox) && t.top.Outgoing != nil && t.checkWithUnderapprox() {
			if !t.constrained {
				// the underapproximation alone is satisfiable: stop here
				return t.finishSat(), nil
			}
			underSat = true // in constrained mode, keep expanding
		}
		if !underSat {
			res := t.tree.Solve(t.top, 1) // incremental solve, keep interpolants for one pop
			if res == rpfp.Unsat {
				return false, nil
			}
			if res == rpfp.Unknown {
				t.d.reporter.Message("backend-unknown")
			}
		}
		ok, err := t.expandSomeNodes(false, maxExpansions)
		if err != nil {
			return false, err
		}
		if ok {
			continue
		}
		return t.finishSat(), nil
	}
}

func (t *derivation) finishSat() bool {
	if t.underapprox && !t.constrained {
		t.tree.ComputeUnderapprox(t.top, 1)
	}
	return true
}

// expandNode replaces a leaf with its outgoing edge unfolded one step.
func (t *derivation) expandNode(p *rpfp.Node) error {
	edge, err := t.d.getNodeOutgoing(p.Map)
	if err != nil {
		return err
	}
	children := make([]*rpfp.Node, len(edge.Children))
	for i, c := range edge.Children {
		children[i] = t.createApproximatedInstance(c)
	}
	ne := t.tree.CreateEdge(p, edge.F, children)
	ne.Map = edge.Map
	t.tree.AssertEdge(ne, 0, !t.d.cfg.FullExpand, t.underapprox || t.falseApprox)
	t.d.reporter.Expand(ne)
	return nil
}

func (t *derivation) expansionChoicesFull(high, bestOnly bool) (nodeSet, error) {
	choices := make(nodeSet)
	for _, n := range t.leaves {
		if high || !t.tree.Empty(n) { // if used in the countermodel
			choices.Add(n)
		}
	}
	return t.d.heur.chooseExpand(choices, high, bestOnly)
}

// expansionChoicesRec partitions the model-used leaves into must-expand and
// may-underapproximate by bisection: a block whose removal keeps the check
// satisfiable can rely on its underapproximations.
func (t *derivation) expansionChoicesRec(unused *[]*rpfp.Node, used []*rpfp.Node, choices nodeSet, from, to int) {
	if from == to {
		return
	}
	origUnused := len(*unused)
	*unused = append(*unused, used[from:to]...)
	if t.top.Outgoing == nil || t.tree.Check(t.top, *unused...) == rpfp.Unsat {
		*unused = (*unused)[:origUnused]
		if to-from == 1 {
			t.d.log.Debug().Int("node", used[from].Number).Msg("not using underapprox")
			choices.Add(used[from])
		} else {
			mid := from + (to-from)/2
			t.expansionChoicesRec(unused, used, choices, from, mid)
			t.expansionChoicesRec(unused, used, choices, mid, to)
		}
	} else {
		for i := from; i < to; i++ {
			t.d.log.Debug().Int("node", used[i].Number).Msg("using underapprox")
		}
	}
}

func (t *derivation) expansionChoices(high, bestOnly bool) (nodeSet, error) {
	if !t.underapprox || t.constrained || high {
		return t.expansionChoicesFull(high, bestOnly)
	}
	var unused, used []*rpfp.Node
	choices := make(nodeSet)
	for _, n := range t.leaves {
		if !t.tree.Empty(n) {
			// previously chosen nodes and nodes with empty
			// underapproximation are in unconditionally
			if t.oldChoices.Has(n) || n.Map.Underapprox.IsEmpty() {
				choices.Add(n)
			} else {
				used = append(used, n)
			}
		} else {
			unused = append(unused, n)
		}
	}
	if t.tree.Check(t.top, unused...) == rpfp.Unsat {
		return nil, internalf("inconsistent model in expansion choices")
	}
	t.expansionChoicesRec(&unused, used, choices, 0, len(used))
	t.oldChoices = make(nodeSet)
	for n := range choices {
		t.oldChoices.Add(n)
	}
	return t.d.heur.chooseExpand(choices, high, false)
}

// expandSomeNodes expands up to maxN of the chosen leaves; returns whether
// any choice existed.
func (t *derivation) expandSomeNodes(high bool, maxN int) (bool, error) {
	choices, err := t.expansionChoices(high, maxN != maxExpansions)
	if err != nil {
		return false, err
	}
	leavesCopy := t.leaves
	t.leaves = nil
	count := 0
	for i, n := range leavesCopy {
		if choices.Has(n) && count < maxN {
			count++
			if err := t.expand(n); err != nil {
				t.leaves = append(t.leaves, leavesCopy[i+1:]...)
				return false, err
			}
		} else {
			t.leaves = append(t.leaves, n)
		}
	}
	return len(choices) > 0, nil
}
