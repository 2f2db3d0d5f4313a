package solver

import (
	"strings"

	"github.com/duality-solver/duality/internal/utils"
	"github.com/duality-solver/duality/logger"
	"github.com/duality-solver/duality/rpfp"
)

type nodeSet = utils.Set[*rpfp.Node]

// origin follows the Map chain of an instance back to the input node it
// ultimately instantiates.
func origin(n *rpfp.Node) *rpfp.Node {
	for n.Map != nil {
		n = n.Map
	}
	return n
}

// heuristic selects which frontier nodes of a derivation tree to expand
// next. Scores accumulate per input node, so instances learned about in one
// tree inform choices in the next.
type heuristic interface {
	// update is called whenever node's annotation changes.
	update(node *rpfp.Node)
	// chooseExpand partitions choices into a preferred subset. In a
	// highPriority round the result may be empty: the score heuristic
	// never selects anything there, and the replay and local variants keep
	// only the nodes they match. Otherwise the result is non-empty
	// whenever choices is non-empty.
	chooseExpand(choices nodeSet, highPriority, bestOnly bool) (nodeSet, error)
	// done is called when a derivation tree finishes.
	done()
}

// scoreHeuristic prefers nodes whose input node saw the fewest updates.
type scoreHeuristic struct {
	updates map[*rpfp.Node]int
}

func newScoreHeuristic() *scoreHeuristic {
	return &scoreHeuristic{updates: make(map[*rpfp.Node]int)}
}

func (h *scoreHeuristic) update(node *rpfp.Node) {
	h.updates[origin(node)]++
}

func (h *scoreHeuristic) chooseExpand(choices nodeSet, highPriority, bestOnly bool) (nodeSet, error) {
	best := make(nodeSet)
	if highPriority {
		return best, nil
	}
	lo, hi := int(^uint(0)>>1), 0
	for n := range choices {
		score := h.updates[origin(n)]
		lo = min(lo, score)
		hi = max(hi, score)
	}
	cutoff := lo + (hi-lo)/2
	if bestOnly {
		cutoff = lo
	}
	for n := range choices {
		if h.updates[origin(n)] <= cutoff {
			best.Add(n)
		}
	}
	return best, nil
}

func (h *scoreHeuristic) done() {}

// baseName drops the disambiguating suffix appended to relation names to
// keep them unique between runs, so instances of the same relation match
// across counterexamples.
func baseName(name string) string {
	if pos := strings.Index(name, "@@"); pos >= 1 {
		return name[:pos]
	}
	return name
}

// replayHeuristic uses a previously obtained counterexample as a guide, for
// abstraction-refinement schemes: derivation-tree nodes are matched against
// the old counterexample by relation name, and matched nodes that were
// non-empty in the old run are expanded first.
type replayHeuristic struct {
	scoreHeuristic
	oldCex rpfp.Counterexample
	cexMap map[*rpfp.Node]*rpfp.Node
}

func newReplayHeuristic(cex rpfp.Counterexample) *replayHeuristic {
	return &replayHeuristic{
		scoreHeuristic: *newScoreHeuristic(),
		oldCex:         cex,
		cexMap:         make(map[*rpfp.Node]*rpfp.Node),
	}
}

func (h *replayHeuristic) done() {
	// only replay once
	h.cexMap = make(map[*rpfp.Node]*rpfp.Node)
	h.oldCex.Free()
}

func (h *replayHeuristic) chooseExpand(choices nodeSet, highPriority, bestOnly bool) (nodeSet, error) {
	if !highPriority || h.oldCex.Tree == nil {
		return h.scoreHeuristic.chooseExpand(choices, false, false)
	}
	// first, try to match the derivation tree nodes to the old cex
	matched, unmatched := make(nodeSet), make(nodeSet)
	for node := range choices {
		if len(h.cexMap) == 0 {
			h.cexMap[node] = h.oldCex.Root // match the root nodes
		}
		if _, ok := h.cexMap[node]; !ok { // try to match an unmatched node
			parent := node.Incoming[0].Parent // assumes we are a tree
			oldParent, ok := h.cexMap[parent]
			if !ok {
				return nil, internalf("catastrophe in replay heuristic")
			}
			chs := parent.Outgoing.Children
			if oldParent != nil && oldParent.Outgoing != nil {
				oldChs := oldParent.Outgoing.Children
				for i, j := 0, 0; i < len(chs); i++ {
					if j < len(oldChs) && baseName(chs[i].Name) == baseName(oldChs[j].Name) {
						h.cexMap[chs[i]] = oldChs[j]
						j++
					} else {
						log := logger.Logger()
						log.Warn().Str("relation", chs[i].Name).Msg("replay: unmatched child")
						h.cexMap[chs[i]] = nil
					}
				}
			} else {
				for _, c := range chs {
					h.cexMap[c] = nil
				}
			}
		}
		old := h.cexMap[node]
		switch {
		case old == nil:
			unmatched.Add(node)
		case h.oldCex.Tree.Empty(old):
			unmatched.Add(node)
		default:
			matched.Add(node)
		}
	}
	return h.scoreHeuristic.chooseExpand(matched, false, false)
}

// localHeuristic restricts expansion to the derivation-tree nodes that
// structurally correspond to a designated subtree of the unwinding, for
// localized conjecture proofs.
type localHeuristic struct {
	scoreHeuristic
	oldNode *rpfp.Node
	cexMap  map[*rpfp.Node]*rpfp.Node
}

func newLocalHeuristic() *localHeuristic {
	return &localHeuristic{
		scoreHeuristic: *newScoreHeuristic(),
		cexMap:         make(map[*rpfp.Node]*rpfp.Node),
	}
}

func (h *localHeuristic) setOldNode(node *rpfp.Node) {
	h.oldNode = node
	h.cexMap = make(map[*rpfp.Node]*rpfp.Node)
}

func (h *localHeuristic) chooseExpand(choices nodeSet, highPriority, bestOnly bool) (nodeSet, error) {
	if h.oldNode == nil {
		return h.scoreHeuristic.chooseExpand(choices, highPriority, bestOnly)
	}
	matched := make(nodeSet)
	for node := range choices {
		if len(h.cexMap) == 0 {
			h.cexMap[node] = h.oldNode // match the root nodes
		}
		if _, ok := h.cexMap[node]; !ok {
			parent := node.Incoming[0].Parent // assumes we are a tree
			oldParent, ok := h.cexMap[parent]
			if !ok {
				return nil, internalf("catastrophe in local heuristic")
			}
			chs := parent.Outgoing.Children
			if oldParent != nil && oldParent.Outgoing != nil && len(oldParent.Outgoing.Children) == len(chs) {
				for i, c := range chs {
					h.cexMap[c] = oldParent.Outgoing.Children[i]
				}
			} else {
				for _, c := range chs {
					h.cexMap[c] = nil
				}
			}
		}
		if old := h.cexMap[node]; old != nil && old == node.Map {
			matched.Add(node)
		}
	}
	return h.scoreHeuristic.chooseExpand(matched, highPriority, bestOnly)
}
