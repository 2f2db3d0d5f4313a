package solver

import (
	"slices"

	"github.com/duality-solver/duality/rpfp"
)

type stackEntry struct {
	level      int // backend solver stack level
	expansions []*rpfp.Node
}

// slowDerivation is the backtracking variant of the derivation tree: it
// expands one node at a time, fixing the current model on each frame, and on
// refutation interpolates the frame's expansions, then pops frames the proof
// does not depend on, undoing their expansions.
type slowDerivation struct {
	*derivation

	stack []stackEntry

	// nodeMap tracks, per unwinding node, the tree instances currently
	// standing for it.
	nodeMap map[*rpfp.Node][]*rpfp.Node

	// updated holds tree nodes whose unwinding annotation was strengthened
	// and whose parent constraint must be refreshed.
	updated []*rpfp.Node
}

func newSlowDerivation(d *Duality) *slowDerivation {
	s := &slowDerivation{
		derivation: newDerivation(d),
		stack:      []stackEntry{{}},
		nodeMap:    make(map[*rpfp.Node][]*rpfp.Node),
	}
	s.derivation.expand = s.expandNode
	return s
}

func (s *slowDerivation) derive(root *rpfp.Node, underapprox, constrained bool, existing rpfp.Graph) (bool, error) {
	return s.deriveWith(s.build, root, underapprox, constrained, existing)
}

func (s *slowDerivation) expandNode(p *rpfp.Node) error {
	top := &s.stack[len(s.stack)-1]
	top.expansions = append(top.expansions, p)
	if err := s.derivation.expandNode(p); err != nil {
		return err
	}
	for _, c := range p.Outgoing.Children {
		s.nodeMap[c.Map] = append(s.nodeMap[c.Map], c)
	}
	return nil
}

func (s *slowDerivation) build() (sat bool, err error) {
	defer func() {
		// unwind our frames on abnormal exit so the caller's pop matches
		if err != nil {
			for len(s.stack) > 1 {
				s.tree.Pop(1)
				s.stack = s.stack[:len(s.stack)-1]
			}
		}
	}()

	s.stack[len(s.stack)-1].level = s.tree.Session().ScopeLevel()

	for {
		if s.d.canceled.Load() {
			return false, ErrCanceled
		}
		if lvl := s.tree.Session().ScopeLevel(); lvl != s.stack[len(s.stack)-1].level {
			return false, internalf("stacks out of sync")
		}

		res := s.tree.Check(s.top)
		if res == rpfp.Unknown {
			s.d.reporter.Message("backend-unknown")
		}
		if res == rpfp.Unsat {
			expansions := s.stack[len(s.stack)-1].expansions
			updateCount := 0
			for _, node := range expansions {
				s.tree.SolveSingleNode(s.top, node)
				if len(expansions) == 1 && s.nodeTooComplicated(node) {
					s.simplifyNode(node)
				}
				s.tree.Generalize(s.top, node)
				if s.recordUpdate(node) {
					updateCount++
				}
			}
			if updateCount == 0 {
				s.d.reporter.Message("backtracked without learning")
			}
			s.tree.ComputeProofCore() // before popping the solver
			for len(s.stack) > 1 {
				expansions := s.stack[len(s.stack)-1].expansions
				prevLevelUsed := s.levelUsedInProof(len(s.stack) - 2)
				s.tree.Pop(1)
				toRemove := make(nodeSet)
				for _, node := range expansions {
					for _, c := range node.Outgoing.Children {
						toRemove.Add(c)
						if err := s.unmapNode(c); err != nil {
							return false, err
						}
						if slices.Contains(s.updated, c) {
							return false, internalf("removed node still on update list")
						}
					}
					s.removeExpansion(node)
				}
				s.removeLeaves(toRemove)
				s.stack = s.stack[:len(s.stack)-1]
				if prevLevelUsed || len(s.stack) == 1 {
					break
				}
				// this level is about to be deleted; drop its children from
				// the update list and make its expansions less likely picks
				s.removeUpdateNodesAtCurrentLevel()
				for _, unused := range s.stack[len(s.stack)-1].expansions {
					s.d.heur.update(unused.Map)
				}
			}
			s.handleUpdatedNodes()
			if len(s.stack) == 1 {
				return false, nil
			}
		} else {
			s.tree.Push()
			for _, node := range s.stack[len(s.stack)-1].expansions {
				s.tree.FixCurrentState(node.Outgoing)
			}
			s.stack = append(s.stack, stackEntry{level: s.tree.Session().ScopeLevel()})
			ok, err := s.expandSomeNodes(false, 1)
			if err != nil {
				return false, err
			}
			if ok {
				continue
			}
			for len(s.stack) > 1 {
				s.tree.Pop(1)
				s.stack = s.stack[:len(s.stack)-1]
			}
			return true, nil
		}
	}
}

func (s *slowDerivation) nodeTooComplicated(node *rpfp.Node) bool {
	return s.tree.CountOperators(node.Annotation.Formula()) > 5
}

func (s *slowDerivation) simplifyNode(node *rpfp.Node) {
	// have to destroy the old proof to get a new interpolant
	s.tree.PopPush()
	s.tree.InterpolateByCases(s.top, node)
}

func (s *slowDerivation) levelUsedInProof(level int) bool {
	for _, node := range s.stack[level].expansions {
		if s.tree.EdgeUsedInProof(node.Outgoing) {
			return true
		}
	}
	return false
}

func (s *slowDerivation) removeUpdateNodesAtCurrentLevel() {
	kept := s.updated[:0]
	for _, node := range s.updated {
		if !s.atCurrentStackLevel(node.Incoming[0].Parent) {
			kept = append(kept, node)
		}
	}
	s.updated = kept
}

func (s *slowDerivation) removeLeaves(toRemove nodeSet) {
	kept := s.leaves[:0]
	for _, n := range s.leaves {
		if !toRemove.Has(n) {
			kept = append(kept, n)
		}
	}
	s.leaves = kept
}

// removeExpansion deletes the expansion of a node, re-adding it to the
// leaves.
func (s *slowDerivation) removeExpansion(p *rpfp.Node) {
	edge := p.Outgoing
	parent := edge.Parent
	cs := slices.Clone(edge.Children)
	s.tree.DeleteEdge(edge)
	for _, c := range cs {
		s.tree.DeleteNode(c)
	}
	s.leaves = append(s.leaves, parent)
}

// recordUpdate propagates a tree node's interpolant to the unwinding and
// schedules sibling instances for parent reconstraint. Nodes created at the
// current stack level stay off the update list, as their frame may be
// popped.
func (s *slowDerivation) recordUpdate(node *rpfp.Node) bool {
	if !s.d.updateNodeToNode(node.Map, node) {
		return false
	}
	for _, node2 := range s.nodeMap[node.Map] {
		if node2 == node ||
			!(len(node2.Incoming) > 0 && s.atCurrentStackLevel(node2.Incoming[0].Parent)) {
			s.updated = append(s.updated, node2)
			if node2 != node {
				node2.Annotation = node.Annotation.Clone()
			}
		}
	}
	return true
}

func (s *slowDerivation) handleUpdatedNodes() {
	kept := s.updated[:0]
	for _, node := range s.updated {
		node.Annotation = node.Map.Annotation.Clone()
		if len(node.Incoming) == 0 {
			continue
		}
		s.tree.ConstrainParent(node.Incoming[0], node)
		if !s.atCurrentStackLevel(node.Incoming[0].Parent) {
			kept = append(kept, node)
		}
	}
	s.updated = kept
}

func (s *slowDerivation) atCurrentStackLevel(node *rpfp.Node) bool {
	return slices.Contains(s.stack[len(s.stack)-1].expansions, node)
}

func (s *slowDerivation) unmapNode(node *rpfp.Node) error {
	vec := s.nodeMap[node.Map]
	for i := range vec {
		if vec[i] == node {
			vec[i] = vec[len(vec)-1]
			s.nodeMap[node.Map] = vec[:len(vec)-1]
			return nil
		}
	}
	return internalf("can't unmap node")
}
