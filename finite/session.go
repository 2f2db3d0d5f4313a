package finite

import (
	"github.com/duality-solver/duality/rpfp"
)

type assertedEdge struct {
	g *Graph
	e *rpfp.Edge
}

type assertedGoal struct {
	g *Graph
	n *rpfp.Node
}

// frame is one backend scope: assertions made in it disappear when it pops.
type frame struct {
	adds  []*formula
	edges []assertedEdge
	goals []assertedGoal
	pins  map[*rpfp.Edge]int
}

func newFrame() *frame {
	return &frame{pins: make(map[*rpfp.Edge]int)}
}

// session is the shared incremental backend session: a stack of frames plus
// a decision counter. Every graph derived from the same root container talks
// to the same session.
type session struct {
	ctx       *context
	frames    []*frame
	decisions int
}

func newSession(ctx *context) *session {
	return &session{ctx: ctx, frames: []*frame{newFrame()}}
}

func (s *session) top() *frame { return s.frames[len(s.frames)-1] }

func (s *session) Push() {
	s.frames = append(s.frames, newFrame())
}

func (s *session) Pop(n int) {
	for ; n > 0 && len(s.frames) > 1; n-- {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

func (s *session) Add(f rpfp.Formula) {
	s.top().adds = append(s.top().adds, asFormula(f))
}

func (s *session) ScopeLevel() int { return len(s.frames) - 1 }

func (s *session) CumulativeDecisions() int { return s.decisions }

// Check decides satisfiability of the session-level assertions alone.
func (s *session) Check() rpfp.Result {
	var fs []*formula
	for _, fr := range s.frames {
		fs = append(fs, fr.adds...)
	}
	atoms := atomsOf(fs...)
	if len(atoms) > maxAtoms {
		return rpfp.Unknown
	}
	s.decisions++
	sat := someAssignment(atoms, func(assign map[string]bool) bool {
		for v := MinValue; v <= MaxValue; v++ {
			ok := true
			for _, f := range fs {
				if !f.eval(v, assign) {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
		return false
	})
	if sat != nil {
		return rpfp.Sat
	}
	return rpfp.Unsat
}

func (s *session) allAdds() []*formula {
	var fs []*formula
	for _, fr := range s.frames {
		fs = append(fs, fr.adds...)
	}
	return fs
}

func (s *session) allPins() map[*rpfp.Edge]int {
	pins := make(map[*rpfp.Edge]int)
	for _, fr := range s.frames {
		for e, v := range fr.pins {
			pins[e] = v
		}
	}
	return pins
}

func (s *session) forget(e *rpfp.Edge) {
	for _, fr := range s.frames {
		kept := fr.edges[:0]
		for _, ae := range fr.edges {
			if ae.e != e {
				kept = append(kept, ae)
			}
		}
		fr.edges = kept
		delete(fr.pins, e)
	}
}
