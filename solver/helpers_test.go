package solver

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/duality-solver/duality/finite"
	"github.com/duality-solver/duality/rpfp"
)

// recordingReporter counts events and remembers their order.
type recordingReporter struct {
	kinds []string

	extends, updates, bounds, expands  int
	covers, uncovers                   int
	conjectures, forcings, dominations int
	inductionFailures, underapproxes   int
	rejects                            int
	msgs                               []string
}

func (r *recordingReporter) ev(kind string) { r.kinds = append(r.kinds, kind) }

func (r *recordingReporter) Extend(*rpfp.Node) { r.ev("node"); r.extends++ }
func (r *recordingReporter) Update(*rpfp.Node, rpfp.Transformer) {
	r.ev("update")
	r.updates++
}
func (r *recordingReporter) Bound(*rpfp.Node)  { r.ev("check"); r.bounds++ }
func (r *recordingReporter) Expand(*rpfp.Edge) { r.ev("expand"); r.expands++ }
func (r *recordingReporter) AddCover(*rpfp.Node, []*rpfp.Node) {
	r.ev("cover")
	r.covers++
}
func (r *recordingReporter) RemoveCover(*rpfp.Node, *rpfp.Node) {
	r.ev("uncover")
	r.uncovers++
}
func (r *recordingReporter) Conjecture(*rpfp.Node, rpfp.Transformer) {
	r.ev("conjecture")
	r.conjectures++
}
func (r *recordingReporter) Forcing(*rpfp.Node, *rpfp.Node) { r.ev("forcing"); r.forcings++ }
func (r *recordingReporter) Dominates(*rpfp.Node, *rpfp.Node) {
	r.ev("dominates")
	r.dominations++
}
func (r *recordingReporter) InductionFailure(*rpfp.Edge, []*rpfp.Node) {
	r.ev("induction failure")
	r.inductionFailures++
}
func (r *recordingReporter) UpdateUnderapprox(*rpfp.Node, rpfp.Transformer) {
	r.ev("underapprox")
	r.underapproxes++
}
func (r *recordingReporter) Reject(*rpfp.Edge, []*rpfp.Node) { r.ev("reject"); r.rejects++ }
func (r *recordingReporter) Message(msg string)              { r.ev("msg"); r.msgs = append(r.msgs, msg) }

// linearProblem is P(0), P(x+1) :- P(x) with the given bound on P.
func linearProblem(bound *bitset.BitSet) (*finite.Graph, *rpfp.Node) {
	g := finite.New()
	p := g.AddNode("P", bound)
	g.AddFact(p, finite.Singleton(0))
	g.AddRule(p, []*rpfp.Node{p}, 1, nil)
	return g, p
}

// leafProblem is P(x) :- x >= 0 with the given bound on P.
func leafProblem(bound *bitset.BitSet) (*finite.Graph, *rpfp.Node) {
	g := finite.New()
	p := g.AddNode("P", bound)
	g.AddFact(p, finite.AtLeast(0))
	return g, p
}

// newTestDuality builds a solver with its per-solve state initialized, for
// tests that drive internals directly instead of calling Solve.
func newTestDuality(t *testing.T, g rpfp.Graph, opts ...Option) *Duality {
	t.Helper()
	d, err := New(g, opts...)
	require.NoError(t, err)
	d.reporter = nopReporter{}
	d.heur = newScoreHeuristic()
	d.initState()
	return d
}

// cexDepth is the node count of the longest root-to-leaf chain.
func cexDepth(root *rpfp.Node) int {
	depth := 1
	if root.Outgoing != nil {
		best := 0
		for _, c := range root.Outgoing.Children {
			best = max(best, cexDepth(c))
		}
		depth += best
	}
	return depth
}
