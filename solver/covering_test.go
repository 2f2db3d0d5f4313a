package solver

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/duality-solver/duality/finite"
	"github.com/duality-solver/duality/rpfp"
)

func setAnn(g *finite.Graph, n *rpfp.Node, lo, hi int) {
	n.Annotation.SetFormula(g.FormulaFromSet(finite.Interval(lo, hi)))
}

func TestCheckCoverRespectsOrderAndSubsumption(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	d := newTestDuality(t, g, WithUnderapproxNodes(false))

	older := d.createNodeInstance(p, 0)
	newer := d.createNodeInstance(p, 0)
	setAnn(g, older, 0, 10)
	setAnn(g, newer, 0, 5)

	// subsumption holds, order holds
	require.True(t, d.indset.checkCover(newer, older))
	// order violated: an older instance is never covered by a newer one
	require.False(t, d.indset.checkCover(older, newer))
	// subsumption violated
	setAnn(g, newer, 0, 20)
	require.False(t, d.indset.checkCover(newer, older))
}

func TestCoverByNodeRemovesAscendantCoverings(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	eRule := p.Outgoing // the recursive rule
	d := newTestDuality(t, g, WithUnderapproxNodes(false))

	a := d.createNodeInstance(p, 0)  // 1
	b := d.createNodeInstance(p, 0)  // 2
	c := d.createNodeInstance(p, 0)  // 3
	d2 := d.createNodeInstance(p, 0) // 4
	setAnn(g, a, 0, 10)
	setAnn(g, b, 0, 8)
	setAnn(g, c, 0, 6)
	setAnn(g, d2, 0, 4)

	// b is the parent of c in the unwinding, and b covers d2
	d.createEdgeInstance(eRule, b, []*rpfp.Node{c})
	require.True(t, d.indset.coverByNode(d2, b))
	require.Same(t, b, d.indset.coveredBy(d2))

	// covering c removes the covers provided by its ascendant b, whose
	// subsumption is no longer trustworthy
	rec := &recordingReporter{}
	d.reporter = rec
	require.True(t, d.indset.coverByNode(c, a))
	require.Same(t, a, d.indset.coveredBy(c))
	require.Nil(t, d.indset.coveredBy(d2))
	require.Equal(t, 1, rec.uncovers)
}

func TestCoveredCoveringIsDisqualified(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	d := newTestDuality(t, g, WithUnderapproxNodes(false))

	a := d.createNodeInstance(p, 0)
	b := d.createNodeInstance(p, 0)
	c := d.createNodeInstance(p, 0)
	setAnn(g, a, 0, 10)
	setAnn(g, b, 0, 9)
	setAnn(g, c, 0, 5)

	require.True(t, d.indset.coverByNode(b, a))
	// b is covered, so it cannot cover c even though order and subsumption
	// hold
	require.False(t, d.indset.checkCover(c, b))
	// a still can
	require.True(t, d.indset.checkCover(c, a))
}

func TestDominatesTrivialLeaf(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	d := newTestDuality(t, g)

	leaf := d.createNodeInstance(p, 0)
	require.NoError(t, d.makeLeaf(leaf, true))
	inst := d.createNodeInstance(p, 0)
	d.createEdgeInstance(p.Outgoing, inst, []*rpfp.Node{leaf})

	// any instance dominates a trivial leaf
	require.True(t, d.indset.dominatesNode(inst, leaf))
	require.False(t, d.indset.dominatesNode(leaf, leaf))
}

func TestCoverOrderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cover order is asymmetric", prop.ForAll(
		func(n1, n2 int) bool {
			g, p := linearProblem(finite.AtLeast(0))
			d := newTestDuality(t, g, WithUnderapproxNodes(false))
			a := d.createNodeInstance(p, 0)
			b := d.createNodeInstance(p, 0)
			_ = n1
			_ = n2
			return d.indset.coverOrder(a, b) != d.indset.coverOrder(b, a)
		},
		gen.IntRange(0, 10), gen.IntRange(0, 10),
	))

	properties.Property("checkCover implies order and subsumption", prop.ForAll(
		func(lo1, hi1, lo2, hi2 int) bool {
			g, p := linearProblem(finite.AtLeast(0))
			d := newTestDuality(t, g, WithUnderapproxNodes(false))
			a := d.createNodeInstance(p, 0)
			b := d.createNodeInstance(p, 0)
			setAnn(g, a, min(lo1, hi1), max(lo1, hi1))
			setAnn(g, b, min(lo2, hi2), max(lo2, hi2))
			if d.indset.checkCover(b, a) {
				return a.Number < b.Number && b.Annotation.SubsetEq(a.Annotation)
			}
			return true
		},
		gen.IntRange(-10, 10), gen.IntRange(-10, 10),
		gen.IntRange(-10, 10), gen.IntRange(-10, 10),
	))

	properties.TestingRun(t)
}

// TestConjectureForcedCover drives the forced-covering machinery: a new
// instance whose own interpolant is too weak to be covered, but whose
// unfolding actually satisfies an older sibling's annotation. Exactly one
// conjecture must be made, and it must precede the cover.
func TestConjectureForcedCover(t *testing.T) {
	g := finite.New()
	p := g.AddNode("P", finite.AtLeast(0))
	g.AddFact(p, finite.Singleton(0))
	eRule := g.AddRule(p, []*rpfp.Node{p}, 1, nil)

	d := newTestDuality(t, g, WithUnderapproxNodes(false))
	rec := &recordingReporter{}
	d.reporter = rec

	// an older sibling with a proved annotation
	sib := d.createNodeInstance(p, 0)
	require.NoError(t, d.makeLeaf(sib, true))
	setAnn(g, sib, 0, finite.MaxValue)
	d.frontier.remove(sib)
	d.instsOfNode[p] = append(d.instsOfNode[p], sib)

	// a child instance that only reaches 0
	child := d.createNodeInstance(p, 0)
	require.NoError(t, d.makeLeaf(child, true))
	child.Annotation.SetFormula(g.FormulaFromSet(finite.Singleton(0)))

	// the new instance: its unfolding reaches only {1}, but its current
	// annotation is weaker than the sibling's
	node := d.createNodeInstance(p, 0)
	d.createEdgeInstance(eRule, node, []*rpfp.Node{child})
	node.Annotation.SetFormula(g.FormulaFromSet(finite.AtMost(1)))

	require.False(t, d.indset.close(node))

	forced, err := d.indset.conjecture(node)
	require.NoError(t, err)
	require.True(t, forced)

	require.Equal(t, 1, rec.conjectures)
	require.GreaterOrEqual(t, rec.forcings, 1)
	require.GreaterOrEqual(t, rec.covers, 1)

	// the conjecture event precedes the cover event
	conjAt, coverAt := -1, -1
	for i, k := range rec.kinds {
		if k == "conjecture" && conjAt < 0 {
			conjAt = i
		}
		if k == "cover" && coverAt < 0 {
			coverAt = i
		}
	}
	require.Less(t, conjAt, coverAt)

	// the new instance's annotation was strengthened into the sibling's
	require.True(t, node.Annotation.SubsetEq(sib.Annotation))
	// backend frames are balanced
	require.Equal(t, 0, g.Session().ScopeLevel())
}
