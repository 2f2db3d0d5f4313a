package solver

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/duality-solver/duality/finite"
	"github.com/duality-solver/duality/rpfp"
)

func mustSolve(t *testing.T, g *finite.Graph, opts ...Option) (bool, *Duality) {
	t.Helper()
	d, err := New(g, opts...)
	require.NoError(t, err)
	res, err := d.Solve()
	require.NoError(t, err)
	require.Equal(t, 0, g.Session().ScopeLevel(), "backend frames must be balanced")
	return res, d
}

// checkInductive verifies that the emitted annotations are closed under
// every input edge: F applied to the child annotations stays within the
// parent annotation.
func checkInductive(t *testing.T, g *finite.Graph) {
	t.Helper()
	for _, e := range g.Edges() {
		rule, ok := e.F.(*finite.Rule)
		if !ok {
			continue
		}
		xs := finite.Universe()
		for _, c := range e.Children {
			xs.InPlaceIntersection(g.Denotation(c.Annotation.Formula()))
		}
		if len(e.Children) == 0 && rule.Base != nil {
			xs = rule.Base.Clone()
		}
		img := rule.Image(xs)
		parent := g.Denotation(e.Parent.Annotation.Formula())
		require.True(t, img.Intersection(parent).Equal(img),
			"edge %d is not inductive", e.Number)
	}
}

func TestTriviallySafeLeaf(t *testing.T) {
	g, p := leafProblem(finite.AtLeast(0))
	res, _ := mustSolve(t, g)
	require.True(t, res)

	// the annotation covers everything derivable and implies the bound
	require.True(t, p.Annotation.SubsetEq(p.Bound))
	require.True(t, p.Bound.SubsetEq(p.Annotation))
	checkInductive(t, g)
}

func TestTriviallyUnsafe(t *testing.T) {
	g, _ := leafProblem(finite.AtMost(-1))
	res, d := mustSolve(t, g)
	require.False(t, res)

	cex := d.GetCounterexample()
	defer cex.Free()
	require.NotNil(t, cex.Tree)
	require.Equal(t, "P", cex.Root.Name)
	require.NotNil(t, cex.Root.Outgoing)
	require.Len(t, cex.Root.Outgoing.Children, 0)

	// the counterexample is gone after retrieval
	require.Nil(t, d.GetCounterexample().Tree)
}

func TestLinearRecursionSafe(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	res, _ := mustSolve(t, g)
	require.True(t, res)
	require.True(t, p.Annotation.SubsetEq(p.Bound))
	checkInductive(t, g)
}

func TestLinearRecursionSafeStratifiedAgrees(t *testing.T) {
	for _, stratified := range []bool{false, true} {
		g, p := linearProblem(finite.AtLeast(0))
		var opts []Option
		if stratified {
			opts = append(opts, WithStratifiedInlining())
		}
		res, _ := mustSolve(t, g, opts...)
		require.True(t, res, "stratified=%v", stratified)
		require.True(t, p.Annotation.SubsetEq(p.Bound), "stratified=%v", stratified)
	}
}

func TestLinearRecursionBoundedUnsafe(t *testing.T) {
	g, _ := linearProblem(finite.AtMost(5))
	res, d := mustSolve(t, g, WithRecursionBound(10))
	require.False(t, res)

	cex := d.GetCounterexample()
	defer cex.Free()
	require.NotNil(t, cex.Tree)
	depth := cexDepth(cex.Root)
	require.GreaterOrEqual(t, depth, 6)
	require.LessOrEqual(t, depth, 11)
}

func TestRecursionBoundCutsOffRefutation(t *testing.T) {
	// the bound is violated only past the recursion bound, so bounded
	// verification reports safe
	g, _ := linearProblem(finite.AtMost(5))
	res, _ := mustSolve(t, g, WithRecursionBound(2))
	require.True(t, res)
}

func TestRecursionBoundCounters(t *testing.T) {
	g, _ := linearProblem(finite.AtMost(5))
	d, err := New(g, WithRecursionBound(10))
	require.NoError(t, err)
	res, err := d.Solve()
	require.NoError(t, err)
	require.False(t, res)

	// no instance path traverses a back edge more than bound+1 times: the
	// final extension may sit at the bound, never past candidates beyond it
	for _, counters := range d.backEdges {
		for _, v := range counters {
			require.LessOrEqual(t, v, 11)
		}
	}
}

func TestCoverInvariantsAfterSolve(t *testing.T) {
	g, _ := linearProblem(finite.AtLeast(0))
	d, err := New(g)
	require.NoError(t, err)
	res, err := d.Solve()
	require.NoError(t, err)
	require.True(t, res)

	for covered, info := range d.indset.cm {
		if info.coveredBy == nil || info.coveredBy == covered {
			continue // multi-witness covers mark themselves
		}
		require.Less(t, info.coveredBy.Number, covered.Number)
		require.True(t, covered.Annotation.SubsetEq(info.coveredBy.Annotation))
	}
}

func TestUnderapproxOffSameVerdict(t *testing.T) {
	cases := []struct {
		name  string
		bound *bitset.BitSet
		want  bool
	}{
		{"safe", finite.AtLeast(0), true},
		{"unsafe", finite.AtMost(5), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, under := range []bool{true, false} {
				g, _ := linearProblem(tc.bound)
				res, _ := mustSolve(t, g, WithUnderapprox(under))
				require.Equal(t, tc.want, res, "use_underapprox=%v", under)
			}
		})
	}
}

func TestEagerExpandSameVerdict(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	res, _ := mustSolve(t, g, WithEagerExpand())
	require.True(t, res)
	require.True(t, p.Annotation.SubsetEq(p.Bound))

	g2, _ := linearProblem(finite.AtMost(5))
	res, _ = mustSolve(t, g2, WithEagerExpand())
	require.False(t, res)
}

func TestNoConjStillSolves(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	res, _ := mustSolve(t, g, WithNoConj())
	require.True(t, res)
	require.True(t, p.Annotation.SubsetEq(p.Bound))
}

func TestInstantiateAllEdges(t *testing.T) {
	g, p := linearProblem(finite.AtLeast(0))
	res, _ := mustSolve(t, g, WithFeasibleEdges(false))
	require.True(t, res)
	require.True(t, p.Annotation.SubsetEq(p.Bound))
}

func TestSymmetricRelationsSafe(t *testing.T) {
	// two relations feeding each other: A(0), A(x+1) :- B(x),
	// B(x+1) :- A(x), both bounded below by zero
	g := finite.New()
	a := g.AddNode("A", finite.AtLeast(0))
	b := g.AddNode("B", finite.AtLeast(0))
	g.AddFact(a, finite.Singleton(0))
	g.AddRule(a, []*rpfp.Node{b}, 1, nil)
	g.AddRule(b, []*rpfp.Node{a}, 1, nil)

	res, _ := mustSolve(t, g)
	require.True(t, res)
	require.True(t, a.Annotation.SubsetEq(a.Bound))
	require.True(t, b.Annotation.SubsetEq(b.Bound))
	checkInductive(t, g)
}

func TestSymmetricRelationsUnsafe(t *testing.T) {
	g := finite.New()
	a := g.AddNode("A", finite.AtMost(3))
	b := g.AddNode("B", nil)
	g.AddFact(a, finite.Singleton(0))
	g.AddRule(a, []*rpfp.Node{b}, 1, nil)
	g.AddRule(b, []*rpfp.Node{a}, 1, nil)

	res, d := mustSolve(t, g)
	require.False(t, res)
	cex := d.GetCounterexample()
	defer cex.Free()
	require.Equal(t, "A", cex.Root.Name)
}

func TestReplayExpandsNoMore(t *testing.T) {
	run := func(base *bitset.BitSet, learn rpfp.Counterexample) (int, rpfp.Counterexample) {
		g := finite.New()
		p := g.AddNode("P", finite.AtMost(-1))
		g.AddFact(p, base)
		rec := &recordingReporter{}
		d, err := New(g, WithReporter(rec))
		if err != nil {
			panic(err)
		}
		if learn.Tree != nil {
			d.LearnFrom(learn)
		}
		res, err := d.Solve()
		if err != nil {
			panic(err)
		}
		if res {
			panic("expected refutation")
		}
		return rec.expands, d.GetCounterexample()
	}

	first, cex0 := run(finite.AtLeast(0), rpfp.Counterexample{})
	require.NotNil(t, cex0.Tree)

	// replay on a slightly modified but structurally identical problem
	second, cex1 := run(finite.AtLeast(1), cex0)
	defer cex1.Free()
	require.LessOrEqual(t, second, first)
}

func TestLearnFromSerializedCounterexample(t *testing.T) {
	g, _ := leafProblem(finite.AtMost(-1))
	res, d := mustSolve(t, g)
	require.False(t, res)
	cex := d.GetCounterexample()

	var buf bytes.Buffer
	require.NoError(t, rpfp.WriteCounterexample(&buf, cex))
	cex.Free()

	g2, _ := leafProblem(finite.AtMost(-1))
	restored, err := rpfp.ReadCounterexample(&buf, g2)
	require.NoError(t, err)

	d2, err := New(g2)
	require.NoError(t, err)
	d2.LearnFrom(restored)
	res2, err := d2.Solve()
	require.NoError(t, err)
	require.False(t, res2)
	cex2 := d2.GetCounterexample()
	cex2.Free()
}

func TestRepeatedSolveUsesNoMoreDecisions(t *testing.T) {
	g, _ := linearProblem(finite.AtLeast(0))
	d, err := New(g)
	require.NoError(t, err)
	start := g.Session().CumulativeDecisions()
	res, err := d.Solve()
	require.NoError(t, err)
	require.True(t, res)
	firstRun := g.Session().CumulativeDecisions() - start

	g2, _ := linearProblem(finite.AtLeast(0))
	d2, err := New(g2)
	require.NoError(t, err)
	start = g2.Session().CumulativeDecisions()
	res, err = d2.Solve()
	require.NoError(t, err)
	require.True(t, res)
	secondRun := g2.Session().CumulativeDecisions() - start

	require.Equal(t, firstRun, secondRun, "solves are deterministic")
}

// cancelingReporter cancels the solve at the first extension.
type cancelingReporter struct {
	nopReporter
	d *Duality
}

func (r *cancelingReporter) Extend(*rpfp.Node) { r.d.Cancel() }

func TestCancel(t *testing.T) {
	g, _ := linearProblem(finite.AtLeast(0))
	rec := &cancelingReporter{}
	d, err := New(g, WithReporter(rec))
	require.NoError(t, err)
	rec.d = d

	_, err = d.Solve()
	require.ErrorIs(t, err, ErrCanceled)
	require.Equal(t, 0, g.Session().ScopeLevel(), "frames unwound on cancellation")
}

func TestStreamReportEndToEnd(t *testing.T) {
	g, _ := linearProblem(finite.AtLeast(0))
	var buf bytes.Buffer
	res, _ := mustSolve(t, g, WithReport(&buf))
	require.True(t, res)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	for i, line := range lines {
		require.Regexpf(t, `^\[\d+\] (node|update|check|expand|cover|uncover|forcing|conjecture|dominates|induction failure|underapprox|reject|msg) ?`, string(line),
			"line %d: %q", i, line)
	}
}

func TestSolveTwiceFresh(t *testing.T) {
	// each solve starts fresh; a second solve reaches the same verdict
	g, p := linearProblem(finite.AtLeast(0))
	d, err := New(g)
	require.NoError(t, err)
	for range 2 {
		res, err := d.Solve()
		require.NoError(t, err)
		require.True(t, res)
		require.True(t, p.Annotation.SubsetEq(p.Bound))
	}
}

func TestInternalErrorsAreTagged(t *testing.T) {
	err := internalf("stacks out of sync")
	require.ErrorIs(t, err, ErrInternal)
	require.Contains(t, err.Error(), "stacks out of sync")
	require.False(t, errors.Is(err, ErrCanceled))
}
