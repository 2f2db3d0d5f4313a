package finite

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duality-solver/duality/rpfp"
)

// buildTree asserts a two-level derivation: root <- child <- fact{0}, where
// the child edge shifts by one.
func buildTree(t *testing.T) (g *Graph, tree *Graph, root, child *rpfp.Node) {
	t.Helper()
	g = New()
	p := g.AddNode("P", AtLeast(0))
	fact := g.AddFact(p, Singleton(0))
	rule := g.AddRule(p, []*rpfp.Node{p}, 1, nil)

	tree = g.NewGraph().(*Graph)
	root = tree.CloneNode(p)
	child = tree.CloneNode(p)
	tree.Push()
	tree.AssertNode(root)
	e := tree.CreateEdge(root, rule.F, []*rpfp.Node{child})
	tree.AssertEdge(e, 0, false, false)
	ce := tree.CreateEdge(child, fact.F, nil)
	tree.AssertEdge(ce, 0, false, false)
	return g, tree, root, child
}

func TestCheckRefuted(t *testing.T) {
	_, tree, root, _ := buildTree(t)
	defer tree.Pop(1)

	// bound x >= 0 holds of {1}
	require.Equal(t, rpfp.Unsat, tree.Check(root))
	require.True(t, tree.Empty(root))
}

func TestCheckWitness(t *testing.T) {
	_, tree, root, child := buildTree(t)
	defer tree.Pop(1)

	root.Bound.SetFormula(tree.FormulaFromSet(AtLeast(2)))
	require.Equal(t, rpfp.Sat, tree.Check(root))
	require.False(t, tree.Empty(root))
	require.False(t, tree.Empty(child))

	// witness derivation: child 0, root 1
	require.Equal(t, 0, tree.model.values[child])
	require.Equal(t, 1, tree.model.values[root])
}

func TestLeafAnnotationCutsOff(t *testing.T) {
	g := New()
	p := g.AddNode("P", AtLeast(0))

	tree := g.NewGraph().(*Graph)
	root := tree.CloneNode(p)
	tree.Push()
	defer tree.Pop(1)
	tree.AssertNode(root)

	// an unexpanded node denotes its annotation
	root.Annotation.SetFormula(tree.FormulaFromSet(Interval(-5, 5)))
	require.Equal(t, rpfp.Sat, tree.Check(root))
	root.Annotation.SetFormula(tree.FormulaFromSet(Interval(0, 5)))
	require.Equal(t, rpfp.Unsat, tree.Check(root))
}

func TestCheckWithUnderapproxLeaves(t *testing.T) {
	g := New()
	p := g.AddNode("P", AtLeast(0))

	tree := g.NewGraph().(*Graph)
	root := tree.CloneNode(p)
	tree.Push()
	defer tree.Pop(1)
	tree.AssertNode(root)

	root.Annotation.SetFormula(tree.FormulaFromSet(Universe()))
	root.Underapprox.SetFormula(tree.FormulaFromSet(Singleton(3)))

	// with the annotation the check finds a violation, with the
	// underapproximation it cannot
	require.Equal(t, rpfp.Sat, tree.Check(root))
	require.Equal(t, rpfp.Unsat, tree.Check(root, root))
}

func TestInterpolation(t *testing.T) {
	_, tree, root, child := buildTree(t)
	defer tree.Pop(1)

	require.Equal(t, rpfp.Unsat, tree.Solve(root, 1))

	// the interpolant overapproximates the exact denotation and refutes the
	// negated bound
	ann := asFormula(root.Annotation.Formula()).denotation(nil)
	require.True(t, ann.Test(bit(1)), "interpolant must contain the denotation")
	require.False(t, ann.Test(bit(-1)), "interpolant must refute the bound")

	cann := asFormula(child.Annotation.Formula()).denotation(nil)
	require.True(t, cann.Test(bit(0)))
}

func TestProofCore(t *testing.T) {
	_, tree, root, child := buildTree(t)
	defer tree.Pop(1)

	require.Equal(t, rpfp.Unsat, tree.Check(root))
	tree.ComputeProofCore()
	require.True(t, tree.EdgeUsedInProof(root.Outgoing))
	require.True(t, tree.EdgeUsedInProof(child.Outgoing))
}

func TestFixCurrentState(t *testing.T) {
	_, tree, root, _ := buildTree(t)
	defer tree.Pop(1)

	root.Bound.SetFormula(tree.FormulaFromSet(EmptySet()))
	require.Equal(t, rpfp.Sat, tree.Check(root))
	tree.Push()
	tree.FixCurrentState(root.Outgoing)

	// pinning the witness keeps the same derivation forced
	require.Equal(t, rpfp.Sat, tree.Check(root))
	require.Equal(t, 1, tree.model.values[root])
	tree.Pop(1)
}

func TestComputeUnderapprox(t *testing.T) {
	_, tree, root, child := buildTree(t)
	defer tree.Pop(1)

	root.Bound.SetFormula(tree.FormulaFromSet(EmptySet()))
	require.Equal(t, rpfp.Sat, tree.Check(root))
	tree.ComputeUnderapprox(root, 1)

	ru := asFormula(root.Underapprox.Formula()).denotation(nil)
	cu := asFormula(child.Underapprox.Formula()).denotation(nil)
	require.True(t, ru.Test(bit(1)))
	require.True(t, cu.Test(bit(0)))
}

func TestScopesDropAssertions(t *testing.T) {
	g := New()
	p := g.AddNode("P", AtLeast(0))
	fact := g.AddFact(p, Singleton(-1))

	tree := g.NewGraph().(*Graph)
	root := tree.CloneNode(p)
	tree.Push()
	tree.AssertNode(root)
	level := tree.Session().ScopeLevel()

	tree.Push()
	e := tree.CreateEdge(root, fact.F, nil)
	tree.AssertEdge(e, 0, false, false)
	require.Equal(t, rpfp.Sat, tree.Check(root))
	tree.Pop(1)
	require.Equal(t, level, tree.Session().ScopeLevel())

	// after the pop the edge is no longer asserted: root is a leaf again
	root.Annotation.SetFormula(tree.FormulaFromSet(Singleton(3)))
	require.Equal(t, rpfp.Unsat, tree.Check(root))
	tree.Pop(1)
}

func TestSessionCheck(t *testing.T) {
	g := New()
	s := g.Session()
	ctx := g.Context()
	s.Push()
	s.Add(ctx.BoolConst("m"))
	require.Equal(t, rpfp.Sat, s.Check())
	s.Add(ctx.Not(ctx.BoolConst("m")))
	require.Equal(t, rpfp.Unsat, s.Check())
	s.Pop(1)
	require.Equal(t, rpfp.Sat, s.Check())
}

func TestEvalMarkers(t *testing.T) {
	g := New()
	p := g.AddNode("P", AtLeast(0))

	tree := g.NewGraph().(*Graph)
	root := tree.CloneNode(p)
	tree.Push()
	defer tree.Pop(1)
	tree.AssertNode(root)
	lb := tree.CreateLowerBoundEdge(root)
	tree.AssertEdge(lb, 0, false, false)

	ctx := tree.Context()
	m := ctx.BoolConst("@m_1")
	ann := ctx.And(ctx.Or(ctx.Not(m), tree.FormulaFromSet(Singleton(-3))), m)
	root.Annotation.SetFormula(ann)

	require.Equal(t, rpfp.Sat, tree.Check(root))
	require.True(t, ctx.Eq(tree.Eval(lb, m), ctx.BoolVal(true)))
	require.Equal(t, -3, tree.model.values[root])
}

func TestCounterexampleRoundTrip(t *testing.T) {
	g, tree, root, child := buildTree(t)

	root.Bound.SetFormula(tree.FormulaFromSet(AtLeast(2)))
	require.Equal(t, rpfp.Sat, tree.Check(root))
	tree.Pop(1)

	var buf bytes.Buffer
	cex := rpfp.Counterexample{Tree: tree, Root: root}
	require.NoError(t, rpfp.WriteCounterexample(&buf, cex))

	got, err := rpfp.ReadCounterexample(&buf, g)
	require.NoError(t, err)
	defer got.Free()

	require.Equal(t, "P", got.Root.Name)
	require.Equal(t, root.Number, got.Root.Number)
	require.NotNil(t, got.Root.Outgoing)
	require.Len(t, got.Root.Outgoing.Children, 1)
	gc := got.Root.Outgoing.Children[0]
	require.Equal(t, child.Number, gc.Number)
	require.NotNil(t, gc.Outgoing)
	require.Len(t, gc.Outgoing.Children, 0)

	// the witness survives the round trip
	gt := got.Tree.(*Graph)
	require.False(t, got.Tree.Empty(got.Root))
	require.Equal(t, 1, gt.model.values[got.Root])
	require.Equal(t, 0, gt.model.values[gc])
}

func TestReadCounterexampleRejectsGarbage(t *testing.T) {
	g := New()
	_, err := rpfp.ReadCounterexample(bytes.NewReader([]byte("not cbor")), g)
	require.ErrorIs(t, err, rpfp.ErrInvalidEnvelope)
}
