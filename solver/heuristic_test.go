package solver

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/duality-solver/duality/rpfp"
)

func TestBaseName(t *testing.T) {
	require.Equal(t, "P", baseName("P"))
	require.Equal(t, "P", baseName("P@@1"))
	require.Equal(t, "loop", baseName("loop@@body@@2"))
	// a leading marker is not a suffix
	require.Equal(t, "@@x", baseName("@@x"))
}

func TestScoreHeuristicCutoff(t *testing.T) {
	h := newScoreHeuristic()
	inputs := make([]*rpfp.Node, 3)
	insts := make([]*rpfp.Node, 3)
	for i := range inputs {
		inputs[i] = &rpfp.Node{Number: i + 1}
		insts[i] = &rpfp.Node{Number: 10 + i, Map: inputs[i]}
	}
	// scores: 0, 2, 4
	for range 2 {
		h.update(insts[1])
	}
	for range 4 {
		h.update(insts[2])
	}

	choices := make(nodeSet)
	for _, n := range insts {
		choices.Add(n)
	}

	// cutoff = lo + (hi-lo)/2 = 2
	best, err := h.chooseExpand(choices, false, false)
	require.NoError(t, err)
	require.True(t, best.Has(insts[0]))
	require.True(t, best.Has(insts[1]))
	require.False(t, best.Has(insts[2]))

	// bestOnly: cutoff = lo
	best, err = h.chooseExpand(choices, false, true)
	require.NoError(t, err)
	require.True(t, best.Has(insts[0]))
	require.False(t, best.Has(insts[1]))

	// the default heuristic ignores high-priority rounds
	best, err = h.chooseExpand(choices, true, false)
	require.NoError(t, err)
	require.Empty(t, best)
}

func TestScoreHeuristicProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chooseExpand selects a non-empty subset", prop.ForAll(
		func(scores []int, bestOnly bool) bool {
			if len(scores) == 0 {
				return true
			}
			h := newScoreHeuristic()
			choices := make(nodeSet)
			for i, s := range scores {
				in := &rpfp.Node{Number: i + 1}
				inst := &rpfp.Node{Number: 100 + i, Map: in}
				for range s {
					h.update(inst)
				}
				choices.Add(inst)
			}
			best, err := h.chooseExpand(choices, false, bestOnly)
			if err != nil || len(best) == 0 {
				return false
			}
			lo, hi := scores[0], scores[0]
			for _, s := range scores {
				lo, hi = min(lo, s), max(hi, s)
			}
			cutoff := lo + (hi-lo)/2
			if bestOnly {
				cutoff = lo
			}
			for n := range best {
				if !choices.Has(n) || h.updates[origin(n)] > cutoff {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestOrigin(t *testing.T) {
	input := &rpfp.Node{Number: 1}
	unw := &rpfp.Node{Number: 2, Map: input}
	tree := &rpfp.Node{Number: 3, Map: unw}
	require.Same(t, input, origin(tree))
	require.Same(t, input, origin(unw))
	require.Same(t, input, origin(input))
}

func TestLocalHeuristicFallsBackWithoutOldNode(t *testing.T) {
	h := newLocalHeuristic()
	in := &rpfp.Node{Number: 1}
	inst := &rpfp.Node{Number: 2, Map: in}
	choices := nodeSet{inst: struct{}{}}
	best, err := h.chooseExpand(choices, false, false)
	require.NoError(t, err)
	require.True(t, best.Has(inst))
}
