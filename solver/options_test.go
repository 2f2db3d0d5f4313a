package solver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	require.True(t, cfg.FeasibleEdges)
	require.True(t, cfg.UseUnderapprox)
	require.True(t, cfg.UnderapproxNodes)
	require.False(t, cfg.FullExpand)
	require.False(t, cfg.NoConj)
	require.False(t, cfg.StratifiedInlining)
	require.Equal(t, -1, cfg.RecursionBound)
}

func TestOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithFullExpand(),
		WithNoConj(),
		WithFeasibleEdges(false),
		WithStratifiedInlining(),
		WithRecursionBound(7),
		WithEagerExpand(),
	)
	require.NoError(t, err)
	require.True(t, cfg.FullExpand)
	require.True(t, cfg.NoConj)
	require.False(t, cfg.FeasibleEdges)
	require.True(t, cfg.StratifiedInlining)
	require.Equal(t, 7, cfg.RecursionBound)
	require.True(t, cfg.EagerExpand)
}

func TestWithUnderapproxOffDisablesUnderapproxNodes(t *testing.T) {
	cfg, err := NewConfig(WithUnderapprox(false))
	require.NoError(t, err)
	require.False(t, cfg.UseUnderapprox)
	require.False(t, cfg.UnderapproxNodes)
}

func TestSetOption(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	require.NoError(t, cfg.SetOption("full_expand", "1"))
	require.True(t, cfg.FullExpand)
	require.NoError(t, cfg.SetOption("full_expand", "0"))
	require.False(t, cfg.FullExpand)

	require.NoError(t, cfg.SetOption("no_conj", "1"))
	require.True(t, cfg.NoConj)
	require.NoError(t, cfg.SetOption("feasible_edges", "0"))
	require.False(t, cfg.FeasibleEdges)
	require.NoError(t, cfg.SetOption("report", "1"))
	require.True(t, cfg.Report)
	require.NoError(t, cfg.SetOption("stratified_inlining", "1"))
	require.True(t, cfg.StratifiedInlining)

	require.NoError(t, cfg.SetOption("recursion_bound", "12"))
	require.Equal(t, 12, cfg.RecursionBound)
	require.NoError(t, cfg.SetOption("recursion_bound", "-1"))
	require.Equal(t, -1, cfg.RecursionBound)

	require.NoError(t, cfg.SetOption("use_underapprox", "0"))
	require.False(t, cfg.UseUnderapprox)
	require.False(t, cfg.UnderapproxNodes)

	require.Error(t, cfg.SetOption("full_expand", "yes"))
	require.Error(t, cfg.SetOption("recursion_bound", "many"))
	require.Error(t, cfg.SetOption("no_such_option", "1"))
}
