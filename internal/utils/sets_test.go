package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet(1, 2, 2)
	require.Len(t, s, 2)
	require.True(t, s.Has(1))
	require.False(t, s.Has(3))
	s.Add(3)
	require.True(t, s.Has(3))
	s.Remove(1)
	require.False(t, s.Has(1))
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(v int) int { return v * v })
	require.Equal(t, []int{1, 4, 9}, got)
}
