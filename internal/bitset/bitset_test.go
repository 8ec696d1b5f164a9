package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_SetClearTest(t *testing.T) {
	s := New(130)
	require.True(t, s.Empty())

	s.SetBit(0)
	s.SetBit(63)
	s.SetBit(64)
	s.SetBit(129)
	require.False(t, s.Empty())
	require.True(t, s.Test(0))
	require.True(t, s.Test(63))
	require.True(t, s.Test(64))
	require.True(t, s.Test(129))
	require.False(t, s.Test(1))

	s.Clear(64)
	require.False(t, s.Test(64))
}

func TestSet_ForEachSetClearsAsItGoes(t *testing.T) {
	s := New(8)
	for _, n := range []int{1, 3, 5, 7} {
		s.SetBit(n)
	}

	var seen []int
	s.ForEachSet(func(node int) bool {
		seen = append(seen, node)
		return true
	})

	require.Equal(t, []int{1, 3, 5, 7}, seen)
	require.True(t, s.Empty(), "ForEachSet must clear bits as it visits them")
}

func TestSet_ForEachSetEarlyStop(t *testing.T) {
	s := New(8)
	s.SetBit(2)
	s.SetBit(4)
	s.SetBit(6)

	var seen []int
	s.ForEachSet(func(node int) bool {
		seen = append(seen, node)
		return false
	})

	require.Equal(t, []int{2}, seen)
	require.True(t, s.Test(4))
	require.True(t, s.Test(6))
}

func TestSet_Zero(t *testing.T) {
	s := New(70)
	s.SetBit(3)
	s.SetBit(68)
	s.Zero()
	require.True(t, s.Empty())
}
