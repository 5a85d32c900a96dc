package spacemap

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/stretchr/testify/require"
)

func TestNewBlock(t *testing.T) {
	sm := New(4)
	seen := map[BlockID]bool{}
	for range 4 {
		b, err := sm.NewBlock()
		require.NoError(t, err)
		require.False(t, seen[b])
		seen[b] = true
		count, err := sm.Count(b)
		require.NoError(t, err)
		require.EqualValues(t, 1, count)
	}
	require.EqualValues(t, 4, sm.NrAllocated())
	require.Zero(t, sm.NrFree())

	_, err := sm.NewBlock()
	require.ErrorIs(t, err, pdata.ErrNoSpace)
}

func TestIncDec(t *testing.T) {
	sm := New(8)
	require.NoError(t, sm.Inc(3))
	require.NoError(t, sm.Inc(3))
	shared, err := sm.CountIsMoreThanOne(3)
	require.NoError(t, err)
	require.True(t, shared)
	require.EqualValues(t, 1, sm.NrAllocated())

	require.NoError(t, sm.Dec(3))
	shared, err = sm.CountIsMoreThanOne(3)
	require.NoError(t, err)
	require.False(t, shared)
	require.NoError(t, sm.Dec(3))
	require.Zero(t, sm.NrAllocated())

	err = sm.Dec(3)
	require.Error(t, err)
	require.True(t, errors.IsAssertionFailure(err))

	require.ErrorIs(t, sm.Inc(8), pdata.ErrOutOfRange)
	_, err = sm.Count(9)
	require.ErrorIs(t, err, pdata.ErrOutOfRange)
}

func TestFreedBlocksNotReusedBeforeCommit(t *testing.T) {
	sm := New(2)
	a, err := sm.NewBlock()
	require.NoError(t, err)
	sm.Commit()

	require.NoError(t, sm.Dec(a))
	b, err := sm.NewBlock()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	_, err = sm.NewBlock()
	require.ErrorIs(t, err, pdata.ErrNoSpace)

	sm.Commit()
	c, err := sm.NewBlock()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestRollback(t *testing.T) {
	sm := New(8)
	a, err := sm.NewBlock()
	require.NoError(t, err)
	sm.Commit()

	_, err = sm.NewBlock()
	require.NoError(t, err)
	require.NoError(t, sm.Inc(a))
	require.EqualValues(t, 2, sm.NrAllocated())

	sm.Rollback()
	require.EqualValues(t, 1, sm.NrAllocated())
	count, err := sm.Count(a)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestExtend(t *testing.T) {
	sm := New(1)
	_, err := sm.NewBlock()
	require.NoError(t, err)
	_, err = sm.NewBlock()
	require.ErrorIs(t, err, pdata.ErrNoSpace)

	sm.Extend(3)
	require.EqualValues(t, 4, sm.NrBlocks())
	require.EqualValues(t, 3, sm.NrFree())
	b, err := sm.NewBlock()
	require.NoError(t, err)
	require.GreaterOrEqual(t, b, BlockID(1))
}
