package atom

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func TestRefClosed(t *testing.T) {
	var ref Ref[int]
	require.ErrorIs(t, ref.View(func(int) error { return nil }), pdata.ErrClosed)
	require.ErrorIs(t, ref.Swap(func(v int) (int, error) { return v, nil }), pdata.ErrClosed)

	ref.Load(1)
	var closed int
	require.NoError(t, ref.Close(func(v int) error { closed = v; return nil }))
	require.Equal(t, 1, closed)
	require.ErrorIs(t, ref.Close(nil), pdata.ErrClosed)
}

func TestRefSwap(t *testing.T) {
	var ref Ref[int]
	ref.Load(1)

	boom := errors.New("boom")
	require.ErrorIs(t, ref.Swap(func(v int) (int, error) { return v + 1, boom }), boom)
	require.NoError(t, ref.View(func(v int) error {
		require.Equal(t, 1, v)
		return nil
	}))

	require.NoError(t, ref.Swap(func(v int) (int, error) { return v + 1, nil }))
	require.NoError(t, ref.View(func(v int) error {
		require.Equal(t, 2, v)
		return nil
	}))
}

func TestRefConcurrent(t *testing.T) {
	var ref Ref[int]
	ref.Load(0)

	var reads atomic.Int64
	var wg conc.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 100 {
				require.NoError(t, ref.Swap(func(v int) (int, error) { return v + 1, nil }))
			}
		})
		wg.Go(func() {
			last := -1
			for range 100 {
				require.NoError(t, ref.View(func(v int) error {
					require.GreaterOrEqual(t, v, last)
					last = v
					return nil
				}))
				reads.Add(1)
			}
		})
	}
	wg.Wait()

	require.EqualValues(t, 400, reads.Load())
	require.NoError(t, ref.View(func(v int) error {
		require.Equal(t, 400, v)
		return nil
	}))
}
