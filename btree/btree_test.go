package btree

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/mem"
	"github.com/dacapoday/pdata/spacemap"
	"github.com/dacapoday/pdata/txn"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func newInfo(t *testing.T, levels, maxEntries int) *Info {
	t.Helper()
	device := mem.New(4096 * testBlockSize)
	bm, err := block.NewManager(device, block.Options{BlockSize: testBlockSize, CacheSize: 32})
	require.NoError(t, err)
	sm := spacemap.New(bm.NrBlocks())
	require.NoError(t, sm.Inc(0))
	sm.Commit()

	info := &Info{
		TM:         txn.New(bm, sm, nil),
		Levels:     levels,
		ValueType:  Le64Type,
		MaxEntries: maxEntries,
	}
	require.NoError(t, info.Validate())
	return info
}

func commit(t *testing.T, info *Info) {
	t.Helper()
	super, err := info.TM.BlockManager().WriteLock(context.Background(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, info.TM.Commit(context.Background(), super))
}

func val(k uint64) []byte {
	return le64Bytes(k * 10)
}

func insert(t *testing.T, info *Info, root BlockID, keys ...uint64) BlockID {
	t.Helper()
	root, _, err := info.Insert(context.Background(), root, keys, val(keys[len(keys)-1]))
	require.NoError(t, err)
	return root
}

func requireValue(t *testing.T, info *Info, root BlockID, keys ...uint64) {
	t.Helper()
	value, err := info.Lookup(context.Background(), root, keys)
	require.NoError(t, err, "keys %v", keys)
	require.Equal(t, val(keys[len(keys)-1]), value, "keys %v", keys)
}

// requireRefCounts checks that the reference count of every block of the
// tree matches the references found by walking it, and that nothing else
// but the superblock is allocated.
func requireRefCounts(t *testing.T, info *Info, roots ...BlockID) {
	t.Helper()
	refs := make(map[BlockID]uint32)
	seen := make(map[BlockID]struct{})
	for _, root := range roots {
		require.NoError(t, info.visit(context.Background(), root, 0, seen, func(b BlockID) error {
			refs[b]++
			return nil
		}))
	}
	for b, want := range refs {
		count, err := info.TM.RefCount(b)
		require.NoError(t, err)
		require.Equal(t, want, count, "block %d", b)
	}
	require.EqualValues(t, len(refs)+1, info.TM.SpaceMap().NrAllocated())
}

func TestNodeCodec(t *testing.T) {
	n := newNode(leafNode, 4, 8)
	n.insertAt(0, 20, le64Bytes(200))
	n.insertAt(0, 10, le64Bytes(100))
	n.insertAt(2, 30, le64Bytes(300))
	require.Equal(t, []uint64{10, 20, 30}, n.keys)
	require.Panics(t, func() { n.insertAt(5, 40, le64Bytes(400)) })
	require.Panics(t, func() { n.insertAt(0, 40, []byte{1}) })

	data := make([]byte, testBlockSize)
	n.encode(data)
	validator.PrepareForWrite(7, data)
	require.NoError(t, validator.Check(7, data))
	require.ErrorIs(t, validator.Check(8, data), pdata.ErrBadBlockNumber)

	decoded, err := decodeNode(data)
	require.NoError(t, err)
	require.Equal(t, n.keys, decoded.keys)
	require.Equal(t, n.values, decoded.values)
	require.Equal(t, 4, decoded.max)
	require.True(t, decoded.isLeaf())
	require.Equal(t, 1, decoded.lowerBound(25))
	require.Equal(t, -1, decoded.lowerBound(5))
	require.Equal(t, 2, decoded.lowerBound(99))

	data[100] ^= 1
	require.ErrorIs(t, validator.Check(7, data), pdata.ErrBadChecksum)

	clear(data)
	_, err = decodeNode(data)
	require.ErrorIs(t, err, pdata.ErrBadNode)
}

func TestShift(t *testing.T) {
	left := newNode(leafNode, 6, 8)
	right := newNode(leafNode, 6, 8)
	for k := range uint64(5) {
		left.insertAt(left.nr(), k, val(k))
	}
	right.insertAt(0, 9, val(9))

	shift(&left, &right, 2)
	require.Equal(t, []uint64{0, 1, 2}, left.keys)
	require.Equal(t, []uint64{3, 4, 9}, right.keys)
	require.Equal(t, val(3), right.value(0))

	shift(&left, &right, -3)
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 9}, left.keys)
	require.Empty(t, right.keys)
	require.Equal(t, val(9), left.value(5))

	require.Panics(t, func() { shift(&left, &right, -1) })
	other := newNode(leafNode, 3, 8)
	require.Panics(t, func() { shift(&left, &other, 1) })
}

func TestThresholds(t *testing.T) {
	require.Equal(t, 1, delThreshold(4))
	require.Equal(t, 3, mergeThreshold(4))
	require.Equal(t, 252, calcMaxEntries(8, 4096))
	require.Equal(t, 30, calcMaxEntries(8, testBlockSize))
}

func TestValidate(t *testing.T) {
	info := newInfo(t, 1, 0)
	info.MaxEntries = 2
	require.Error(t, info.Validate())
	info.MaxEntries = 0
	info.ValueType.Size = testBlockSize
	require.Error(t, info.Validate())
	info.ValueType.Size = 8
	info.Levels = 0
	require.Error(t, info.Validate())
}

func TestRemoveSmallNodes(t *testing.T) {
	ctx := context.Background()
	info := newInfo(t, 1, 4)

	root, err := info.Empty(ctx)
	require.NoError(t, err)
	for k := uint64(1); k <= 9; k++ {
		root = insert(t, info, root, k)
	}
	stats, err := info.Check(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 9, stats.Entries)
	require.GreaterOrEqual(t, stats.Depth, 2)

	root, err = info.Remove(ctx, root, []uint64{5})
	require.NoError(t, err)

	_, err = info.Lookup(ctx, root, []uint64{5})
	require.ErrorIs(t, err, pdata.ErrNotFound)
	for k := uint64(1); k <= 9; k++ {
		if k != 5 {
			requireValue(t, info, root, k)
		}
	}
	stats, err = info.Check(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 8, stats.Entries)
	requireRefCounts(t, info, root)
}

func TestRoundTrip(t *testing.T) {
	const n = 300
	ascending := make([]uint64, n)
	for i := range ascending {
		ascending[i] = uint64(i) * 3
	}
	descending := slices.Clone(ascending)
	slices.Reverse(descending)

	orders := map[string][]uint64{"ascending": ascending, "descending": descending}
	for _, max := range []int{4, 6, 0} {
		for insertName, insertOrder := range orders {
			for removeName, removeOrder := range orders {
				t.Run(fmt.Sprintf("max=%d/%s/%s", max, insertName, removeName), func(t *testing.T) {
					ctx := context.Background()
					info := newInfo(t, 1, max)

					start, err := info.Empty(ctx)
					require.NoError(t, err)
					root := start
					for _, k := range insertOrder {
						root = insert(t, info, root, k)
					}
					stats, err := info.Check(ctx, root)
					require.NoError(t, err)
					require.Equal(t, n, stats.Entries)

					for i, k := range removeOrder {
						root, err = info.Remove(ctx, root, []uint64{k})
						require.NoError(t, err)
						if left := n - i - 1; left > 1 {
							stats, err = info.Check(ctx, root)
							require.NoError(t, err)
							require.Equal(t, left, stats.Entries)
						}
					}

					require.Equal(t, start, root)
					require.NoError(t, info.Walk(ctx, root, func([]uint64, []byte) error {
						return errors.New("tree not empty")
					}))
					requireRefCounts(t, info, root)
				})
			}
		}
	}
}

func TestRandomOccupancy(t *testing.T) {
	for _, max := range []int{4, 6, 9, 0} {
		t.Run(fmt.Sprint(max), func(t *testing.T) {
			ctx := context.Background()
			info := newInfo(t, 1, max)
			rng := rand.New(rand.NewPCG(uint64(max), 7))

			root, err := info.Empty(ctx)
			require.NoError(t, err)
			want := make(map[uint64]bool)
			for range 400 {
				k := rng.Uint64N(1000)
				var inserted bool
				root, inserted, err = info.Insert(ctx, root, []uint64{k}, val(k))
				require.NoError(t, err)
				require.Equal(t, !want[k], inserted)
				want[k] = true
			}

			keys := slices.Sorted(maps.Keys(want))
			rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
			for i, k := range keys {
				root, err = info.Remove(ctx, root, []uint64{k})
				require.NoError(t, err)
				delete(want, k)
				if len(want) <= 1 {
					continue
				}
				stats, err := info.Check(ctx, root)
				require.NoError(t, err)
				require.Equal(t, len(want), stats.Entries)

				if i%50 == 0 {
					var got []uint64
					require.NoError(t, info.Walk(ctx, root, func(keys []uint64, value []byte) error {
						require.Equal(t, val(keys[0]), value)
						got = append(got, keys[0])
						return nil
					}))
					require.Equal(t, slices.Sorted(maps.Keys(want)), got)
				}
			}
			requireRefCounts(t, info, root)
		})
	}
}

func TestRemoveMissingKey(t *testing.T) {
	ctx := context.Background()
	info := newInfo(t, 1, 4)

	root, err := info.Empty(ctx)
	require.NoError(t, err)
	for k := uint64(1); k <= 40; k++ {
		root = insert(t, info, root, k*2)
	}
	commit(t, info)

	_, err = info.Remove(ctx, root, []uint64{15})
	require.ErrorIs(t, err, pdata.ErrNotFound)
	info.TM.Abort()
	_, err = info.Remove(ctx, root, []uint64{0})
	require.ErrorIs(t, err, pdata.ErrNotFound)
	info.TM.Abort()

	for k := uint64(1); k <= 40; k++ {
		requireValue(t, info, root, k*2)
	}
	stats, err := info.Check(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 40, stats.Entries)
	requireRefCounts(t, info, root)
}

func TestCommittedTreeIsCopied(t *testing.T) {
	ctx := context.Background()
	info := newInfo(t, 1, 4)

	root, err := info.Empty(ctx)
	require.NoError(t, err)
	for k := uint64(1); k <= 50; k++ {
		root = insert(t, info, root, k)
	}
	commit(t, info)

	// keep a second reference to the committed tree
	snapshot := root
	require.NoError(t, info.TM.Inc(snapshot))

	for k := uint64(1); k <= 50; k += 2 {
		root, err = info.Remove(ctx, root, []uint64{k})
		require.NoError(t, err)
	}
	root = insert(t, info, root, 100)
	require.NotEqual(t, snapshot, root)

	stats, err := info.Check(ctx, snapshot)
	require.NoError(t, err)
	require.Equal(t, 50, stats.Entries)
	for k := uint64(1); k <= 50; k++ {
		requireValue(t, info, snapshot, k)
	}
	stats, err = info.Check(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 26, stats.Entries)
	requireRefCounts(t, info, root, snapshot)

	require.NoError(t, info.Del(ctx, snapshot))
	requireRefCounts(t, info, root)
	requireValue(t, info, root, 100)
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	info := newInfo(t, 1, 0)
	var released []uint64
	info.ValueType = ValueType{
		Size: 8,
		Dec: func(value []byte) error {
			released = append(released, le64(value))
			return nil
		},
		Equal: bytes.Equal,
	}

	root, err := info.Empty(ctx)
	require.NoError(t, err)
	root, inserted, err := info.Insert(ctx, root, []uint64{1}, le64Bytes(10))
	require.NoError(t, err)
	require.True(t, inserted)

	root, inserted, err = info.Insert(ctx, root, []uint64{1}, le64Bytes(10))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Empty(t, released)

	root, _, err = info.Insert(ctx, root, []uint64{1}, le64Bytes(11))
	require.NoError(t, err)
	require.Equal(t, []uint64{10}, released)

	value, err := info.Lookup(ctx, root, []uint64{1})
	require.NoError(t, err)
	require.Equal(t, le64Bytes(11), value)

	_, err = info.Remove(ctx, root, []uint64{1})
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 11}, released)

	_, _, err = info.Insert(ctx, root, []uint64{1}, []byte{1})
	require.Error(t, err)
	_, err = info.Lookup(ctx, root, []uint64{1, 2})
	require.Error(t, err)
}

func TestMultiLevel(t *testing.T) {
	ctx := context.Background()
	info := newInfo(t, 2, 4)

	root, err := info.Empty(ctx)
	require.NoError(t, err)
	for a := uint64(1); a <= 5; a++ {
		for b := uint64(12); b >= 1; b-- {
			root = insert(t, info, root, a, b)
		}
	}
	requireValue(t, info, root, 3, 7)
	_, err = info.Lookup(ctx, root, []uint64{6, 1})
	require.ErrorIs(t, err, pdata.ErrNotFound)

	var got [][2]uint64
	require.NoError(t, info.Walk(ctx, root, func(keys []uint64, value []byte) error {
		require.Equal(t, val(keys[1]), value)
		got = append(got, [2]uint64{keys[0], keys[1]})
		return nil
	}))
	require.Len(t, got, 60)
	require.Equal(t, [2]uint64{1, 1}, got[0])
	require.Equal(t, [2]uint64{5, 12}, got[59])
	require.True(t, slices.IsSortedFunc(got, func(x, y [2]uint64) int {
		if x[0] != y[0] {
			return int(x[0]) - int(y[0])
		}
		return int(x[1]) - int(y[1])
	}))

	root, err = info.Remove(ctx, root, []uint64{3, 7})
	require.NoError(t, err)
	_, err = info.Lookup(ctx, root, []uint64{3, 7})
	require.ErrorIs(t, err, pdata.ErrNotFound)
	requireValue(t, info, root, 3, 8)
	_, err = info.Remove(ctx, root, []uint64{9, 1})
	require.ErrorIs(t, err, pdata.ErrNotFound)

	stats, err := info.Check(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 59, stats.Entries)
	requireRefCounts(t, info, root)

	require.NoError(t, info.Del(ctx, root))
	require.EqualValues(t, 1, info.TM.SpaceMap().NrAllocated())
}

func TestWalkInterrupted(t *testing.T) {
	info := newInfo(t, 1, 0)
	root, err := info.Empty(context.Background())
	require.NoError(t, err)
	root = insert(t, info, root, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = info.Walk(ctx, root, func([]uint64, []byte) error { return nil })
	require.True(t, errors.Is(err, pdata.ErrInterrupted))

	stop := errors.New("stop")
	err = info.Walk(context.Background(), root, func([]uint64, []byte) error { return stop })
	require.ErrorIs(t, err, stop)
}
