package txn

import (
	"context"
	"testing"

	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/mem"
	"github.com/dacapoday/pdata/spacemap"
	"github.com/stretchr/testify/require"
)

const blockSize = 4096

var validator = &block.CRC32{Label: "txn-test", Xor: 7}

func newTM(t *testing.T) (*Manager, *mem.Device) {
	t.Helper()
	device := mem.New(32 * blockSize)
	bm, err := block.NewManager(device, block.Options{BlockSize: blockSize, CacheSize: 8})
	require.NoError(t, err)
	sm := spacemap.New(bm.NrBlocks())
	require.NoError(t, sm.Inc(0))
	sm.Commit()
	return New(bm, sm, nil), device
}

func commit(t *testing.T, tm *Manager) {
	t.Helper()
	super, err := tm.BlockManager().WriteLock(context.Background(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, tm.Commit(context.Background(), super))
}

func TestNewBlock(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTM(t)

	blk, err := tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	require.NotZero(t, blk.Where())
	require.Equal(t, make([]byte, blockSize), blk.Data())
	count, err := tm.RefCount(blk.Where())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	tm.Unlock(blk)
	require.EqualValues(t, 4096, tm.BlockSize())
}

func TestShadowInPlace(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTM(t)

	blk, err := tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	where := blk.Where()
	blk.Data()[100] = 1
	tm.Unlock(blk)

	shadow, inc, err := tm.Shadow(ctx, where, validator)
	require.NoError(t, err)
	require.False(t, inc)
	require.Equal(t, where, shadow.Where())
	require.EqualValues(t, 1, shadow.Data()[100])
	tm.Unlock(shadow)
}

func TestShadowCopiesCommitted(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTM(t)

	blk, err := tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	orig := blk.Where()
	blk.Data()[100] = 9
	tm.Unlock(blk)
	commit(t, tm)

	shadow, inc, err := tm.Shadow(ctx, orig, validator)
	require.NoError(t, err)
	require.False(t, inc)
	require.NotEqual(t, orig, shadow.Where())
	require.EqualValues(t, 9, shadow.Data()[100])
	copied := shadow.Where()
	tm.Unlock(shadow)

	count, err := tm.RefCount(orig)
	require.NoError(t, err)
	require.Zero(t, count)
	count, err = tm.RefCount(copied)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// the original stays readable until the next commit
	old, err := tm.ReadLock(ctx, orig, validator)
	require.NoError(t, err)
	require.EqualValues(t, 9, old.Data()[100])
	tm.Unlock(old)

	again, inc, err := tm.Shadow(ctx, copied, validator)
	require.NoError(t, err)
	require.False(t, inc)
	require.Equal(t, copied, again.Where())
	tm.Unlock(again)
}

func TestShadowShared(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTM(t)

	blk, err := tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	orig := blk.Where()
	tm.Unlock(blk)
	require.NoError(t, tm.Inc(orig))

	shadow, inc, err := tm.Shadow(ctx, orig, validator)
	require.NoError(t, err)
	require.True(t, inc)
	require.NotEqual(t, orig, shadow.Where())
	tm.Unlock(shadow)

	count, err := tm.RefCount(orig)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestShadowFreeBlockFails(t *testing.T) {
	tm, _ := newTM(t)
	_, _, err := tm.Shadow(context.Background(), 5, validator)
	require.Error(t, err)
}

func TestCommitOrdering(t *testing.T) {
	ctx := context.Background()
	tm, device := newTM(t)

	var blocks []BlockID
	for range 3 {
		blk, err := tm.NewBlock(ctx, validator)
		require.NoError(t, err)
		blocks = append(blocks, blk.Where())
		tm.Unlock(blk)
	}
	commit(t, tm)

	journal := device.Journal()
	require.Len(t, journal, 4)
	require.Equal(t, mem.Write{Off: 0, Flags: pdata.Preflush | pdata.FUA}, journal[3])
	for _, b := range blocks {
		require.NotNil(t, device.Bytes(int64(b)*blockSize))
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTM(t)
	before := tm.SpaceMap().NrAllocated()

	blk, err := tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	where := blk.Where()
	tm.Unlock(blk)
	require.Equal(t, before+1, tm.SpaceMap().NrAllocated())

	tm.Abort()
	require.Equal(t, before, tm.SpaceMap().NrAllocated())
	count, err := tm.RefCount(where)
	require.NoError(t, err)
	require.Zero(t, count)

	// no longer a shadow: reallocated and zeroed
	blk, err = tm.NewBlock(ctx, validator)
	require.NoError(t, err)
	require.Equal(t, make([]byte, blockSize), blk.Data())
	tm.Unlock(blk)
}
