package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/mem"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DeviceFile, cfg.Device.Kind)
	require.Equal(t, "pdata.img", cfg.Device.Path)
	require.EqualValues(t, 64<<20, cfg.Device.Size)
	require.Equal(t, block.DefaultBlockSize, cfg.Cache.BlockSize)
	require.Equal(t, block.DefaultCacheSize, cfg.Cache.Size)
	require.Equal(t, 1, cfg.Tree.Levels)
	require.Equal(t, 8, cfg.Tree.ValueSize)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, ":3000", cfg.Server.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  kind: mem
  size: 1048576
cache:
  block_size: 512
  size: 64
tree:
  levels: 2
  value_size: 16
  max_entries: 9
log:
  level: debug
  development: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DeviceMem, cfg.Device.Kind)
	require.EqualValues(t, 1<<20, cfg.Device.Size)

	store := cfg.Store(nil)
	require.Equal(t, 512, store.BlockSize)
	require.Equal(t, 64, store.CacheSize)
	require.Equal(t, 2, store.Levels)
	require.Equal(t, 16, store.ValueSize)
	require.Equal(t, 9, store.MaxEntries)

	device, err := cfg.OpenDevice()
	require.NoError(t, err)
	require.IsType(t, &mem.Device{}, device)
	require.EqualValues(t, 1<<20, device.Size())

	logger, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestLoadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PDATA_DEVICE_KIND", "pebble")
	t.Setenv("PDATA_DEVICE_PATH", "blocks")
	t.Setenv("PDATA_CACHE_SIZE", "32")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DevicePebble, cfg.Device.Kind)
	require.Equal(t, "blocks", cfg.Device.Path)
	require.Equal(t, 32, cfg.Cache.Size)
}

func TestLoadInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("PDATA_DEVICE_KIND", "tape")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("PDATA_DEVICE_KIND", "mem")
	t.Setenv("PDATA_LOG_LEVEL", "loud")
	_, err = Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
