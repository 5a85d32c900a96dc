package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	device := []string{"--device", filepath.Join(dir, "store.img"), "--size", "1048576", "--log-level", "error"}
	with := func(args ...string) []string {
		return append(args, device...)
	}

	out, err := run(t, with("format")...)
	require.NoError(t, err)
	require.Contains(t, out, "formatted")

	_, err = run(t, with("set", "7", "0700000000000000")...)
	require.NoError(t, err)
	_, err = run(t, with("set", "3", "0300000000000000")...)
	require.NoError(t, err)

	out, err = run(t, with("get", "7")...)
	require.NoError(t, err)
	require.Equal(t, "0700000000000000\n", out)

	out, err = run(t, with("dump")...)
	require.NoError(t, err)
	require.Equal(t, "3: 0300000000000000\n7: 0700000000000000\n", out)
	out, err = run(t, with("dump", "-n", "1")...)
	require.NoError(t, err)
	require.Equal(t, "3: 0300000000000000\n", out)

	_, err = run(t, with("del", "7")...)
	require.NoError(t, err)
	_, err = run(t, with("get", "7")...)
	require.True(t, errors.Is(err, pdata.ErrNotFound))

	_, err = run(t, with("get", "x")...)
	require.Error(t, err)
	_, err = run(t, with("set", "1", "zz")...)
	require.Error(t, err)

	out, err = run(t, with("stress", "-w", "4", "-n", "50", "--keys", "40")...)
	require.NoError(t, err)
	require.Contains(t, out, "writes")

	out, err = run(t, with("check")...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "ok: "), out)
}

func TestMemDevice(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := run(t, "stress", "--kind", "mem", "--size", "1048576", "-w", "2", "-n", "20", "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "entries")
}

func TestKeys(t *testing.T) {
	keys, err := parseKeys("1, 2,3")
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, keys)
	require.Equal(t, "1,2,3", formatKeys(keys))
	_, err = parseKeys("1,,2")
	require.Error(t, err)
}
