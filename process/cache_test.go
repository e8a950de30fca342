package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameCacheLookup(t *testing.T) {
	root := fakeProc(t)
	addProc(t, root, 500, "game", "com.example.game", "--flag")

	c, err := NewNameCache(2)
	require.NoError(t, err)

	md, ok := c.Lookup(500)
	require.True(t, ok)
	assert.Equal(t, Metadata{
		PID:     500,
		Comm:    "game",
		CmdLine: "com.example.game --flag",
		ExePath: "/system/bin/app_process64",
	}, md)

	// Served from the cache once /proc is gone.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "500")))
	md, ok = c.Lookup(500)
	require.True(t, ok)
	assert.Equal(t, "game", md.Comm)

	c.Forget(500)
	_, ok = c.Lookup(500)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestNameCacheEvicts(t *testing.T) {
	root := fakeProc(t)
	for _, pid := range []int{1, 2, 3} {
		addProc(t, root, pid, "p")
	}

	c, err := NewNameCache(2)
	require.NoError(t, err)
	for _, pid := range []int{1, 2, 3} {
		_, ok := c.Lookup(pid)
		require.True(t, ok)
	}
	assert.Equal(t, 2, c.Len())
}

func TestNewNameCacheRejectsBadSize(t *testing.T) {
	_, err := NewNameCache(0)
	assert.Error(t, err)
}
