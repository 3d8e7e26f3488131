package libbpf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPinDir(t *testing.T) {
	require.Equal(t, "/sys/fs/bpf/f4nat", PinDir("/sys/fs/bpf", "f4nat"))
}

func TestUnloadAllRemovesPinDir(t *testing.T) {
	root := t.TempDir()
	dir := PinDir(root, "f4nat")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps"), 0o755))

	require.NoError(t, UnloadAll(root, "f4nat"))
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, UnloadAll(root, "f4nat"))
}

func TestIsBpfFS(t *testing.T) {
	require.False(t, IsBpfFS(t.TempDir()))
	require.False(t, IsBpfFS(filepath.Join(t.TempDir(), "missing")))
}
