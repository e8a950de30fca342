package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProc points procRoot at a temporary directory for the test.
func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	old := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = old })
	return root
}

func addProc(t *testing.T, root string, pid int, comm string, args ...string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0644))

	var cmdline []byte
	for _, a := range args {
		cmdline = append(cmdline, a...)
		cmdline = append(cmdline, 0)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), cmdline, 0644))

	status := fmt.Sprintf("Name:\t%s\nUid:\t10123\t10123\t10123\t10123\n", comm)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0644))
	require.NoError(t, os.Symlink("/system/bin/app_process64", filepath.Join(dir, "exe")))
}
