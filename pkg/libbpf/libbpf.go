package libbpf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func IsBpfFS(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	var st unix.Statfs_t
	if err := unix.Statfs(absPath, &st); err != nil {
		return false
	}
	return uint32(st.Type) == unix.BPF_FS_MAGIC
}

func MountBpfFS(path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return false, errors.Wrapf(err, "create %s", absPath)
	}
	if err := unix.Mount("bpf", absPath, "bpf", 0, ""); err != nil {
		return false, errors.Wrapf(err, "mount bpffs at %s", absPath)
	}
	return IsBpfFS(absPath), nil
}

// PinDir returns the directory the maps of progName are pinned in.
func PinDir(bpffs, progName string) string {
	return fmt.Sprintf("%s/%s", bpffs, progName)
}

func UnloadAll(bpffs, progName string) error {
	return os.RemoveAll(PinDir(bpffs, progName))
}

var (
	rlimitMu sync.Mutex
)

func RemoveMemlock() error {
	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	// pid 0 affects the current process. Requires CAP_SYS_RESOURCE.
	newLimit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &newLimit, nil); err != nil {
		return errors.Wrap(err, "failed to set memlock rlimit")
	}

	return nil
}
