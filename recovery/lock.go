// Cluster lock file protocol: the same atomic-O_EXCL-create,
// pid-liveness, unlink-and-retry discipline the database server itself
// uses for postmaster.pid, generalized from an in-process page latch's
// "acquire, retry on contention, release on drop" shape to a
// filesystem-visible, cross-process lock file.
package recovery

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/pgbulkload/loadercore/common"
)

const lockFileName = "postmaster.pid"

// SharedMemoryChecker answers whether a SysV shared-memory segment is
// still attached by live backends. Allocating and tracking that
// segment is the database's own IPC layer, an external collaborator;
// a nil checker is treated as "not in use", which is always safe once
// the owning pid itself is confirmed dead.
type SharedMemoryChecker interface {
	InUse(key, id int) (bool, error)
}

// ClusterLock is a held postmaster.pid lock, released by Release.
type ClusterLock struct {
	path string
	file *os.File
}

// AcquireClusterLock does an atomic O_EXCL create; if the file exists,
// it validates the recorded pid via kill(pid, 0): a live owner is
// fatal, a dead one (after checking the optional shared-memory line)
// is unlinked and the attempt retried.
func AcquireClusterLock(dataDir string, shm SharedMemoryChecker) (*ClusterLock, error) {
	path := filepath.Join(dataDir, lockFileName)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			content := fmt.Sprintf("%d\n%s\n", os.Getpid(), dataDir)
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				os.Remove(path)
				return nil, errors.Wrap(err, "recovery: write lock file")
			}
			return &ClusterLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "recovery: create lock file")
		}

		owner, err := readLockOwner(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with another unlink; retry create
			}
			return nil, err
		}

		alive, err := pidIsAlive(owner.pid)
		if err != nil {
			return nil, err
		}
		if alive {
			return nil, common.ErrClusterLocked
		}

		if owner.shmKey != 0 && shm != nil {
			inUse, err := shm.InUse(owner.shmKey, owner.shmID)
			if err != nil {
				return nil, errors.Wrap(err, "recovery: check shared memory segment")
			}
			if inUse {
				return nil, common.ErrClusterLocked
			}
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "recovery: remove stale lock file")
		}
	}
}

type lockOwner struct {
	pid    int
	shmKey int
	shmID  int
}

func readLockOwner(path string) (lockOwner, error) {
	f, err := os.Open(path)
	if err != nil {
		return lockOwner{}, err
	}
	defer f.Close()

	var owner lockOwner
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil {
			return lockOwner{}, errors.Wrap(err, "recovery: parse lock file pid")
		}
		owner.pid = pid
	}
	if scanner.Scan() {
		// second line is the datadir path, not needed here
	}
	if scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 {
			owner.shmKey, _ = strconv.Atoi(fields[0])
			owner.shmID, _ = strconv.Atoi(fields[1])
		}
	}
	return owner, scanner.Err()
}

// pidIsAlive sends signal 0, the standard "is this process alive"
// probe; a negative pid (standalone backend) is checked by its
// absolute value.
func pidIsAlive(pid int) (bool, error) {
	if pid < 0 {
		pid = -pid
	}
	if pid == 0 {
		return false, nil
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		// Owned by another user: it exists, we just can't signal it.
		return true, nil
	}
	return false, errors.Wrap(err, "recovery: probe lock owner pid")
}

// Release unlinks the lock file and closes the handle.
func (c *ClusterLock) Release() error {
	if err := c.file.Close(); err != nil {
		return errors.Wrap(err, "recovery: close lock file")
	}
	return errors.Wrap(os.Remove(c.path), "recovery: unlink lock file")
}
