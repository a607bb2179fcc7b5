package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// Lock is an advisory lock file serializing deploy/rollback invocations.
// Two operators running emrctl at once would interleave migrations and
// restarts; the lock turns the second invocation into an immediate error.
type Lock struct{ path string }

// AcquireLock creates the lock file exclusively, writing the holder's pid.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			holder := ""
			if b, rerr := os.ReadFile(path); rerr == nil {
				holder = string(b)
			}
			return nil, fmt.Errorf("another emrctl invocation is in progress (lock %s held by pid %s); remove the file if it is stale", path, holder)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}
