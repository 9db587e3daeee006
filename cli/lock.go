package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/yllada/pia-tools/common"
)

// instanceLock serializes invocations that drive the VPN unit.
type instanceLock struct {
	locker *flock.Flock
}

// acquireLock takes the exclusive lock at path. A zero timeout waits until
// ctx is done.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (*instanceLock, error) {
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	locker := flock.New(path)
	ok, err := locker.TryLockContext(ctx, common.LockRetryDelay)
	if ok {
		common.LogDebug("Acquired lock %s", path)
		return &instanceLock{locker: locker}, nil
	}
	_ = locker.Close()

	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s is held by another pia process", common.ErrLocked, path)
	}
	return nil, fmt.Errorf("%w: %v", common.ErrLocked, err)
}

// Release unlocks and closes the lock file.
func (l *instanceLock) Release() {
	if l == nil {
		return
	}
	_ = l.locker.Close()
}
