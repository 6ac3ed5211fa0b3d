package account

import (
	"fmt"

	"github.com/gofrs/flock"
)

// fileLock wraps an OS advisory lock on the account file so a second process
// cannot open the same account concurrently.
type fileLock struct {
	fl *flock.Flock
}

func acquireLock(path string) (*fileLock, error) {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("account: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("account: %s is already open by another process", path)
	}
	return &fileLock{fl: fl}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
