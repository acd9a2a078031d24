package cache

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock holds a flock(2) on an open file. Shared locks allow concurrent
// readers across processes; exclusive locks serialize the final snapshot
// write and log appends, per spec §5.
type fileLock struct {
	f *os.File
}

func lockShared(path string) (*fileLock, error) {
	return lock(path, unix.LOCK_SH)
}

func lockExclusive(path string) (*fileLock, error) {
	return lock(path, unix.LOCK_EX)
}

func lock(path string, how int) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

