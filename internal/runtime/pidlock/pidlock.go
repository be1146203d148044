//go:build unix

// Package pidlock holds an exclusive lock file so only one scheduler runs
// against a job store. The file carries the holder's pid for operators.
package pidlock

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("pidlock: held by another process")

type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the lock at path without blocking. The kernel drops the
// lock when the process dies, so a file left behind by a crash is reused.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("pidlock: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create lock directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readPID(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			err = errors.Wrapf(ErrLocked, "%s", path)
			if holder > 0 {
				err = errors.WithHintf(err, "another ghostbot is running as pid %d", holder)
			}
			return nil, err
		}
		return nil, errors.Wrapf(err, "lock %s", path)
	}

	if err := writePID(f, os.Getpid()); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "write pid to %s", path)
	}
	return &Lock{f: f, path: path}, nil
}

func (l *Lock) Path() string { return l.path }

// Release removes the file and drops the lock. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	err := errors.CombineErrors(rmErr, l.f.Close())
	l.f = nil
	return err
}

// Holder returns the pid recorded in the lock file at path, or 0.
func Holder(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return readPID(f)
}

func readPID(f *os.File) int {
	b, err := io.ReadAll(io.NewSectionReader(f, 0, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}
