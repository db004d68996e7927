package serialport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrPortBusy indicates that another transfer or sender process holds the
// port. Acquire never waits; callers retry later or pick another port.
var ErrPortBusy = errors.New("serialport: port busy")

// LockInfo is the content of a lock file.
type LockInfo struct {
	PID    int
	Holder string
}

// LockPath returns the lock file used for port inside dir, e.g.
// /tmp/cnc-dnc._dev_ttyUSB0.lock for /dev/ttyUSB0.
func LockPath(dir, port string) string {
	return filepath.Join(dir, "cnc-dnc."+strings.ReplaceAll(port, "/", "_")+".lock")
}

// Locker hands out port leases backed by exclusively created lock files.
// The zero value is not usable; use NewLocker.
type Locker struct {
	dir string
}

// NewLocker returns a Locker that keeps its lock files in dir, or in the
// system temp directory when dir is empty.
func NewLocker(dir string) *Locker {
	if dir == "" {
		dir = os.TempDir()
	}

	return &Locker{dir: dir}
}

// Dir returns the lock directory.
func (l *Locker) Dir() string { return l.dir }

// Acquire takes the lease for port on behalf of holder, or fails immediately
// with ErrPortBusy.
//
// A lock file left behind by a process that no longer exists is removed and
// acquisition is attempted once more.
func (l *Locker) Acquire(port, holder string) (*Lease, error) {
	path := LockPath(l.dir, port)

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := LockInfo{PID: os.Getpid(), Holder: holder}
			if err := writeLock(f, info); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("serialport: write lock %s: %w", path, err)
			}

			return &Lease{port: port, path: path, info: info}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("serialport: create lock %s: %w", path, err)
		}

		if attempt == 0 && reclaimStale(path) {
			continue
		}

		if info, err := readLock(path); err == nil {
			return nil, fmt.Errorf("%w: %s held by %q (pid %d)", ErrPortBusy, port, info.Holder, info.PID)
		}

		return nil, fmt.Errorf("%w: %s", ErrPortBusy, port)
	}
}

// Holder reports who holds port, if anyone.
func (l *Locker) Holder(port string) (LockInfo, bool) {
	info, err := readLock(LockPath(l.dir, port))
	if errors.Is(err, fs.ErrNotExist) {
		return LockInfo{}, false
	}

	return info, true
}

// Lease is the exclusive right to use one port.
type Lease struct {
	port     string
	path     string
	info     LockInfo
	released atomic.Bool
}

// Port returns the leased port.
func (l *Lease) Port() string { return l.port }

// Path returns the lock file path.
func (l *Lease) Path() string { return l.path }

// Holder returns the holder recorded in the lock file.
func (l *Lease) Holder() string { return l.info.Holder }

// Release removes the lock file. It is safe to call more than once and from
// multiple goroutines; only the first call has an effect.
func (l *Lease) Release() error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("serialport: release %s: %w", l.port, err)
	}

	return nil
}

func writeLock(f *os.File, info LockInfo) error {
	_, err := fmt.Fprintf(f, "%d %s\n", info.PID, info.Holder)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

func readLock(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}

	pidStr, holder, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return LockInfo{Holder: holder}, fmt.Errorf("serialport: bad lock content %q", data)
	}

	return LockInfo{PID: pid, Holder: holder}, nil
}

// reclaimStale removes the lock file at path if it names a dead process.
// Unreadable or partially written files are left alone.
func reclaimStale(path string) bool {
	info, err := readLock(path)
	if err != nil || info.PID <= 0 || processAlive(info.PID) {
		return false
	}

	err = os.Remove(path)

	return err == nil || errors.Is(err, fs.ErrNotExist)
}
