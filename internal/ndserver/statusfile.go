package ndserver

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// StatusFile is an flock-held presence file under <ROOTDIR>/status/,
// used by external process supervisors to confirm the server is alive
// and to enumerate same-host instances (SPEC_FULL.md §4.8). It carries
// no data beyond its own existence and lock state.
type StatusFile struct {
	f *os.File
}

// AcquireStatusFile creates (or reuses) <dir>/<name>.<n> for the
// smallest n >= 0 whose file isn't already exclusively locked by
// another process, and holds an exclusive flock on it until Release.
func AcquireStatusFile(dir, name string) (*StatusFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("status file: create %s: %w", dir, err)
	}
	for n := 0; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s.%d", name, n))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("status file: open %s: %w", path, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if err == unix.EWOULDBLOCK {
				continue
			}
			return nil, fmt.Errorf("status file: lock %s: %w", path, err)
		}
		return &StatusFile{f: f}, nil
	}
}

// Release unlocks and closes the status file, but deliberately leaves
// it on disk: its presence carries no meaning once unlocked, and the
// next instance to start will simply reuse or skip past it.
func (s *StatusFile) Release() error {
	if s == nil || s.f == nil {
		return nil
	}
	_ = unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	return s.f.Close()
}
