package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/drover-dev/drover/internal/types"
)

// LockRecord is the on-disk lock format: a small JSON object stored at a
// path derived from the issue ID. Existence plus a live-PID check is the
// whole locking protocol; no OS-level advisory lock is used.
type LockRecord struct {
	PID        int         `json:"pid"`
	AcquiredAt time.Time   `json:"acquired_at"`
	State      types.State `json:"state"`
	Mode       types.Mode  `json:"mode"`
}

// LockManager grants exclusive advisory locks per issue ID. A record whose
// holder PID is no longer alive is not live and is treated as absent.
// Both storage backends embed one of these.
type LockManager struct {
	dir string
}

// NewLockManager creates the lock directory and sweeps records left behind
// by crashed processes. The sweep bounds the lifetime of a stale lock to
// "until the next process starts".
func NewLockManager(dir string) (*LockManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	m := &LockManager{dir: dir}
	if n, err := m.Sweep(); err != nil {
		return nil, fmt.Errorf("lock sweep failed: %w", err)
	} else if n > 0 {
		fmt.Fprintf(os.Stderr, "swept %d stale lock(s) from %s\n", n, dir)
	}
	return m, nil
}

func (m *LockManager) path(id string) string {
	// Issue IDs may contain separators; flatten them for the filename.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(id)
	return filepath.Join(m.dir, safe+".lock")
}

// Lock atomically creates a lock record for the issue. It fails with
// ErrLocked if a live record exists. A stale record (dead holder) is
// deleted and creation retried once.
func (m *LockManager) Lock(id string, meta LockMeta) error {
	for attempt := 0; attempt < 2; attempt++ {
		path := m.path(id)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			record := LockRecord{
				PID:        os.Getpid(),
				AcquiredAt: time.Now(),
				State:      meta.State,
				Mode:       meta.Mode,
			}
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			if werr := enc.Encode(record); werr != nil {
				f.Close()
				os.Remove(path)
				return fmt.Errorf("failed to write lock record: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return fmt.Errorf("failed to write lock record: %w", cerr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock: %w", err)
		}

		// A record exists. Live holder means contention; a dead holder's
		// record is deleted and creation retried once.
		record, rerr := m.read(path)
		if rerr == nil && isProcessAlive(record.PID) {
			return fmt.Errorf("%w: held by pid %d since %s (%s/%s)",
				ErrLocked, record.PID, record.AcquiredAt.Format(time.RFC3339),
				record.State, record.Mode)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: lost acquisition race for %s", ErrLocked, id)
}

// Unlock deletes the lock record unconditionally. Removing an absent
// record is a no-op, so Unlock never fails on a released lock.
func (m *LockManager) Unlock(id string) error {
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

// IsLocked reports whether a live lock record exists for the issue.
// A malformed record counts as stale, same as Lock and Sweep treat it.
func (m *LockManager) IsLocked(id string) (bool, error) {
	record, err := m.read(m.path(id))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errMalformedLock) {
			return false, nil
		}
		return false, err
	}
	return isProcessAlive(record.PID), nil
}

// Holder returns the lock record for the issue, or nil when no live lock
// exists.
func (m *LockManager) Holder(id string) (*LockRecord, error) {
	record, err := m.read(m.path(id))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errMalformedLock) {
			return nil, nil
		}
		return nil, err
	}
	if !isProcessAlive(record.PID) {
		return nil, nil
	}
	return record, nil
}

// Sweep scans all lock records and deletes any whose holder is dead.
// Returns the number of records removed.
func (m *LockManager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		record, err := m.read(path)
		if err != nil {
			// Unreadable records are treated as stale.
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			continue
		}
		if !isProcessAlive(record.PID) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// errMalformedLock marks records that exist but will not parse; every
// reader treats them as stale rather than surfacing them.
var errMalformedLock = errors.New("malformed lock record")

func (m *LockManager) read(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errMalformedLock, path, err)
	}
	return &record, nil
}

// isProcessAlive checks if a process with the given PID exists using a
// signal-0 probe. EPERM means the process exists but belongs to another
// user; if we cannot verify, assume alive.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}
