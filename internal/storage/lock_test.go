package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drover-dev/drover/internal/types"
)

// deadPID is far above any default pid_max so the liveness probe fails.
const deadPID = 99999999

func writeLockRecord(t *testing.T, dir, id string, record LockRecord) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal lock record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".lock"), data, 0644); err != nil {
		t.Fatalf("write lock record: %v", err)
	}
}

func TestLockAndUnlock(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	meta := LockMeta{State: types.StatePlanned, Mode: types.ModeBuild}
	if err := m.Lock("042", meta); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	locked, err := m.IsLocked("042")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Error("expected issue to be locked")
	}

	holder, err := m.Holder("042")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder == nil {
		t.Fatal("expected a lock holder")
	}
	if holder.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", holder.PID, os.Getpid())
	}
	if holder.State != types.StatePlanned || holder.Mode != types.ModeBuild {
		t.Errorf("holder meta = %s/%s, want PLANNED/build", holder.State, holder.Mode)
	}

	if err := m.Unlock("042"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	locked, err = m.IsLocked("042")
	if err != nil {
		t.Fatalf("IsLocked after unlock: %v", err)
	}
	if locked {
		t.Error("expected issue to be unlocked")
	}

	// Unlock is idempotent.
	if err := m.Unlock("042"); err != nil {
		t.Errorf("second Unlock failed: %v", err)
	}
}

func TestLockContention(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	// A live holder: PID 1 always exists.
	writeLockRecord(t, dir, "042", LockRecord{
		PID:        1,
		AcquiredAt: time.Now(),
		State:      types.StateInProgress,
		Mode:       types.ModeBuild,
	})

	err = m.Lock("042", LockMeta{State: types.StateInProgress, Mode: types.ModeBuild})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Lock against live holder = %v, want ErrLocked", err)
	}
}

func TestLockStealsStaleRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	writeLockRecord(t, dir, "042", LockRecord{
		PID:        deadPID,
		AcquiredAt: time.Now().Add(-time.Hour),
		State:      types.StateInProgress,
		Mode:       types.ModeBuild,
	})

	// The holder is dead, so acquisition deletes the record and retries.
	if err := m.Lock("042", LockMeta{State: types.StateInProgress, Mode: types.ModeBuild}); err != nil {
		t.Fatalf("Lock over stale record failed: %v", err)
	}

	holder, err := m.Holder("042")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder == nil || holder.PID != os.Getpid() {
		t.Errorf("expected this process to hold the lock, got %+v", holder)
	}
}

func TestStaleLockIsNotLive(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	writeLockRecord(t, dir, "dead", LockRecord{PID: deadPID, AcquiredAt: time.Now()})

	locked, err := m.IsLocked("dead")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Error("a dead holder's record must be treated as absent")
	}
}

func TestMalformedLockIsNotLive(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	// Written after construction, so the sweep never saw it.
	if err := os.WriteFile(filepath.Join(dir, "042.lock"), []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	locked, err := m.IsLocked("042")
	if err != nil {
		t.Fatalf("IsLocked on malformed record: %v", err)
	}
	if locked {
		t.Error("malformed record must read as unlocked, matching Sweep")
	}

	holder, err := m.Holder("042")
	if err != nil {
		t.Fatalf("Holder on malformed record: %v", err)
	}
	if holder != nil {
		t.Errorf("Holder on malformed record = %+v, want nil", holder)
	}

	// Acquisition steals it the same way it steals a dead holder's record.
	if err := m.Lock("042", LockMeta{State: types.StateInProgress, Mode: types.ModeBuild}); err != nil {
		t.Fatalf("Lock over malformed record failed: %v", err)
	}
}

func TestSweepRemovesDeadHolders(t *testing.T) {
	dir := t.TempDir()

	// Seed records before construction: one live, one dead, one garbage.
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	live, _ := json.Marshal(LockRecord{PID: os.Getpid(), AcquiredAt: time.Now()})
	dead, _ := json.Marshal(LockRecord{PID: deadPID, AcquiredAt: time.Now()})
	os.WriteFile(filepath.Join(dir, "live.lock"), live, 0644)
	os.WriteFile(filepath.Join(dir, "dead.lock"), dead, 0644)
	os.WriteFile(filepath.Join(dir, "garbage.lock"), []byte("not json"), 0644)

	// Construction runs the sweep.
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "live.lock")); err != nil {
		t.Error("sweep must not remove a live holder's record")
	}
	if _, err := os.Stat(filepath.Join(dir, "dead.lock")); !os.IsNotExist(err) {
		t.Error("sweep must remove a dead holder's record")
	}
	if _, err := os.Stat(filepath.Join(dir, "garbage.lock")); !os.IsNotExist(err) {
		t.Error("sweep must remove unreadable records")
	}

	locked, err := m.IsLocked("live")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Error("live lock should survive the sweep")
	}
}

func TestLockPathFlattensSeparators(t *testing.T) {
	dir := t.TempDir()
	m, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	if err := m.Lock("epics/042", LockMeta{}); err != nil {
		t.Fatalf("Lock with separator in ID: %v", err)
	}
	locked, err := m.IsLocked("epics/042")
	if err != nil || !locked {
		t.Errorf("IsLocked = (%v, %v), want (true, nil)", locked, err)
	}
}
