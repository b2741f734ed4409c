package lockfile

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// TestManager_AcquireRelease tests the basic lock lifecycle.
func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager(t.TempDir())

	lock, err := m.Acquire(StructuralLock, "deploy")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	t.Run("holder recorded", func(t *testing.T) {
		holder := m.Holder(StructuralLock)
		if holder == nil {
			t.Fatal("holder should be visible while held")
		}
		if holder.PID != os.Getpid() {
			t.Errorf("holder PID = %d, want %d", holder.PID, os.Getpid())
		}
		if holder.Reason != "deploy" {
			t.Errorf("holder reason = %q, want deploy", holder.Reason)
		}
	})

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	t.Run("release is idempotent", func(t *testing.T) {
		if err := lock.Release(); err != nil {
			t.Errorf("second Release failed: %v", err)
		}
	})

	t.Run("holder cleared after release", func(t *testing.T) {
		if holder := m.Holder(StructuralLock); holder != nil {
			t.Errorf("holder after release = %+v, want nil", holder)
		}
	})

	t.Run("reacquire after release", func(t *testing.T) {
		lock2, err := m.Acquire(StructuralLock, "again")
		if err != nil {
			t.Fatalf("reacquire failed: %v", err)
		}
		lock2.Release()
	})
}

// TestManager_DistinctNames tests that locks on different names coexist,
// matching the per-snapshot-id exclusion granularity.
func TestManager_DistinctNames(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.Acquire(SnapshotLock(1), "install")
	if err != nil {
		t.Fatalf("Acquire(snapshot-1) failed: %v", err)
	}
	defer a.Release()

	b, err := m.Acquire(SnapshotLock(2), "upgrade")
	if err != nil {
		t.Fatalf("Acquire(snapshot-2) should succeed while snapshot-1 is held: %v", err)
	}
	b.Release()
}

// TestManager_AcquireWait tests backoff acquisition.
func TestManager_AcquireWait(t *testing.T) {
	m := NewManager(t.TempDir())

	t.Run("acquires once freed", func(t *testing.T) {
		lock, err := m.Acquire(StructuralLock, "first")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}

		released := make(chan struct{})
		go func() {
			time.Sleep(100 * time.Millisecond)
			lock.Release()
			close(released)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lock2, err := m.AcquireWait(ctx, StructuralLock, "second", 3*time.Second)
		if err != nil {
			t.Fatalf("AcquireWait failed: %v", err)
		}
		lock2.Release()
		<-released
	})

	t.Run("context cancellation wins", func(t *testing.T) {
		lock, err := m.Acquire(StructuralLock, "blocker")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer lock.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		_, err = m.AcquireWait(ctx, StructuralLock, "loser", 10*time.Second)
		if err == nil {
			t.Fatal("AcquireWait should fail when the context ends")
		}
	})
}

// TestSnapshotLock tests lock naming.
func TestSnapshotLock(t *testing.T) {
	if got := SnapshotLock(42); got != "snapshot-42" {
		t.Errorf("SnapshotLock(42) = %s", got)
	}
}

// TestProcessAlive tests PID liveness checks.
func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own process should be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive PIDs are never alive")
	}
}

// TestManager_Contention tests that a second acquire on the same name fails
// with ErrHeld and reports the holder. flock conflicts between separate open
// file descriptions, so this holds even within one process.
func TestManager_Contention(t *testing.T) {
	m := NewManager(t.TempDir())

	lock, err := m.Acquire(SnapshotLock(7), "chroot")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	_, err = m.Acquire(SnapshotLock(7), "install")
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatal("error should be a HeldError")
	}
	if held.Holder == nil || held.Holder.Reason != "chroot" {
		t.Errorf("holder = %+v, want reason chroot", held.Holder)
	}
	if held.Error() == "" {
		t.Error("HeldError should describe the holder")
	}
}
