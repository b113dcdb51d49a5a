package rtaccel

import "testing"

func newTestPool(t *testing.T, inFlight, keep uint32) (*BlasPool, *mockDevice) {
	t.Helper()
	dev := newMockDevice()
	return NewBlasPool(dev, NewNopLogger(), inFlight, keep), dev
}

func TestBlasPool_AcquireBestFit(t *testing.T) {
	pool, _ := newTestPool(t, 1, 4)
	pool.BeginFrame(0)

	big, err := pool.Acquire(4096, "big")
	if err != nil {
		t.Fatal(err)
	}
	small, err := pool.Acquire(1024, "small")
	if err != nil {
		t.Fatal(err)
	}

	// Both entries idle out of the in-flight window.
	pool.BeginFrame(2)

	got, err := pool.Acquire(512, "req")
	if err != nil {
		t.Fatal(err)
	}
	if got != small {
		t.Errorf("expected best-fit to pick the 1024 entry, got %d bytes", got.Size())
	}
	if got == big {
		t.Error("best-fit picked the oversized entry")
	}
	if pool.Count() != 2 {
		t.Errorf("no new buffer should have been created, count = %d", pool.Count())
	}
}

func TestBlasPool_NoReuseWithinInFlightWindow(t *testing.T) {
	pool, _ := newTestPool(t, 2, 8)
	pool.BeginFrame(10)

	first, err := pool.Acquire(1024, "a")
	if err != nil {
		t.Fatal(err)
	}

	// Frame 11 is still within the 2-frame window; the entry touched at 10
	// may be referenced by an unretired command list.
	pool.BeginFrame(11)
	second, err := pool.Acquire(1024, "b")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Error("entry handed out while still in flight")
	}

	// Frame 12: 10+2 <= 12, the first entry is reusable again.
	pool.BeginFrame(12)
	third, err := pool.Acquire(1024, "c")
	if err != nil {
		t.Fatal(err)
	}
	if third != first {
		t.Error("idle entry outside the window was not reused")
	}
}

func TestBlasPool_GarbageCollectExactness(t *testing.T) {
	const keep = 4
	pool, dev := newTestPool(t, 1, keep)

	pool.BeginFrame(0)
	old, err := pool.Acquire(1024, "old")
	if err != nil {
		t.Fatal(err)
	}
	pool.BeginFrame(2)
	recent, err := pool.Acquire(2048, "recent")
	if err != nil {
		t.Fatal(err)
	}

	// At frame T, exactly the entries with lastTouched <= T-keep go.
	pool.BeginFrame(4)
	pool.GarbageCollect()

	if pool.IdleCount() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", pool.IdleCount())
	}
	if pool.entries[0] != recent {
		t.Error("GC removed the wrong entry")
	}
	if old.LastTouchedFrame() != 0 {
		t.Fatalf("test setup broken, old touched at %d", old.LastTouchedFrame())
	}

	// The removed buffer is retired, not destroyed: an in-flight TLAS may
	// still reference it.
	if len(dev.liveBuffers("old")) != 1 {
		t.Error("retired buffer destroyed before its guard frame elapsed")
	}

	// After the in-flight window passes, the sweep destroys it.
	pool.BeginFrame(6)
	if len(dev.liveBuffers("old")) != 0 {
		t.Error("retired buffer survived past its guard frame")
	}
}

func TestBlasPool_FreshEntryNotCollected(t *testing.T) {
	pool, _ := newTestPool(t, 1, 2)
	pool.BeginFrame(0)

	// Create marks the entry as checked out, never touched.
	e, err := pool.Create(1024, "dynamic")
	if err != nil {
		t.Fatal(err)
	}
	if e.LastTouchedFrame() != invalidFrameIndex {
		t.Fatal("fresh entry should be unstamped")
	}

	pool.BeginFrame(100)
	pool.GarbageCollect()
	if pool.Count() != 1 {
		t.Error("checked-out entry must survive GC")
	}
}

func TestBlasPool_ReleaseReturnsToIdleSet(t *testing.T) {
	pool, _ := newTestPool(t, 1, 8)
	pool.BeginFrame(0)

	e, err := pool.Create(1024, "dynamic")
	if err != nil {
		t.Fatal(err)
	}
	if pool.IdleCount() != 0 {
		t.Fatal("created entry should not be idle")
	}

	pool.Release(e)
	if pool.IdleCount() != 1 {
		t.Fatal("released entry should be idle")
	}

	// Releasing again must not duplicate the entry.
	pool.Release(e)
	if pool.IdleCount() != 1 {
		t.Error("double release duplicated the entry")
	}

	// Released this frame: unavailable until the window passes.
	got, err := pool.Acquire(1024, "other")
	if err != nil {
		t.Fatal(err)
	}
	if got == e {
		t.Error("released entry handed out within the in-flight window")
	}
}

func TestBlasPool_Clear(t *testing.T) {
	pool, dev := newTestPool(t, 2, 4)
	pool.BeginFrame(0)
	if _, err := pool.Acquire(1024, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(2048, "b"); err != nil {
		t.Fatal(err)
	}
	pool.Retire(dev.buffers[0])

	pool.Clear()
	if pool.Count() != 0 || pool.IdleCount() != 0 {
		t.Error("clear left live entries")
	}
	if len(dev.liveBuffers("")) != 0 {
		t.Error("clear left undestroyed buffers")
	}
}
