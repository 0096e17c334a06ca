package bufmgr

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device for testing.
// Returns the device and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, cleanup
}

func newManagerForTest(t *testing.T) (*Manager, func()) {
	t.Helper()
	device, cleanup := createNoopDevice(t)
	m, err := New(device, nil)
	if err != nil {
		cleanup()
		t.Fatalf("New failed: %v", err)
	}
	return m, func() {
		m.Destroy()
		cleanup()
	}
}

func TestNew_NilDevice(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrNilDevice) {
		t.Errorf("New(nil) error = %v, want ErrNilDevice", err)
	}
}

func TestManager_MarkersMonotonic(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)

	buf0, err := m.BufferTimeMarker(7, creation)
	if err != nil {
		t.Fatalf("BufferTimeMarker failed: %v", err)
	}
	sto0, err := m.StorageTimeMarker(7, creation)
	if err != nil {
		t.Fatalf("StorageTimeMarker failed: %v", err)
	}

	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}

	buf1, _ := m.BufferTimeMarker(7, creation)
	sto1, _ := m.StorageTimeMarker(7, creation)
	if buf1 <= buf0 {
		t.Errorf("content marker did not advance: %d -> %d", buf0, buf1)
	}
	if sto1 <= sto0 {
		t.Errorf("storage marker did not advance on definition: %d -> %d", sto0, sto1)
	}

	// Content overwrite: content advances, storage does not.
	if err := m.MarkContentChanged(7, creation); err != nil {
		t.Fatalf("MarkContentChanged failed: %v", err)
	}
	buf2, _ := m.BufferTimeMarker(7, creation)
	sto2, _ := m.StorageTimeMarker(7, creation)
	if buf2 <= buf1 {
		t.Errorf("content marker did not advance: %d -> %d", buf1, buf2)
	}
	if sto2 != sto1 {
		t.Errorf("storage marker advanced on content overwrite: %d -> %d", sto1, sto2)
	}

	// Reallocation advances both, even at the same size and usage.
	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}
	buf3, _ := m.BufferTimeMarker(7, creation)
	sto3, _ := m.StorageTimeMarker(7, creation)
	if buf3 <= buf2 {
		t.Errorf("content marker did not advance on reallocation: %d -> %d", buf2, buf3)
	}
	if sto3 <= sto2 {
		t.Errorf("storage marker did not advance on reallocation: %d -> %d", sto2, sto3)
	}
}

func TestManager_AcquireMatchesMarkers(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)
	if err := m.MarkStorageChanged(7, creation, 250, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}

	bufTime, _ := m.BufferTimeMarker(7, creation)
	stoTime, _ := m.StorageTimeMarker(7, creation)

	ref, err := m.Acquire(7, creation, bufTime, stoTime)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer ref.Release()

	p := ref.Payload()
	if p.ID != 7 || p.CreationTime != creation {
		t.Errorf("payload identity = (%d, %d), want (7, %d)", p.ID, p.CreationTime, creation)
	}
	if p.BufferTime < bufTime || p.StorageTime < stoTime {
		t.Errorf("payload markers (%d, %d) older than requested (%d, %d)",
			p.BufferTime, p.StorageTime, bufTime, stoTime)
	}
	if p.Buffer == nil {
		t.Error("payload has no backend buffer")
	}
	if p.Size != 252 {
		t.Errorf("payload size = %d, want 252 (250 aligned to 4)", p.Size)
	}

	// A second acquire at the same markers reuses the payload.
	ref2, err := m.Acquire(7, creation, bufTime, stoTime)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	defer ref2.Release()
	if ref2.Payload() != p {
		t.Error("unchanged markers produced a new payload")
	}
}

func TestManager_RedefinitionOrphansPayload(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)
	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}
	bufTime, _ := m.BufferTimeMarker(7, creation)
	stoTime, _ := m.StorageTimeMarker(7, creation)
	old, err := m.Acquire(7, creation, bufTime, stoTime)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := m.MarkStorageChanged(7, creation, 512, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}
	bufTime2, _ := m.BufferTimeMarker(7, creation)
	stoTime2, _ := m.StorageTimeMarker(7, creation)
	cur, err := m.Acquire(7, creation, bufTime2, stoTime2)
	if err != nil {
		t.Fatalf("Acquire after redefinition failed: %v", err)
	}
	defer cur.Release()

	if cur.Payload().Equal(old.Payload()) {
		t.Error("redefinition did not produce a new payload")
	}
	if cur.Payload().Buffer == old.Payload().Buffer {
		t.Error("redefinition reused the orphaned backend buffer")
	}

	// The orphan stays valid until its holder releases it.
	if old.Payload().Size != 256 {
		t.Errorf("orphaned payload size = %d, want 256", old.Payload().Size)
	}
	old.Release()
}

func TestManager_ContentChangeReusesAllocation(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)
	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}
	bufTime, _ := m.BufferTimeMarker(7, creation)
	stoTime, _ := m.StorageTimeMarker(7, creation)
	old, err := m.Acquire(7, creation, bufTime, stoTime)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer old.Release()

	if err := m.MarkContentChanged(7, creation); err != nil {
		t.Fatalf("MarkContentChanged failed: %v", err)
	}
	bufTime2, _ := m.BufferTimeMarker(7, creation)
	stoTime2, _ := m.StorageTimeMarker(7, creation)
	if stoTime2 != stoTime {
		t.Fatalf("storage marker moved on content overwrite: %d -> %d", stoTime, stoTime2)
	}

	cur, err := m.Acquire(7, creation, bufTime2, stoTime2)
	if err != nil {
		t.Fatalf("Acquire after content change failed: %v", err)
	}
	defer cur.Release()

	// New content version, same backend allocation: a sub-range upload
	// lands in the buffer earlier nodes still reference.
	if cur.Payload().Equal(old.Payload()) {
		t.Error("content change did not produce a new payload")
	}
	if cur.Payload().Buffer != old.Payload().Buffer {
		t.Error("content change allocated a fresh backend buffer")
	}
	if !cur.Payload().SameAllocation(old.Payload()) {
		t.Error("content versions do not report a shared allocation")
	}
}

func TestManager_ContentChangeWithoutStore(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)
	if err := m.MarkContentChanged(7, creation); !errors.Is(err, ErrNoDataStore) {
		t.Errorf("error = %v, want ErrNoDataStore", err)
	}
}

func TestManager_AcquireErrors(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)

	t.Run("no data store", func(t *testing.T) {
		if _, err := m.Acquire(7, creation, creation, creation); !errors.Is(err, ErrNoDataStore) {
			t.Errorf("error = %v, want ErrNoDataStore", err)
		}
	})

	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}

	t.Run("unknown id", func(t *testing.T) {
		if _, err := m.Acquire(999, creation, 1, 1); !errors.Is(err, ErrUnknownBuffer) {
			t.Errorf("error = %v, want ErrUnknownBuffer", err)
		}
	})

	t.Run("unknown creation", func(t *testing.T) {
		if _, err := m.Acquire(7, creation+100, 1, 1); !errors.Is(err, ErrUnknownBuffer) {
			t.Errorf("error = %v, want ErrUnknownBuffer", err)
		}
	})

	t.Run("future marker", func(t *testing.T) {
		bufTime, _ := m.BufferTimeMarker(7, creation)
		stoTime, _ := m.StorageTimeMarker(7, creation)
		if _, err := m.Acquire(7, creation, bufTime+1, stoTime); !errors.Is(err, ErrFutureMarker) {
			t.Errorf("error = %v, want ErrFutureMarker", err)
		}
	})

	t.Run("zero size definition", func(t *testing.T) {
		if err := m.MarkStorageChanged(7, creation, 0, 0); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("error = %v, want ErrInvalidSize", err)
		}
	})
}

func TestManager_Unregister(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	creation := m.RegisterBuffer(7)
	if err := m.MarkStorageChanged(7, creation, 256, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("MarkStorageChanged failed: %v", err)
	}
	bufTime, _ := m.BufferTimeMarker(7, creation)
	stoTime, _ := m.StorageTimeMarker(7, creation)
	ref, err := m.Acquire(7, creation, bufTime, stoTime)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := m.UnregisterBuffer(7, creation); err != nil {
		t.Fatalf("UnregisterBuffer failed: %v", err)
	}
	if _, err := m.BufferTimeMarker(7, creation); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("marker after unregister: error = %v, want ErrUnknownBuffer", err)
	}
	if err := m.UnregisterBuffer(7, creation); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("double unregister: error = %v, want ErrUnknownBuffer", err)
	}

	// Outstanding reference still holds the backend buffer.
	if ref.Count() != 1 {
		t.Errorf("Count() = %d, want 1", ref.Count())
	}
	ref.Release()
}

func TestManager_ReincarnatedID(t *testing.T) {
	m, cleanup := newManagerForTest(t)
	defer cleanup()

	first := m.RegisterBuffer(7)
	if err := m.UnregisterBuffer(7, first); err != nil {
		t.Fatalf("UnregisterBuffer failed: %v", err)
	}

	second := m.RegisterBuffer(7)
	if second <= first {
		t.Errorf("reincarnated creation %d not newer than %d", second, first)
	}
	if _, err := m.BufferTimeMarker(7, first); !errors.Is(err, ErrUnknownBuffer) {
		t.Error("old incarnation still resolvable after reuse of id")
	}
}
