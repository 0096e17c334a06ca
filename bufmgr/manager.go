// Package bufmgr maps frontend buffer objects to versioned backend buffers.
//
// The manager is the authority for the version markers of every live buffer
// object. Producer threads register objects and bump markers as the
// application redefines data stores; the scheduler thread asks for the
// current markers and acquires references guaranteed to be no older than
// the markers it requested.
//
// A storage redefinition (MarkStorageChanged) allocates a fresh backend
// buffer and orphans the previous one; in-flight nodes keep the orphan
// alive through their references and it is destroyed when the last
// reference sharing the allocation drops. A content overwrite
// (MarkContentChanged) advances the content marker only: payloads acquired
// under the new marker wrap the same backend allocation, so uploads into a
// sub-range land in the buffer earlier nodes are still reading and the
// frame graph orders them by hazard.
package bufmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/glbridge/command"
	"github.com/gogpu/glbridge/reference"
)

// Buffer manager errors.
var (
	// ErrNilDevice is returned when creating a manager without a device.
	ErrNilDevice = errors.New("bufmgr: device is nil")

	// ErrUnknownBuffer is returned when an id/creation pair does not name
	// a live buffer object.
	ErrUnknownBuffer = errors.New("bufmgr: unknown buffer object")

	// ErrNoDataStore is returned when acquiring a buffer whose data store
	// has never been defined.
	ErrNoDataStore = errors.New("bufmgr: buffer has no data store")

	// ErrFutureMarker is returned when a caller requests version markers
	// newer than any the manager has issued for the object.
	ErrFutureMarker = errors.New("bufmgr: requested marker not yet issued")

	// ErrInvalidSize is returned when defining a zero-sized data store.
	ErrInvalidSize = errors.New("bufmgr: invalid data store size")
)

// Backend copies need both directions regardless of frontend usage hints.
const transferUsage = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// Copy offsets and sizes must stay 4-byte aligned.
const copyBufferAlignment uint64 = 4

type bufferKey struct {
	id       command.ObjectID
	creation command.TimeMarker
}

// allocation is one backend buffer shared by every payload realized under
// the same storage marker. The buffer is destroyed when the last sharing
// payload is released.
type allocation struct {
	buffer      hal.Buffer
	storageTime command.TimeMarker
	refs        atomic.Int64
}

// entry is the manager's view of one live buffer object.
type entry struct {
	// bufferTime advances on every content write; storageTime advances
	// only when the data store itself is (re)allocated.
	bufferTime  command.TimeMarker
	storageTime command.TimeMarker

	size  uint64
	usage gputypes.BufferUsage

	// current is the manager's own reference to the payload matching the
	// entry's markers. Nil until the first Acquire. alloc is the backend
	// buffer behind current, kept so content-only advances can realize a
	// new payload over the same allocation.
	current *reference.Reference
	alloc   *allocation
}

// Manager owns the id-to-backend-buffer mapping for buffer objects.
//
// Manager is safe for concurrent use: producers bump markers while the
// scheduler acquires references.
type Manager struct {
	mu      sync.Mutex
	device  hal.Device
	log     *slog.Logger
	clock   command.TimeMarker
	buffers map[bufferKey]*entry
}

// New creates a Manager allocating on device. A nil logger disables
// logging.
func New(device hal.Device, log *slog.Logger) (*Manager, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if log == nil {
		log = slog.New(nopHandler{})
	}
	return &Manager{
		device:  device,
		log:     log,
		buffers: make(map[bufferKey]*entry),
	}, nil
}

// next issues a fresh marker. Callers hold m.mu.
func (m *Manager) next() command.TimeMarker {
	m.clock++
	return m.clock
}

// RegisterBuffer starts tracking a new frontend buffer object and returns
// its creation marker. The object has no data store until
// MarkStorageChanged defines one.
func (m *Manager) RegisterBuffer(id command.ObjectID) command.TimeMarker {
	m.mu.Lock()
	defer m.mu.Unlock()

	creation := m.next()
	m.buffers[bufferKey{id, creation}] = &entry{
		bufferTime:  creation,
		storageTime: creation,
	}
	m.log.Debug("buffer registered",
		slog.Uint64("id", uint64(id)),
		slog.Uint64("creation", uint64(creation)))
	return creation
}

// MarkStorageChanged records that the application (re)allocated the
// object's data store (glBufferData semantics). Both markers advance and
// the next Acquire allocates a fresh backend buffer, orphaning the old one.
func (m *Manager) MarkStorageChanged(id command.ObjectID, creation command.TimeMarker, size uint64, usage gputypes.BufferUsage) error {
	if size == 0 {
		return fmt.Errorf("%w: size is 0", ErrInvalidSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buffers[bufferKey{id, creation}]
	if !ok {
		return fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}

	e.bufferTime = m.next()
	e.storageTime = m.next()
	e.size = size
	e.usage = usage
	return nil
}

// MarkContentChanged records that the application overwrote part of the
// existing data store (glBufferSubData semantics). Only the content marker
// advances; payloads acquired under the new marker share the backend
// allocation with the previous content version.
func (m *Manager) MarkContentChanged(id command.ObjectID, creation command.TimeMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buffers[bufferKey{id, creation}]
	if !ok {
		return fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}
	if e.size == 0 {
		return fmt.Errorf("%w: id=%d", ErrNoDataStore, id)
	}

	e.bufferTime = m.next()
	return nil
}

// BufferTimeMarker returns the current content marker of the object.
func (m *Manager) BufferTimeMarker(id command.ObjectID, creation command.TimeMarker) (command.TimeMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buffers[bufferKey{id, creation}]
	if !ok {
		return 0, fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}
	return e.bufferTime, nil
}

// StorageTimeMarker returns the current storage-allocation marker.
func (m *Manager) StorageTimeMarker(id command.ObjectID, creation command.TimeMarker) (command.TimeMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buffers[bufferKey{id, creation}]
	if !ok {
		return 0, fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}
	return e.storageTime, nil
}

// Acquire returns a reference whose payload is consistent with the
// requested markers, allocating or refreshing the backend buffer as needed.
// The returned payload is never older than the requested markers; it may be
// newer if the object was redefined again after the markers were read.
// The caller owns the returned reference and must release it.
func (m *Manager) Acquire(id command.ObjectID, creation, bufferTime, storageTime command.TimeMarker) (*reference.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buffers[bufferKey{id, creation}]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}
	if bufferTime > e.bufferTime || storageTime > e.storageTime {
		return nil, fmt.Errorf("%w: requested (%d, %d), issued (%d, %d)",
			ErrFutureMarker, bufferTime, storageTime, e.bufferTime, e.storageTime)
	}
	if e.size == 0 {
		return nil, fmt.Errorf("%w: id=%d", ErrNoDataStore, id)
	}

	if e.current != nil && e.current.Payload().BufferTime == e.bufferTime &&
		e.current.Payload().StorageTime == e.storageTime {
		return e.current.Clone(), nil
	}

	ref, err := m.realize(id, creation, e)
	if err != nil {
		return nil, err
	}
	return ref.Clone(), nil
}

// realize installs a payload matching e's current markers, orphaning any
// previous one. When only the content marker moved the existing backend
// allocation is reused; a storage change allocates a fresh buffer. Callers
// hold m.mu.
func (m *Manager) realize(id command.ObjectID, creation command.TimeMarker, e *entry) (*reference.Reference, error) {
	alignedSize := (e.size + copyBufferAlignment - 1) &^ (copyBufferAlignment - 1)

	alloc := e.alloc
	if alloc == nil || alloc.storageTime != e.storageTime {
		halBuffer, err := m.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("glbridge-buffer-%d", id),
			Size:  alignedSize,
			Usage: e.usage | transferUsage,
		})
		if err != nil {
			return nil, fmt.Errorf("bufmgr: backend allocation failed: %w", err)
		}
		alloc = &allocation{buffer: halBuffer, storageTime: e.storageTime}
	}

	payload := &reference.BufferPayload{
		ID:           id,
		CreationTime: creation,
		Buffer:       alloc.buffer,
		BufferTime:   e.bufferTime,
		StorageTime:  e.storageTime,
		Size:         alignedSize,
		Usage:        e.usage | transferUsage,
	}

	alloc.refs.Add(1)
	device := m.device
	ref := reference.New(payload, func(*reference.BufferPayload) {
		if alloc.refs.Add(-1) == 0 {
			device.DestroyBuffer(alloc.buffer)
		}
	})

	if e.current != nil {
		// Orphan the stale payload; it dies with its last node reference.
		e.current.Release()
	}
	e.current = ref
	e.alloc = alloc

	m.log.Debug("backend buffer realized",
		slog.Uint64("id", uint64(id)),
		slog.Uint64("size", alignedSize),
		slog.Uint64("content", uint64(payload.BufferTime)),
		slog.Uint64("storage", uint64(payload.StorageTime)))
	return ref, nil
}

// UnregisterBuffer stops tracking the object. The backend buffer survives
// until every outstanding reference has been released.
func (m *Manager) UnregisterBuffer(id command.ObjectID, creation command.TimeMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bufferKey{id, creation}
	e, ok := m.buffers[key]
	if !ok {
		return fmt.Errorf("%w: id=%d creation=%d", ErrUnknownBuffer, id, creation)
	}
	if e.current != nil {
		e.current.Release()
	}
	delete(m.buffers, key)
	return nil
}

// Destroy releases the manager's references to every tracked buffer. The
// device itself is not owned by the manager and is left untouched.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.buffers {
		if e.current != nil {
			e.current.Release()
		}
		delete(m.buffers, key)
	}
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
