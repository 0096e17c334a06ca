// Package reference provides shared-ownership handles over versioned
// backend buffer state.
//
// A payload is an immutable snapshot of the backend resource matching a
// frontend object at a specific combination of version markers; a changed
// marker always produces a new payload, never an in-place update. The
// handle is refcounted so the same payload can be attached to multiple
// frame-graph declarations (commonly both an input and an output of one
// node) without duplicating backend state.
package reference

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/glbridge/command"
)

// BufferPayload is the backend-side state of one frontend buffer object at
// a specific version. It is immutable once constructed.
type BufferPayload struct {
	// ID and CreationTime identify the frontend object.
	ID           command.ObjectID
	CreationTime command.TimeMarker

	// Buffer is the backend buffer realizing the object's data store.
	Buffer hal.Buffer

	// BufferTime is the content marker the snapshot was taken under;
	// StorageTime is the storage-allocation marker.
	BufferTime  command.TimeMarker
	StorageTime command.TimeMarker

	// Size and Usage describe the backend allocation.
	Size  uint64
	Usage gputypes.BufferUsage
}

// Equal reports whether two payloads describe the same object at the same
// version. All identity and version components must match; this is the
// validity check for cached references.
func (p *BufferPayload) Equal(o *BufferPayload) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.ID == o.ID &&
		p.CreationTime == o.CreationTime &&
		p.BufferTime == o.BufferTime &&
		p.StorageTime == o.StorageTime
}

// SameAllocation reports whether two payloads share one backend
// allocation: the same object incarnation and the same storage version.
// Content markers may differ; content updates are written into the
// allocation in place by frame-graph nodes, so hazard tracking keys on the
// allocation rather than the content version.
func (p *BufferPayload) SameAllocation(o *BufferPayload) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.ID == o.ID &&
		p.CreationTime == o.CreationTime &&
		p.StorageTime == o.StorageTime
}

// String returns a compact description for logging.
func (p *BufferPayload) String() string {
	return fmt.Sprintf("buffer[id=%d created=%d content=%d storage=%d size=%d]",
		p.ID, p.CreationTime, p.BufferTime, p.StorageTime, p.Size)
}

// shared is the refcounted core a payload's references all point at.
type shared struct {
	payload *BufferPayload
	count   atomic.Int64

	// release is invoked exactly once, when the count reaches zero.
	release func(*BufferPayload)
}

// Reference is a shared-ownership handle over a BufferPayload.
//
// Clone and Release are safe for concurrent use; everything else is
// read-only. The zero Reference is invalid.
type Reference struct {
	s *shared
}

// New wraps payload in a fresh Reference with a count of one. The release
// hook, if non-nil, runs when the last reference is dropped; the buffer
// manager uses it to destroy superseded backend buffers.
func New(payload *BufferPayload, release func(*BufferPayload)) *Reference {
	if payload == nil {
		panic("reference: nil payload")
	}
	s := &shared{payload: payload, release: release}
	s.count.Store(1)
	return &Reference{s: s}
}

// Payload returns the referenced payload.
func (r *Reference) Payload() *BufferPayload { return r.s.payload }

// Clone returns a new handle to the same payload, bumping the shared count.
// Cloning an already-released reference is a programming error.
func (r *Reference) Clone() *Reference {
	if r.s.count.Add(1) <= 1 {
		panic("reference: Clone of released reference")
	}
	return &Reference{s: r.s}
}

// Release drops this handle. When the last handle is dropped the release
// hook runs. Releasing the same handle twice is a programming error.
func (r *Reference) Release() {
	n := r.s.count.Add(-1)
	if n < 0 {
		panic("reference: Release of released reference")
	}
	if n == 0 && r.s.release != nil {
		r.s.release(r.s.payload)
	}
}

// Count returns the current shared count. For tests and diagnostics.
func (r *Reference) Count() int64 { return r.s.count.Load() }
