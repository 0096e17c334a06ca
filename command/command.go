// Package command defines the frontend command stream consumed by the
// scheduler.
//
// Application threads record GL-level operations as typed command structs
// and hand them to the scheduler, which resolves them against backend
// resources asynchronously. Commands are single-owner values: whoever holds
// a command owns it outright, and ownership transfers fully into the
// scheduler's channel at submit time and fully out at dequeue time.
//
// Frontend objects are referenced by identity (ObjectRef), never by pointer
// into backend state, so recording never blocks on the backend.
package command

import "fmt"

// TimeMarker is a monotonically non-decreasing version stamp attached to a
// mutable aspect of a frontend object. Bumping a marker invalidates any
// backend snapshot taken under an older value.
type TimeMarker uint64

// ObjectID is the stable integer identity of a frontend object (its GL
// name). IDs are assigned at object creation and never reused while the
// object is alive.
type ObjectID uint32

// ObjectRef names a frontend object at a point in time: its id, the marker
// assigned when the object was created, and the content marker that was
// current when the command referencing it was recorded.
type ObjectRef struct {
	// ID is the frontend object identity.
	ID ObjectID

	// CreationTime distinguishes reincarnations of the same id.
	CreationTime TimeMarker

	// Snapshot is the content marker captured at record time. A handler
	// must never operate on backend state older than this.
	Snapshot TimeMarker
}

// Kind identifies the operation a command performs.
// The set is closed: the scheduler's dispatch covers every kind and treats
// anything else as a programming error.
type Kind uint8

const (
	// Buffer object operations.
	KindBufferData Kind = iota // allocate + upload full data store
	KindBufferSubData
	KindCopyBufferSubData
	KindGetBufferSubData
	KindMapBuffer
	KindUnmapBuffer
	KindFlushMappedBufferRange

	// Texture object operations.
	KindTexImage2D
	KindTexSubImage2D
	KindGetTextureImage

	// Program object operations.
	KindCompileShader
	KindLinkProgram

	// Rendering and synchronization.
	KindClear
	KindDrawArrays
	KindDrawElements
	KindReadPixels
	KindFlush
	KindFinish
)

// kindNames maps Kind values to their string representation.
var kindNames = [...]string{
	KindBufferData:             "BufferData",
	KindBufferSubData:          "BufferSubData",
	KindCopyBufferSubData:      "CopyBufferSubData",
	KindGetBufferSubData:       "GetBufferSubData",
	KindMapBuffer:              "MapBuffer",
	KindUnmapBuffer:            "UnmapBuffer",
	KindFlushMappedBufferRange: "FlushMappedBufferRange",
	KindTexImage2D:             "TexImage2D",
	KindTexSubImage2D:          "TexSubImage2D",
	KindGetTextureImage:        "GetTextureImage",
	KindCompileShader:          "CompileShader",
	KindLinkProgram:            "LinkProgram",
	KindClear:                  "Clear",
	KindDrawArrays:             "DrawArrays",
	KindDrawElements:           "DrawElements",
	KindReadPixels:             "ReadPixels",
	KindFlush:                  "Flush",
	KindFinish:                 "Finish",
}

// String returns the string representation of a Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Command is implemented by all command types. The scheduler dispatches on
// the concrete type; Kind exists for logging and assertions.
type Command interface {
	Kind() Kind
}

// BufferData (re)specifies a buffer object's entire data store and fills it
// with Data. The storage-allocation marker of the target has already been
// bumped on the frontend side; Buffer.Snapshot carries the resulting
// content marker.
type BufferData struct {
	Buffer ObjectRef
	Size   uint64
	Data   []byte // owned by the command; moved into the node at dispatch
}

// BufferSubData overwrites Size bytes of an existing data store starting at
// Offset.
type BufferSubData struct {
	Buffer ObjectRef
	Offset uint64
	Size   uint64
	Data   []byte
}

// CopyBufferSubData copies Size bytes between two buffer objects' stores.
type CopyBufferSubData struct {
	Src       ObjectRef
	Dst       ObjectRef
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// GetBufferSubData reads Size bytes back from a buffer object's store
// starting at Offset. Done receives the bytes once the backend readback
// completes, or nil if the command is abandoned (backend failure or
// scheduler shutdown).
type GetBufferSubData struct {
	Buffer ObjectRef
	Offset uint64
	Size   uint64
	Done   func([]byte)
}

// MapBuffer maps a range of a buffer object's store into client memory.
type MapBuffer struct {
	Buffer ObjectRef
	Offset uint64
	Size   uint64
	Write  bool
}

// UnmapBuffer releases a mapping established by MapBuffer.
type UnmapBuffer struct {
	Buffer ObjectRef
}

// FlushMappedBufferRange makes writes to an explicitly-flushed mapping
// visible to the backend.
type FlushMappedBufferRange struct {
	Buffer ObjectRef
	Offset uint64
	Size   uint64
}

// TexImage2D specifies a two-dimensional texture image.
type TexImage2D struct {
	Texture ObjectRef
	Level   int
	Width   int
	Height  int
	Data    []byte
}

// TexSubImage2D overwrites a sub-rectangle of an existing texture image.
type TexSubImage2D struct {
	Texture ObjectRef
	Level   int
	X, Y    int
	Width   int
	Height  int
	Data    []byte
}

// GetTextureImage reads a texture image back into client memory.
type GetTextureImage struct {
	Texture ObjectRef
	Level   int
	Done    func([]byte)
}

// CompileShader translates shader source for the backend. Source is WGSL;
// the frontend translator has already lowered the original GLSL.
type CompileShader struct {
	Shader ObjectRef
	Source string
}

// LinkProgram links previously compiled shaders into a program object.
type LinkProgram struct {
	Program ObjectRef
	Shaders []ObjectRef
}

// Clear clears the currently bound framebuffer.
type Clear struct {
	Mask uint32
}

// DrawArrays renders primitives from bound vertex buffers.
type DrawArrays struct {
	Mode  uint32
	First int32
	Count int32
}

// DrawElements renders indexed primitives.
type DrawElements struct {
	Mode    uint32
	Count   int32
	Indices ObjectRef
	Offset  uint64
}

// ReadPixels reads a rectangle of pixels from the framebuffer.
type ReadPixels struct {
	X, Y          int
	Width, Height int
	Done          func([]byte)
}

// Flush asks the backend to begin executing all recorded work.
type Flush struct{}

// Finish asks the backend to execute all recorded work and signals Done (if
// non-nil) once the work has been handed off, or at shutdown if the command
// is dropped un-processed.
type Finish struct {
	Done func()
}

// Kind implementations. One line per command type so the dispatch table and
// this list stay trivially comparable.
func (BufferData) Kind() Kind             { return KindBufferData }
func (BufferSubData) Kind() Kind          { return KindBufferSubData }
func (CopyBufferSubData) Kind() Kind      { return KindCopyBufferSubData }
func (GetBufferSubData) Kind() Kind       { return KindGetBufferSubData }
func (MapBuffer) Kind() Kind              { return KindMapBuffer }
func (UnmapBuffer) Kind() Kind            { return KindUnmapBuffer }
func (FlushMappedBufferRange) Kind() Kind { return KindFlushMappedBufferRange }
func (TexImage2D) Kind() Kind             { return KindTexImage2D }
func (TexSubImage2D) Kind() Kind          { return KindTexSubImage2D }
func (GetTextureImage) Kind() Kind        { return KindGetTextureImage }
func (CompileShader) Kind() Kind          { return KindCompileShader }
func (LinkProgram) Kind() Kind            { return KindLinkProgram }
func (Clear) Kind() Kind                  { return KindClear }
func (DrawArrays) Kind() Kind             { return KindDrawArrays }
func (DrawElements) Kind() Kind           { return KindDrawElements }
func (ReadPixels) Kind() Kind             { return KindReadPixels }
func (Flush) Kind() Kind                  { return KindFlush }
func (Finish) Kind() Kind                 { return KindFinish }
