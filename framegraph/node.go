// Package framegraph collects dependency-annotated units of backend work.
//
// Handlers on the scheduler thread turn each frontend command into a Node
// declaring the byte ranges of backend resources it reads and writes. The
// Graph records nodes in submission order and derives the true data
// dependencies between them from overlapping declarations, so the executor
// can order work by hazard rather than by program order alone.
package framegraph

import (
	"github.com/gogpu/glbridge/command"
	"github.com/gogpu/glbridge/reference"
)

// NodeIO declares that a node reads or writes Size bytes of the referenced
// backend resource starting at Offset. The declaration owns its reference;
// it is released through Node.Release once the graph no longer needs it.
type NodeIO struct {
	Ref    *reference.Reference
	Offset uint64
	Size   uint64
}

// overlaps reports whether two declarations touch the same backend
// allocation and intersecting byte ranges. An empty range never overlaps.
func (io NodeIO) overlaps(other NodeIO) bool {
	if io.Size == 0 || other.Size == 0 {
		return false
	}
	if !io.Ref.Payload().SameAllocation(other.Ref.Payload()) {
		return false
	}
	return io.Offset < other.Offset+other.Size && other.Offset < io.Offset+io.Size
}

// Node is a declared unit of backend work. Nodes are constructed by command
// handlers, submitted to the Graph and not mutated afterwards.
type Node interface {
	// Name identifies the node's operation for logging.
	Name() string

	// Inputs and Outputs are the node's declared resource ranges. Every
	// node declares at least one of either.
	Inputs() []NodeIO
	Outputs() []NodeIO

	// Command returns the originating frontend command; the backend step
	// still needs its parameters (source bytes, offsets, callbacks).
	Command() command.Command

	// Release drops the node's resource references. Called by whoever
	// ends up owning the node once its work is done or discarded.
	Release()
}

// baseNode carries the declarations shared by all node kinds.
type baseNode struct {
	name    string
	inputs  []NodeIO
	outputs []NodeIO
	cmd     command.Command
}

func (n *baseNode) Name() string             { return n.name }
func (n *baseNode) Inputs() []NodeIO         { return n.inputs }
func (n *baseNode) Outputs() []NodeIO        { return n.outputs }
func (n *baseNode) Command() command.Command { return n.cmd }

func (n *baseNode) Release() {
	for _, io := range n.inputs {
		io.Ref.Release()
	}
	for _, io := range n.outputs {
		io.Ref.Release()
	}
	n.inputs = nil
	n.outputs = nil
}

// BufferDataNode replaces a buffer's entire data store with the bytes
// carried by its BufferData command. The touched range is declared as both
// input and output: the upload replaces existing content of that range.
type BufferDataNode struct{ baseNode }

// NewBufferData builds a BufferDataNode over ref, which must be consistent
// with the command's version markers. The node takes its own clones of ref;
// the caller keeps ownership of ref itself.
func NewBufferData(cmd command.BufferData, ref *reference.Reference) *BufferDataNode {
	return &BufferDataNode{baseNode{
		name:    "buffer-data",
		inputs:  []NodeIO{{Ref: ref.Clone(), Offset: 0, Size: cmd.Size}},
		outputs: []NodeIO{{Ref: ref.Clone(), Offset: 0, Size: cmd.Size}},
		cmd:     cmd,
	}}
}

// BufferSubDataNode overwrites a sub-range of an existing data store.
type BufferSubDataNode struct{ baseNode }

// NewBufferSubData builds a BufferSubDataNode touching
// [cmd.Offset, cmd.Offset+cmd.Size).
func NewBufferSubData(cmd command.BufferSubData, ref *reference.Reference) *BufferSubDataNode {
	return &BufferSubDataNode{baseNode{
		name:    "buffer-sub-data",
		inputs:  []NodeIO{{Ref: ref.Clone(), Offset: cmd.Offset, Size: cmd.Size}},
		outputs: []NodeIO{{Ref: ref.Clone(), Offset: cmd.Offset, Size: cmd.Size}},
		cmd:     cmd,
	}}
}

// BufferCopyNode copies a range between two backend buffers: the source
// range is an input, the destination range an output.
type BufferCopyNode struct{ baseNode }

// NewBufferCopy builds a BufferCopyNode from distinct source and
// destination references.
func NewBufferCopy(cmd command.CopyBufferSubData, src, dst *reference.Reference) *BufferCopyNode {
	return &BufferCopyNode{baseNode{
		name:    "buffer-copy",
		inputs:  []NodeIO{{Ref: src.Clone(), Offset: cmd.SrcOffset, Size: cmd.Size}},
		outputs: []NodeIO{{Ref: dst.Clone(), Offset: cmd.DstOffset, Size: cmd.Size}},
		cmd:     cmd,
	}}
}

// BufferReadbackNode reads a range of a backend buffer back to the
// application. It only consumes the range, so it declares a single input.
type BufferReadbackNode struct{ baseNode }

// NewBufferReadback builds a BufferReadbackNode over the command's range.
func NewBufferReadback(cmd command.GetBufferSubData, ref *reference.Reference) *BufferReadbackNode {
	return &BufferReadbackNode{baseNode{
		name:   "buffer-readback",
		inputs: []NodeIO{{Ref: ref.Clone(), Offset: cmd.Offset, Size: cmd.Size}},
		cmd:    cmd,
	}}
}
