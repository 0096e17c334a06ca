package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/glbridge/command"
	"github.com/gogpu/glbridge/framegraph"
	"github.com/gogpu/glbridge/reference"
)

// process dispatches one command to its handler. Handlers run strictly
// sequentially on the consumer goroutine: one command is fully processed
// before the next is dequeued, so no locking is needed around the registry
// or graph from this side.
//
// The command's kind set is closed; a concrete type without a case here is
// a programming error, as is dispatching a kind whose backend behavior has
// not been realized yet.
func (s *Scheduler) process(cmd command.Command) {
	switch c := cmd.(type) {
	case command.BufferData:
		s.processBufferData(c)
	case command.BufferSubData:
		s.processBufferSubData(c)
	case command.CopyBufferSubData:
		s.processCopyBufferSubData(c)
	case command.GetBufferSubData:
		s.processGetBufferSubData(c)
	case command.CompileShader:
		s.processCompileShader(c)
	case command.Flush:
		s.processFlush()
	case command.Finish:
		s.processFinish(c)
	case command.MapBuffer,
		command.UnmapBuffer,
		command.FlushMappedBufferRange,
		command.TexImage2D,
		command.TexSubImage2D,
		command.GetTextureImage,
		command.LinkProgram,
		command.Clear,
		command.DrawArrays,
		command.DrawElements,
		command.ReadPixels:
		panic(fmt.Sprintf("scheduler: %s command not implemented", cmd.Kind()))
	default:
		panic(fmt.Sprintf("scheduler: unhandled command type %T", cmd))
	}
}

// acquireBuffer resolves obj to a backend reference consistent with the
// object's markers as of now. The caller owns the returned reference.
//
// The registry's markers are monotonic, so the result can only be at or
// past obj.Snapshot; observing an older content marker means the producer
// handed us a reference into a different object incarnation, which is a
// contract violation upstream.
func (s *Scheduler) acquireBuffer(obj command.ObjectRef) (*reference.Reference, error) {
	bufferTime, err := s.registry.BufferTimeMarker(obj.ID, obj.CreationTime)
	if err != nil {
		return nil, err
	}
	if bufferTime < obj.Snapshot {
		panic(fmt.Sprintf("scheduler: content marker %d behind command snapshot %d for buffer %d",
			bufferTime, obj.Snapshot, obj.ID))
	}
	storageTime, err := s.registry.StorageTimeMarker(obj.ID, obj.CreationTime)
	if err != nil {
		return nil, err
	}
	return s.registry.Acquire(obj.ID, obj.CreationTime, bufferTime, storageTime)
}

// dropCommand records a command whose backend resolution failed. The
// command produces no node; its completion callback, if any, still fires so
// a blocked client can proceed.
func (s *Scheduler) dropCommand(cmd command.Command, err error) {
	s.log.Error("command dropped",
		slog.String("kind", cmd.Kind().String()),
		slog.String("error", err.Error()))
	signalAbandoned(cmd)
}

// signalAbandoned fires the completion callback of a command that will
// never reach the backend. Readback callbacks receive nil instead of data.
func signalAbandoned(cmd command.Command) {
	switch c := cmd.(type) {
	case command.GetBufferSubData:
		if c.Done != nil {
			c.Done(nil)
		}
	case command.GetTextureImage:
		if c.Done != nil {
			c.Done(nil)
		}
	case command.ReadPixels:
		if c.Done != nil {
			c.Done(nil)
		}
	case command.Finish:
		if c.Done != nil {
			c.Done()
		}
	}
}

// processBufferData realizes a full data-store upload: the touched range
// is declared as both input and output, modeling "this data replaces
// existing content of that range". The command moves into the node, which
// still needs its source bytes.
func (s *Scheduler) processBufferData(cmd command.BufferData) {
	if cmd.Buffer.ID == 0 {
		panic("scheduler: buffer-data command without buffer reference")
	}

	ref, err := s.acquireBuffer(cmd.Buffer)
	if err != nil {
		s.dropCommand(cmd, err)
		return
	}
	defer ref.Release()

	s.graph.AddNode(framegraph.NewBufferData(cmd, ref))
}

func (s *Scheduler) processBufferSubData(cmd command.BufferSubData) {
	if cmd.Buffer.ID == 0 {
		panic("scheduler: buffer-sub-data command without buffer reference")
	}

	ref, err := s.acquireBuffer(cmd.Buffer)
	if err != nil {
		s.dropCommand(cmd, err)
		return
	}
	defer ref.Release()

	s.graph.AddNode(framegraph.NewBufferSubData(cmd, ref))
}

func (s *Scheduler) processCopyBufferSubData(cmd command.CopyBufferSubData) {
	if cmd.Src.ID == 0 || cmd.Dst.ID == 0 {
		panic("scheduler: buffer-copy command without buffer references")
	}

	src, err := s.acquireBuffer(cmd.Src)
	if err != nil {
		s.dropCommand(cmd, err)
		return
	}
	defer src.Release()

	dst, err := s.acquireBuffer(cmd.Dst)
	if err != nil {
		s.dropCommand(cmd, err)
		return
	}
	defer dst.Release()

	s.graph.AddNode(framegraph.NewBufferCopy(cmd, src, dst))
}

func (s *Scheduler) processGetBufferSubData(cmd command.GetBufferSubData) {
	if cmd.Buffer.ID == 0 {
		panic("scheduler: buffer-readback command without buffer reference")
	}

	ref, err := s.acquireBuffer(cmd.Buffer)
	if err != nil {
		s.dropCommand(cmd, err)
		return
	}
	defer ref.Release()

	s.graph.AddNode(framegraph.NewBufferReadback(cmd, ref))
}

// processCompileShader translates shader source through the shader store.
// Compilation touches no resource ranges, so no node is produced; a failed
// compile is an application error surfaced via the GL compile status, not a
// scheduler failure.
func (s *Scheduler) processCompileShader(cmd command.CompileShader) {
	if cmd.Shader.ID == 0 {
		panic("scheduler: compile-shader command without shader reference")
	}
	if s.shaders == nil {
		panic("scheduler: compile-shader command without a shader store configured")
	}

	if err := s.shaders.Compile(cmd.Shader.ID, cmd.Source); err != nil {
		s.log.Error("shader compilation failed",
			slog.Uint64("id", uint64(cmd.Shader.ID)),
			slog.String("error", err.Error()))
	}
}

// processFlush hands the accumulated batch to the executor, or releases it
// when no executor is configured.
func (s *Scheduler) processFlush() {
	batch := s.graph.Flush()
	if len(batch) == 0 {
		return
	}
	if s.exec != nil {
		s.exec.Execute(batch)
		return
	}
	for _, sn := range batch {
		sn.Node.Release()
	}
}

// processFinish flushes like processFlush and then signals the waiter. The
// handoff to the executor is synchronous on this goroutine, so by the time
// Done fires all prior work has been submitted.
func (s *Scheduler) processFinish(cmd command.Finish) {
	s.processFlush()
	if cmd.Done != nil {
		cmd.Done()
	}
}
