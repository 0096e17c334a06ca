// Package scheduler decouples application threads from backend execution.
//
// Producers submit frontend commands from any goroutine; a single dedicated
// consumer goroutine drains them in FIFO order and dispatches each to a
// handler keyed by its concrete type. Handlers resolve the referenced
// frontend objects to versioned backend references through the Registry and
// emit dependency-declaring frame-graph nodes.
//
// Failures inside this core are either programming-contract violations,
// which panic, or expected transient conditions (empty channel, full
// channel), which block or retry. There is no user-visible error surface.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/glbridge/command"
	"github.com/gogpu/glbridge/framegraph"
	"github.com/gogpu/glbridge/internal/ring"
	"github.com/gogpu/glbridge/reference"
)

// DefaultWaitPeriod bounds each wait on the command channel. It is also the
// worst-case shutdown latency: the terminating flag is polled only after a
// timed-out wait, a deliberate trade of shutdown promptness for a lock-free
// hot path.
const DefaultWaitPeriod = 1000 * time.Millisecond

// Registry resolves frontend buffer identities to versioned backend buffer
// references. Implemented by bufmgr.Manager; callable from the scheduler
// goroutine while producers bump markers.
type Registry interface {
	// BufferTimeMarker returns the object's current content marker.
	BufferTimeMarker(id command.ObjectID, creation command.TimeMarker) (command.TimeMarker, error)

	// StorageTimeMarker returns the object's current storage-allocation
	// marker.
	StorageTimeMarker(id command.ObjectID, creation command.TimeMarker) (command.TimeMarker, error)

	// Acquire returns a reference consistent with the supplied markers,
	// never older. The caller owns the returned reference.
	Acquire(id command.ObjectID, creation, bufferTime, storageTime command.TimeMarker) (*reference.Reference, error)
}

// GraphSink accepts constructed nodes and hands back accumulated batches.
// Implemented by framegraph.Graph; called only from the scheduler
// goroutine.
type GraphSink interface {
	AddNode(framegraph.Node)
	Flush() []framegraph.ScheduledNode
}

// Executor runs a flushed batch against the backend, honoring the declared
// dependencies. It takes ownership of the nodes and releases them.
type Executor interface {
	Execute(batch []framegraph.ScheduledNode)
}

// ShaderStore compiles shader source for the backend.
// Implemented by shadermgr.Store.
type ShaderStore interface {
	Compile(id command.ObjectID, wgsl string) error
}

// Config configures a Scheduler. Registry and Graph are required.
type Config struct {
	Registry Registry
	Graph    GraphSink

	// Shaders handles compile-shader commands. Without it, dispatching a
	// compile command is a fatal error.
	Shaders ShaderStore

	// Executor receives flushed batches. Without it, flushed nodes are
	// released unexecuted (useful for tests and dry runs).
	Executor Executor

	// Logger receives scheduler diagnostics. Nil disables logging.
	Logger *slog.Logger

	// QueueLog2 sizes the command channel at 1<<QueueLog2 slots.
	// Zero means ring.DefaultLog2Capacity.
	QueueLog2 int

	// WaitPeriod bounds each wait on the channel and thereby the
	// shutdown latency. Zero means DefaultWaitPeriod.
	WaitPeriod time.Duration
}

// Scheduler owns the command channel and the consumer goroutine.
//
// Submit may be called from any goroutine; everything else about the
// scheduler's collaborators happens on the consumer goroutine only.
type Scheduler struct {
	registry Registry
	graph    GraphSink
	shaders  ShaderStore
	exec     Executor
	log      *slog.Logger

	wait     time.Duration
	commands *ring.Buffer[command.Command]

	terminating atomic.Bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New validates cfg, allocates the command channel and starts the consumer
// goroutine. Missing collaborators are a contract violation: New panics on
// a nil Registry or Graph.
func New(cfg Config) *Scheduler {
	if cfg.Registry == nil {
		panic("scheduler: nil Registry")
	}
	if cfg.Graph == nil {
		panic("scheduler: nil Graph")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(nopHandler{})
	}
	queueLog2 := cfg.QueueLog2
	if queueLog2 == 0 {
		queueLog2 = ring.DefaultLog2Capacity
	}
	wait := cfg.WaitPeriod
	if wait == 0 {
		wait = DefaultWaitPeriod
	}

	s := &Scheduler{
		registry: cfg.Registry,
		graph:    cfg.Graph,
		shaders:  cfg.Shaders,
		exec:     cfg.Executor,
		log:      log,
		wait:     wait,
		commands: ring.New[command.Command](queueLog2),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Submit enqueues cmd for asynchronous processing. It is the sole
// producer-facing operation and never fails visibly: a full channel blocks
// the caller until the consumer drains a slot. A nil command is a contract
// violation and panics.
//
// Submit must not be called after Close.
func (s *Scheduler) Submit(cmd command.Command) {
	if cmd == nil {
		panic("scheduler: Submit of nil command")
	}
	s.commands.Stash(cmd)
}

// drainWait bounds the post-shutdown drain: once no command arrives within
// it, every producer that was blocked in Submit has handed its command over.
const drainWait = 10 * time.Millisecond

// Close asks the consumer goroutine to terminate and waits for it to exit.
// Termination is cooperative: the flag is observed after the current
// channel wait, so Close blocks for at most one wait period plus the
// in-flight handler. Commands still queued when the loop exits are drained
// and dropped un-processed; the drain also releases producers that entered
// Submit before Close and were still blocked on a full channel. Dropped
// commands carrying a completion callback fire it without data. Close is
// idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.terminating.Store(true)
		s.wg.Wait()
		dropped := 0
		for {
			cmd, ok := s.commands.GrabWithTimeout(drainWait)
			if !ok {
				break
			}
			signalAbandoned(cmd)
			dropped++
		}
		if dropped > 0 {
			s.log.Warn("commands dropped at shutdown", slog.Int("count", dropped))
		}
	})
}

// run is the consumer loop. It lives on its own dedicated goroutine.
func (s *Scheduler) run() {
	defer s.wg.Done()

	s.log.Info("scheduler thread started")
	for {
		cmd, ok := s.commands.GrabWithTimeout(s.wait)
		if !ok {
			// Wait period elapsed with nothing submitted. Quit if the
			// scheduler is winding down, otherwise keep waiting.
			if s.terminating.Load() {
				break
			}
			continue
		}
		s.process(cmd)
	}
	s.log.Info("scheduler thread quitting now")
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
