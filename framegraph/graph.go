package framegraph

import (
	"context"
	"log/slog"
)

// ScheduledNode pairs a submitted node with the indices (into the same
// batch, in submission order) of the nodes it depends on.
type ScheduledNode struct {
	Node Node

	// Deps lists batch indices of nodes that must complete first.
	// Sorted ascending, no duplicates.
	Deps []int
}

// Graph accumulates nodes between flushes and derives their dependencies.
//
// Graph is confined to the scheduler goroutine: AddNode and Flush must only
// be called from the single consumer thread, so no locking is needed.
type Graph struct {
	log     *slog.Logger
	pending []ScheduledNode
}

// NewGraph creates an empty Graph. A nil logger disables logging.
func NewGraph(log *slog.Logger) *Graph {
	if log == nil {
		log = slog.New(nopHandler{})
	}
	return &Graph{log: log}
}

// AddNode appends n to the pending batch and records its dependencies on
// earlier pending nodes. A node declaring neither inputs nor outputs breaks
// downstream dependency tracking and is rejected as a programming error.
//
// Dependency rules, applied against every earlier node in the batch:
//   - read-after-write: an input of n overlaps an earlier output
//   - write-after-write: an output of n overlaps an earlier output
//   - write-after-read: an output of n overlaps an earlier input
func (g *Graph) AddNode(n Node) {
	if len(n.Inputs()) == 0 && len(n.Outputs()) == 0 {
		panic("framegraph: node declares no inputs or outputs")
	}

	sn := ScheduledNode{Node: n}
	for i := range g.pending {
		if g.dependsOn(n, g.pending[i].Node) {
			sn.Deps = append(sn.Deps, i)
		}
	}
	g.pending = append(g.pending, sn)

	g.log.Debug("node added",
		slog.String("node", n.Name()),
		slog.Int("index", len(g.pending)-1),
		slog.Int("deps", len(sn.Deps)))
}

// dependsOn reports whether later must wait for earlier.
func (g *Graph) dependsOn(later, earlier Node) bool {
	for _, in := range later.Inputs() {
		for _, out := range earlier.Outputs() {
			if in.overlaps(out) {
				return true
			}
		}
	}
	for _, out := range later.Outputs() {
		for _, prior := range earlier.Outputs() {
			if out.overlaps(prior) {
				return true
			}
		}
		for _, read := range earlier.Inputs() {
			if out.overlaps(read) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of pending nodes.
func (g *Graph) Len() int { return len(g.pending) }

// Flush hands the pending batch to the caller and resets the graph.
// Ownership of the nodes, including their resource references, transfers
// with the batch; the caller releases each node once it is executed or
// discarded.
func (g *Graph) Flush() []ScheduledNode {
	batch := g.pending
	g.pending = nil
	if len(batch) > 0 {
		g.log.Debug("graph flushed", slog.Int("nodes", len(batch)))
	}
	return batch
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
