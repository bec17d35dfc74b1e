// Package graphstore is the session's in-memory index of futures: a
// fingerprint-keyed table, a FIFO ready queue, and a running set, plus a
// bounded LRU mirror of recently-resolved futures for cheap re-lookup of hot
// sub-computations within a single run. The graph is created at session
// start and discarded at session close; durable memoisation across runs is
// the cache package's job, not this one's.
package graphstore

import (
	"container/list"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/task"
)

// defaultMirrorSize bounds the in-memory LRU mirror when the caller does not
// specify one via WithMirrorSize.
const defaultMirrorSize = 4096

// Graph is the session's single-writer index of tasks by fingerprint. All
// mutating operations are serialised under mu, the single scheduling lock
// held even in multi-worker mode.
type Graph struct {
	mu sync.Mutex

	tasks   map[fingerprint.Hash]*task.Task
	ready   *list.List // of *task.Task, FIFO
	running map[fingerprint.Hash]*task.Task

	mirror *lru.Cache[fingerprint.Hash, *task.Task]
}

// Option configures a Graph at construction.
type Option func(*options)

type options struct {
	mirrorSize int
}

// WithMirrorSize overrides the LRU mirror's capacity (default 4096).
func WithMirrorSize(n int) Option {
	return func(o *options) { o.mirrorSize = n }
}

// New returns an empty Graph.
func New(opts ...Option) *Graph {
	o := options{mirrorSize: defaultMirrorSize}
	for _, opt := range opts {
		opt(&o)
	}
	mirror, err := lru.New[fingerprint.Hash, *task.Task](o.mirrorSize)
	if err != nil {
		// o.mirrorSize is always > 0 (default or caller-supplied positive
		// value); lru.New only errors on size <= 0.
		panic("graphstore: invalid mirror size")
	}
	return &Graph{
		tasks:   make(map[fingerprint.Hash]*task.Task),
		ready:   list.New(),
		running: make(map[fingerprint.Hash]*task.Task),
		mirror:  mirror,
	}
}

// GetOrInsert returns the task registered under fp, creating it with factory
// if absent. The second return value reports whether an existing task was
// returned (true) rather than a new one created (false) — callers use this
// to decide whether to emit task-created.
func (g *Graph) GetOrInsert(fp fingerprint.Hash, factory func() *task.Task) (*task.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.tasks[fp]; ok {
		g.mirror.Add(fp, t)
		return t, true
	}
	t := factory()
	g.tasks[fp] = t
	g.mirror.Add(fp, t)
	return t, false
}

// Get looks up a task by fingerprint without creating one. The mirror is
// consulted first since it is the common path for a hot fingerprint demanded
// repeatedly within the same run; a miss falls through to the authoritative
// map.
func (g *Graph) Get(fp fingerprint.Hash) (*task.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.mirror.Get(fp); ok {
		return t, true
	}
	t, ok := g.tasks[fp]
	if ok {
		g.mirror.Add(fp, t)
	}
	return t, ok
}

// MarkReady appends t to the FIFO ready queue. t must not already be
// running or already queued; callers ensure this by calling MarkReady at
// most once per task, once its declared children have settled.
func (g *Graph) MarkReady(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready.PushBack(t)
}

// PopReady removes and returns the oldest ready task, or nil if the queue is
// empty. FIFO order keeps plugin-observable scheduling deterministic under
// insertion order, per spec.
func (g *Graph) PopReady() *task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	front := g.ready.Front()
	if front == nil {
		return nil
	}
	g.ready.Remove(front)
	return front.Value.(*task.Task)
}

// MarkRunning moves t into the running set.
func (g *Graph) MarkRunning(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running[t.Fingerprint()] = t
}

// MarkDone removes t from the running set. Called on both successful
// completion and error, since either is terminal.
func (g *Graph) MarkDone(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, t.Fingerprint())
}

// RunningCount reports how many tasks are currently running. The driver
// loop uses this to detect deadlock: ready queue empty, running count zero,
// demanded roots not all Done.
func (g *Graph) RunningCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// ReadyLen reports the current ready-queue depth, for status/metrics
// surfaces.
func (g *Graph) ReadyLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready.Len()
}

// Len reports the total number of tasks registered in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
