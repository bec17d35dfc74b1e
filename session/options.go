package session

import (
	"github.com/allaspectsdev/taskgraph/cache"
	"github.com/allaspectsdev/taskgraph/graphstore"
	"github.com/allaspectsdev/taskgraph/metrics"
	"github.com/allaspectsdev/taskgraph/plugin"
)

// Option configures a Session at Open time. Most callers need none of
// these; they exist for tests and embedders that want to supply their own
// cache, graph, collector, or plugin registry instead of the ones Open
// constructs from cfg.
type Option func(*openOptions)

type openOptions struct {
	cache     *cache.Cache
	graph     *graphstore.Graph
	collector *metrics.Collector
	plugins   *plugin.Registry
}

// WithCache supplies an already-open cache instead of having Open create
// one from cfg.StorePath. The session does not close a cache supplied this
// way; the caller retains ownership.
func WithCache(c *cache.Cache) Option {
	return func(o *openOptions) { o.cache = c }
}

// WithGraph supplies a graph store instead of having Open create an empty
// one.
func WithGraph(g *graphstore.Graph) Option {
	return func(o *openOptions) { o.graph = g }
}

// WithCollector supplies a metrics collector instead of having Open create
// a fresh one, useful for tests that assert on counters across multiple
// sessions sharing one collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *openOptions) { o.collector = c }
}

// WithPluginRegistry supplies a plugin registry instead of having Open
// create an empty one.
func WithPluginRegistry(r *plugin.Registry) Option {
	return func(o *openOptions) { o.plugins = r }
}
