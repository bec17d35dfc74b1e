// Package session is the driver: it owns the in-memory graph, the
// persistent cache, the plugin registry, and the metrics collector for one
// run, and schedules rule invocations against them. It is the one package
// that depends on every other package in this module — rule, task,
// future, graphstore, cache, value, fingerprint, config, plugin, metrics,
// tracing — and is the only one that implements rule.Caller end to end.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/taskgraph/cache"
	"github.com/allaspectsdev/taskgraph/config"
	"github.com/allaspectsdev/taskgraph/graphstore"
	"github.com/allaspectsdev/taskgraph/metrics"
	"github.com/allaspectsdev/taskgraph/plugin"
)

// currentSession enforces the nested-session rule: at most one Session may
// be open in a process at a time. Mirrors config's configPtr
// atomic.Pointer[Config] singleton pattern, generalised from "current
// config" to "current session".
var currentSession atomic.Pointer[Session]

// Session is the scheduler: one open cache, one in-memory graph, one
// plugin registry, one metrics collector, bound to a single worker
// identity for the lifetime of the session.
type Session struct {
	cfg *config.Config

	cache     *cache.Cache
	ownsCache bool

	graph   *graphstore.Graph
	plugins *plugin.Registry
	metrics *metrics.Collector
	status  *metrics.StatusServer

	workerID string
	sem      chan struct{} // nil means unbounded concurrent task bodies

	// progress wakes any driveUntil loop blocked waiting for work: signalled
	// whenever a task becomes ready or finishes (successfully or not), since
	// either can unblock a target the loop is waiting on.
	progress chan struct{}

	closed atomic.Bool
}

// Open starts a session against cfg, bracketing construction with the
// session-open/post-enter plugin events. A second Open call while this
// process already holds an open session fails with ErrorKindNestedSession.
func Open(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{cfg: cfg, progress: make(chan struct{}, 1)}
	if !currentSession.CompareAndSwap(nil, s) {
		return nil, newTaskError(ErrorKindNestedSession, "", "", errors.New("session: a session is already open in this process"))
	}

	ctx := context.Background()

	if o.plugins != nil {
		s.plugins = o.plugins
	} else {
		s.plugins = plugin.NewRegistry()
	}

	if err := s.plugins.Dispatch(ctx, plugin.SessionOpen, plugin.Payload{}); err != nil {
		currentSession.CompareAndSwap(s, nil)
		return nil, fmt.Errorf("session: open: %w", err)
	}

	if o.collector != nil {
		s.metrics = o.collector
	} else {
		s.metrics = metrics.NewCollector()
	}

	if o.graph != nil {
		s.graph = o.graph
	} else {
		s.graph = graphstore.New()
	}

	if o.cache != nil {
		s.cache = o.cache
	} else {
		c, err := cache.Open(cfg.StorePath)
		if err != nil {
			currentSession.CompareAndSwap(s, nil)
			return nil, fmt.Errorf("session: opening cache: %w", err)
		}
		s.cache = c
		s.ownsCache = true
	}

	s.workerID = uuid.NewString()

	if cfg.Workers > 0 {
		s.sem = make(chan struct{}, cfg.Workers)
	}

	if cfg.MetricsAddr != "" {
		s.status = metrics.NewStatusServer(s.metrics, s.graph, cfg.MetricsAddr)
		go func() {
			if err := s.status.Start(); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("session: status server stopped")
			}
		}()
	}

	if err := s.plugins.Dispatch(ctx, plugin.PostEnter, plugin.Payload{}); err != nil {
		s.teardown(ctx)
		currentSession.CompareAndSwap(s, nil)
		return nil, fmt.Errorf("session: post-enter: %w", err)
	}

	log.Info().Str("worker_id", s.workerID).Str("store", cfg.StorePath).Int("workers", cfg.Workers).Msg("session opened")
	return s, nil
}

// Close tears the session down: pre-exit and session-close plugin events
// bracket releasing the status server and, if this session opened it, the
// cache. Close is idempotent; a second call is a no-op. Errors from both
// plugin brackets are joined into the returned error rather than dropping
// either.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()
	var errs []error

	if err := s.plugins.Dispatch(ctx, plugin.PreExit, plugin.Payload{}); err != nil {
		errs = append(errs, fmt.Errorf("session: pre-exit: %w", err))
	}

	s.teardown(ctx)

	if err := s.plugins.Dispatch(ctx, plugin.SessionClose, plugin.Payload{}); err != nil {
		errs = append(errs, fmt.Errorf("session: session-close: %w", err))
	}

	currentSession.CompareAndSwap(s, nil)

	log.Info().Str("worker_id", s.workerID).Msg("session closed")
	return errors.Join(errs...)
}

func (s *Session) teardown(ctx context.Context) {
	if s.status != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.status.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("session: shutting down status server")
		}
	}
	if s.ownsCache && s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("session: closing cache")
		}
	}
}

// RegisterPlugin adds p to the session's plugin registry.
func (s *Session) RegisterPlugin(p plugin.Plugin) error {
	return s.plugins.Register(p)
}

// Metrics returns the session's metrics collector, for embedders that want
// to serve it on their own HTTP mux instead of (or in addition to)
// cfg.MetricsAddr.
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// WorkerID returns the UUID this session uses to identify itself in the
// cache's claims table.
func (s *Session) WorkerID() string { return s.workerID }

func (s *Session) acquireWorkerSlot() {
	if s.sem != nil {
		s.sem <- struct{}{}
	}
}

func (s *Session) releaseWorkerSlot() {
	if s.sem != nil {
		<-s.sem
	}
}

// signalProgress wakes a blocked driveUntil loop. Non-blocking: if a signal
// is already pending the send is dropped, since one pending wake-up is all
// any waiter needs to re-scan the graph.
func (s *Session) signalProgress() {
	select {
	case s.progress <- struct{}{}:
	default:
	}
}
