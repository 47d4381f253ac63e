package arena

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// DefaultCacheSize is the default number of nodes kept in the read cache.
const DefaultCacheSize = 10000

// Options configure a Storage.
type Options struct {
	CacheSize      int                           // read cache bound, zero for unbounded
	Layout         LayoutVersion                 // layout written to, and expected from, the DB
	RecursionLimit int                           // nesting bound for wire decoding
	NegativeCache  nodestore.NegativeCacheConfig // keys known to be absent from the DB
	Metrics        *Metrics                      // optional metrics sink
	Registerer     prometheus.Registerer
}

// Option is a functional option for NewStorage.
type Option func(*Options)

// DefaultOptions returns the options NewStorage starts from.
func DefaultOptions() Options {
	return Options{
		CacheSize:      DefaultCacheSize,
		Layout:         DefaultLayout,
		RecursionLimit: DefaultRecursionLimit,
		NegativeCache:  nodestore.DefaultNegativeCacheConfig(),
	}
}

// WithCacheSize sets the cache bound. Zero means unbounded.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithLayout sets the storage layout version.
func WithLayout(v LayoutVersion) Option {
	return func(o *Options) { o.Layout = v }
}

// WithRecursionLimit sets the nesting bound for wire decoding.
func WithRecursionLimit(n int) Option {
	return func(o *Options) { o.RecursionLimit = n }
}

// WithNegativeCache configures the cache of keys known to be missing from
// the DB. A zero size disables it.
func WithNegativeCache(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.NegativeCache = nodestore.NegativeCacheConfig{MaxSize: size, TTL: ttl}
	}
}

// WithMetrics records metrics into m and, if reg is not nil, registers m.
func WithMetrics(m *Metrics, reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Metrics = m
		o.Registerer = reg
	}
}

// Storage owns a DB together with the backend and arena over it. It is the
// only way to create an Arena, so one DB never gets two sets of caches and
// counts; use a Registry to share Storages.
type Storage struct {
	db      nodestore.DB
	arena   *Arena
	opts    Options
	metrics *Metrics
}

// NewStorage wraps db. A DB written with another layout version is refused
// with ErrLayoutMismatch; a fresh DB is stamped with the configured version.
func NewStorage(ctx context.Context, db nodestore.DB, opts ...Option) (*Storage, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := checkLayout(ctx, db, o.Layout); err != nil {
		return nil, err
	}

	backend, err := newStorageBackend(db, o.CacheSize, o.Layout, o.NegativeCache, o.Metrics)
	if err != nil {
		return nil, err
	}
	if o.Metrics != nil {
		o.Metrics.attach(backend)
		if o.Registerer != nil {
			if err := o.Registerer.Register(o.Metrics); err != nil {
				return nil, fmt.Errorf("register arena metrics: %w", err)
			}
		}
	}

	log.Component("arena").WithField("db", db.ID()).WithField("layout", o.Layout).
		WithField("cache_size", o.CacheSize).Debug("storage opened")

	return &Storage{
		db:      db,
		arena:   newArena(backend, o.RecursionLimit, o.Metrics),
		opts:    o,
		metrics: o.Metrics,
	}, nil
}

func checkLayout(ctx context.Context, db nodestore.DB, want LayoutVersion) error {
	raw, err := db.GetMeta(ctx, nodestore.MetaLayoutVersion)
	if err != nil {
		return fmt.Errorf("read layout version: %w", err)
	}
	if raw == nil {
		if err := db.SetMeta(ctx, nodestore.MetaLayoutVersion, []byte(want.String())); err != nil {
			return fmt.Errorf("write layout version: %w", err)
		}
		return nil
	}
	have, err := ParseLayoutVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLayoutMismatch, err)
	}
	if have != want {
		return fmt.Errorf("%w: database has %s, configured %s", ErrLayoutMismatch, have, want)
	}
	return nil
}

// Arena returns the storage's arena.
func (s *Storage) Arena() *Arena {
	return s.arena
}

// DB returns the underlying DB.
func (s *Storage) DB() nodestore.DB {
	return s.db
}

// Options returns the options the storage was created with.
func (s *Storage) Options() Options {
	return s.opts
}

// Flush writes every pending change to the DB.
func (s *Storage) Flush(ctx context.Context) error {
	return s.arena.backend.FlushAllChangesToDB(ctx)
}

// Close flushes pending changes and closes the DB.
func (s *Storage) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	if s.metrics != nil && s.opts.Registerer != nil {
		s.opts.Registerer.Unregister(s.metrics)
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}
