package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// session is one opened database with the storage over it.
type session struct {
	storage  *arena.Storage
	registry *prometheus.Registry // nil unless metrics are enabled
}

// openSession opens the configured database.
func openSession(ctx context.Context) (*session, error) {
	db, err := nodestore.Open(&cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.DB.Backend, err)
	}

	opts, err := cfg.Storage.Options()
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &session{}
	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		opts = append(opts, arena.WithMetrics(arena.NewMetrics(cfg.Metrics.Namespace), s.registry))
	}

	s.storage, err = arena.NewStorage(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	log.Component("cli").WithField("db", db.ID()).Debug("database opened")
	return s, nil
}

// backend runs f on the storage backend.
func (s *session) backend(f func(b *arena.StorageBackend) error) error {
	return s.storage.Arena().WithBackend(f)
}

func (s *session) close(ctx context.Context) error {
	return s.storage.Close(ctx)
}

// withSession opens a session, runs f and closes the session again. The
// first error wins.
func withSession(ctx context.Context, f func(s *session) error) (err error) {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close storage: %w", cerr)
		}
	}()
	return f(s)
}

func parseKey(s string) (arenakey.Key, error) {
	k, err := arenakey.FromHex(s)
	if err != nil {
		return arenakey.Key{}, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return k, nil
}
