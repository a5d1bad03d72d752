package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ErrRepositoryClosing is returned by the factory once Close has been called.
// Long-running flows treat it as "service shutting down": abort without
// persisting terminal state, and skip audit-only side effects silently.
var ErrRepositoryClosing = errors.New("repository closing")

// Factory hands out short-lived database scopes and guarantees a clean
// shutdown sequence: mark closing, drain outstanding scopes, dispose pools.
// New scopes requested after Close has started fail fast with
// ErrRepositoryClosing instead of deadlocking on a disposed engine.
type Factory struct {
	pool *Pool

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// NewFactory wraps a Pool in a closing-aware factory.
func NewFactory(pool *Pool) *Factory {
	return &Factory{pool: pool}
}

// Writer returns the write connection, or ErrRepositoryClosing.
func (f *Factory) Writer() (*sqlx.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return nil, ErrRepositoryClosing
	}
	return f.pool.Writer(), nil
}

// Reader returns the read connection, or ErrRepositoryClosing.
func (f *Factory) Reader() (*sqlx.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return nil, ErrRepositoryClosing
	}
	return f.pool.Reader(), nil
}

// WithTx runs fn inside a write transaction. The transaction is rolled back
// on error or panic and committed otherwise. The scope is tracked so Close
// waits for it to finish.
func (f *Factory) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return ErrRepositoryClosing
	}
	f.active.Add(1)
	f.mu.Unlock()
	defer f.active.Done()

	tx, err := f.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Closing reports whether shutdown has started.
func (f *Factory) Closing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

// Close marks the factory closing, waits for outstanding transactional
// scopes to drain, then closes the underlying pools. Safe to call twice.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil
	}
	f.closing = true
	f.mu.Unlock()

	f.active.Wait()

	// Update query planner statistics before closing; lightweight and safe.
	_, _ = f.pool.Writer().Exec("PRAGMA optimize")
	return f.pool.Close()
}
