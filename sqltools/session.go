package sqltools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codemode/registry"
)

// Session is the ExecutionContext of one script. It owns the transactions
// the script opened; Close rolls back any that were not committed.
type Session struct {
	id     string
	db     *sql.DB
	logger *zap.Logger

	mu     sync.Mutex
	txs    map[string]*sql.Tx
	closed bool
}

var _ registry.ExecutionContext = (*Session)(nil)

// NewExecutionContext creates a Session bound to the provider's database
func (p *Provider) NewExecutionContext(context.Context) (registry.ExecutionContext, error) {
	id := uuid.NewString()
	return &Session{
		id:     id,
		db:     p.db,
		logger: p.logger.With(zap.String("execution_id", id)),
		txs:    make(map[string]*sql.Tx),
	}, nil
}

// ID returns the execution id
func (s *Session) ID() string {
	return s.id
}

// Begin opens a transaction tied to ctx. database/sql rolls it back when
// ctx is done.
func (s *Session) Begin(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	id := uuid.NewString()
	s.txs[id] = tx
	s.logger.Debug("Transaction started", zap.String("transaction_id", id))
	return id, nil
}

// Tx returns the open transaction with id
func (s *Session) Tx(id string) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return tx, nil
}

// Commit commits and forgets the transaction with id
func (s *Session) Commit(id string) error {
	tx, err := s.take(id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback rolls back and forgets the transaction with id
func (s *Session) Rollback(id string) error {
	tx, err := s.take(id)
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func (s *Session) take(id string) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	delete(s.txs, id)
	return tx, nil
}

// Open returns the number of uncommitted transactions
func (s *Session) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Close rolls back every uncommitted transaction regardless of success
func (s *Session) Close(success bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	txs := s.txs
	s.txs = nil
	s.mu.Unlock()

	var errs []error
	for id, tx := range txs {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rolling back %s: %w", id, err))
		}
		s.logger.Info("Rolled back uncommitted transaction",
			zap.String("transaction_id", id),
			zap.Bool("script_succeeded", success))
	}
	return errors.Join(errs...)
}

// sessionOf extracts the Session a transaction tool needs
func sessionOf(ec registry.ExecutionContext) (*Session, error) {
	s, ok := ec.(*Session)
	if !ok {
		return nil, fmt.Errorf("%w: transactions need a database session, got %T", ErrInvalidParams, ec)
	}
	return s, nil
}
