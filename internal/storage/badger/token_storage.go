package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TokenCollectionKey is the single storage entry holding the collection
const TokenCollectionKey = "bearer-tokens-storage"

// TokenStorage implements interfaces.TokenStorage on top of one badger key.
//
// Every mutation is a read-modify-write transform run inside a badger
// read-write transaction. Mutations from this process are serialized by
// writeMu; badger's ErrConflict retry only covers writers outside it.
// Listeners are called while writeMu is held, so they observe changes in
// commit order and must not mutate the store themselves.
type TokenStorage struct {
	db         *BadgerDB
	logger     arbor.ILogger
	policy     models.AppendPolicy
	maxRetries int

	writeMu sync.Mutex

	mu        sync.RWMutex
	listeners map[uint64]interfaces.TokenListener
	nextID    uint64
}

// NewTokenStorage creates a token store with the given append policy
func NewTokenStorage(db *BadgerDB, logger arbor.ILogger, policy models.AppendPolicy, maxRetries int) *TokenStorage {
	if policy == "" {
		policy = models.DefaultAppendPolicy
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	logger.Debug().
		Str("policy", string(policy)).
		Int("max_conflict_retries", maxRetries).
		Msg("Token storage initialized")

	return &TokenStorage{
		db:         db,
		logger:     logger,
		policy:     policy,
		maxRetries: maxRetries,
		listeners:  make(map[uint64]interfaces.TokenListener),
	}
}

// Policy reports the active append policy
func (s *TokenStorage) Policy() models.AppendPolicy {
	return s.policy
}

// Append adds a record to the end of the collection
func (s *TokenStorage) Append(ctx context.Context, token *models.CapturedToken) error {
	if token == nil {
		return fmt.Errorf("token is required")
	}
	if token.ID == "" {
		return fmt.Errorf("token ID is required")
	}

	record := *token
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	count, err := s.transform(ctx, func(current []models.CapturedToken) []models.CapturedToken {
		return applyAppend(current, record, s.policy)
	})
	if err != nil {
		return fmt.Errorf("failed to append token: %w", err)
	}

	s.notify(models.TokenChange{Op: models.TokenAppended, ID: record.ID, Count: count})
	return nil
}

// Remove deletes the record with the given id; unknown ids are a no-op
func (s *TokenStorage) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := false
	count, err := s.transform(ctx, func(current []models.CapturedToken) []models.CapturedToken {
		next := make([]models.CapturedToken, 0, len(current))
		removed = false
		for _, t := range current {
			if t.ID == id {
				removed = true
				continue
			}
			next = append(next, t)
		}
		return next
	})
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}

	if removed {
		s.notify(models.TokenChange{Op: models.TokenRemoved, ID: id, Count: count})
	}
	return nil
}

// Clear replaces the collection with an empty one
func (s *TokenStorage) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.transform(ctx, func([]models.CapturedToken) []models.CapturedToken {
		return []models.CapturedToken{}
	}); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}

	s.notify(models.TokenChange{Op: models.TokensCleared, Count: 0})
	return nil
}

// Get returns a single record by id
func (s *TokenStorage) Get(ctx context.Context, id string) (*models.CapturedToken, error) {
	tokens, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		if tokens[i].ID == id {
			return &tokens[i], nil
		}
	}
	return nil, interfaces.ErrTokenNotFound
}

// List returns every record in collection order
func (s *TokenStorage) List(ctx context.Context) ([]models.CapturedToken, error) {
	var collection models.TokenCollection
	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		var err error
		collection, err = s.read(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	return collection.Tokens, nil
}

// QueryByDomain returns records whose domain equals the argument exactly
func (s *TokenStorage) QueryByDomain(ctx context.Context, domain string) ([]models.CapturedToken, error) {
	tokens, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]models.CapturedToken, 0)
	for _, t := range tokens {
		if t.Domain == domain {
			result = append(result, t)
		}
	}
	return result, nil
}

// Subscribe registers a listener invoked after every committed mutation
func (s *TokenStorage) Subscribe(listener interfaces.TokenListener) func() {
	if listener == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	count := len(s.listeners)
	s.mu.Unlock()

	s.logger.Debug().Int("subscriber_count", count).Msg("Token listener subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Close drops all subscriptions. The database itself is closed by its owner.
func (s *TokenStorage) Close() error {
	s.mu.Lock()
	s.listeners = make(map[uint64]interfaces.TokenListener)
	s.mu.Unlock()
	return nil
}

// transform runs fn over the current collection inside a read-write
// transaction and writes the result back, retrying on commit conflicts.
// It returns the size of the written collection. Callers hold writeMu.
func (s *TokenStorage) transform(ctx context.Context, fn func([]models.CapturedToken) []models.CapturedToken) (int, error) {
	var count int
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
			collection, err := s.read(txn)
			if err != nil {
				return err
			}

			next := models.TokenCollection{Tokens: fn(collection.Tokens)}
			if next.Tokens == nil {
				next.Tokens = []models.CapturedToken{}
			}
			count = len(next.Tokens)

			return s.db.Store().TxUpsert(txn, TokenCollectionKey, &next)
		})
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, badger.ErrConflict) || attempt >= s.maxRetries {
			return 0, err
		}

		s.logger.Debug().Int("attempt", attempt+1).Msg("Token collection write conflict, retrying")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(conflictBackoff(attempt)):
		}
	}
}

// conflictBackoff grows linearly from 2ms and is capped at 50ms
func conflictBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 2 * time.Millisecond
	if d > 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// read loads the collection, treating a missing entry as empty
func (s *TokenStorage) read(txn *badger.Txn) (models.TokenCollection, error) {
	var collection models.TokenCollection
	err := s.db.Store().TxGet(txn, TokenCollectionKey, &collection)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return models.TokenCollection{Tokens: []models.CapturedToken{}}, nil
	}
	if err != nil {
		return collection, err
	}
	if collection.Tokens == nil {
		collection.Tokens = []models.CapturedToken{}
	}
	return collection, nil
}

// notify invokes every listener outside mu but under writeMu; a panicking listener is logged
func (s *TokenStorage) notify(change models.TokenChange) {
	s.mu.RLock()
	listeners := make([]interfaces.TokenListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		s.invoke(listener, change)
	}
}

func (s *TokenStorage) invoke(listener interfaces.TokenListener, change models.TokenChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("op", string(change.Op)).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Token listener panicked")
		}
	}()
	listener(change)
}

// applyAppend returns the collection after appending record under policy
func applyAppend(current []models.CapturedToken, record models.CapturedToken, policy models.AppendPolicy) []models.CapturedToken {
	next := make([]models.CapturedToken, 0, len(current)+1)
	for _, t := range current {
		if policy == models.AppendPolicyDedupe && t.Domain == record.Domain && t.Token == record.Token {
			continue
		}
		next = append(next, t)
	}
	return append(next, record)
}
