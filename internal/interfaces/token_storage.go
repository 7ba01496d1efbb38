package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/whatsmytoken/internal/models"
)

// ErrTokenNotFound is returned by Get when no record has the requested id
var ErrTokenNotFound = errors.New("token not found")

// TokenListener is invoked after every committed store mutation
type TokenListener func(change models.TokenChange)

// TokenStorage is the persisted captured-token collection.
// Mutations are atomic read-modify-write transforms over the whole collection.
type TokenStorage interface {
	// Append adds a record to the end of the collection, applying the append policy
	Append(ctx context.Context, token *models.CapturedToken) error

	// Remove deletes the record with the given id; unknown ids are a no-op
	Remove(ctx context.Context, id string) error

	// Clear replaces the collection with an empty one
	Clear(ctx context.Context) error

	// Get returns a single record by id
	Get(ctx context.Context, id string) (*models.CapturedToken, error)

	// List returns every record in collection order
	List(ctx context.Context) ([]models.CapturedToken, error)

	// QueryByDomain returns records whose domain equals the argument, in collection order
	QueryByDomain(ctx context.Context, domain string) ([]models.CapturedToken, error)

	// Subscribe registers a listener and returns its unsubscribe handle
	Subscribe(listener TokenListener) (unsubscribe func())

	// Policy reports the active append policy
	Policy() models.AppendPolicy

	// Close drops all subscriptions
	Close() error
}

// TokenSink receives records produced by an interception path
type TokenSink interface {
	Append(ctx context.Context, token *models.CapturedToken) error
}
