// Package storage persists the remote store's records per user and kind.
package storage

import (
	"context"
	"errors"

	"taskboard/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one stored entity. Body holds the entity's JSON encoding,
// including its id.
type Record struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

// Repository stores records partitioned by user and kind. List returns
// records in insertion order.
type Repository interface {
	List(ctx context.Context, userID string, kind domain.Kind) ([]Record, error)
	Get(ctx context.Context, userID string, kind domain.Kind, id string) (Record, error)
	Insert(ctx context.Context, userID string, kind domain.Kind, rec Record) error
	Update(ctx context.Context, userID string, kind domain.Kind, rec Record) error
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, userID string, kind domain.Kind, id string) (bool, error)
}
