// Package gateway is the typed request/response boundary to the remote store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"taskboard/domain"
)

// Gateway is the remote contract for one entity collection. Implementations
// must report non-success responses as errors and must not retry.
type Gateway[T domain.Entity[T]] interface {
	// List returns every record in server order.
	List(ctx context.Context) ([]T, error)
	// Create stores payload and returns the record with its assigned id.
	Create(ctx context.Context, payload T) (T, error)
	// Update applies fields to the record with the given id and returns the result.
	Update(ctx context.Context, id string, fields domain.Fields) (T, error)
	// Delete removes the record with the given id.
	Delete(ctx context.Context, id string) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op      string
	Kind    domain.Kind
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Op, e.Kind, e.Status, msg)
}

// IsNotFound reports whether err is a 404 from the remote store.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
