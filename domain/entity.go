package domain

import "fmt"

// Entity is implemented by every record mirrored from the remote store.
type Entity[T any] interface {
	// EntityID returns the server assigned identifier, empty while the record is unsaved.
	EntityID() string
	// WithID returns a copy carrying the given identifier.
	WithID(id string) T
	// Kind names the remote collection the record belongs to.
	Kind() Kind
	// Validate checks type specific field constraints.
	Validate() error
}

// Kind identifies a remote collection.
type Kind string

const (
	KindTask  Kind = "Task"
	KindList  Kind = "List"
	KindGroup Kind = "Group"
)

// Kinds lists every collection in refresh order.
var Kinds = []Kind{KindTask, KindList, KindGroup}

// Path returns the REST collection path for the kind.
func (k Kind) Path() string {
	return "/" + string(k)
}

// ParseKind accepts the collection name in any of its common spellings.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Task", "task", "tasks":
		return KindTask, nil
	case "List", "list", "lists":
		return KindList, nil
	case "Group", "group", "groups":
		return KindGroup, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Phase is the lifecycle of the most recent fetch-all for a collection.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// KindOf returns the kind of T without needing a value.
func KindOf[T Entity[T]]() Kind {
	var zero T
	return zero.Kind()
}
