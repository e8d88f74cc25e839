// Package routestore defines the watchable route-store abstraction shared
// by the in-memory and embedded-relational implementations.
package routestore

import (
	"context"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

type ChangeKind int

const (
	Created ChangeKind = iota
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is published to watchers on every store mutation.
type ChangeEvent struct {
	Kind  ChangeKind
	ID    string
	Route model.Route
}

// Store is the durable, watchable set of route definitions the dataplane's
// Route Index is built from. Both concrete implementations (in-memory +
// snapshot, embedded relational) satisfy this exact contract.
type Store interface {
	List(ctx context.Context) ([]model.Route, error)
	Get(ctx context.Context, id string) (model.Route, bool, error)
	Put(ctx context.Context, route model.Route) error
	Delete(ctx context.Context, id string) (bool, error)

	// Watch returns a channel of change events for this subscriber. The
	// channel is closed when ctx is cancelled. A subscriber that falls
	// behind is dropped silently — sends are non-blocking against a
	// bounded buffer — and must be resilient to its own eviction by
	// re-subscribing.
	Watch(ctx context.Context) <-chan ChangeEvent
}
