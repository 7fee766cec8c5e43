package syncer

import (
	"context"
	"time"

	"notioncal/internal/models"
)

// Adapter is the narrow contract each backend implements. Events cross it in
// canonical form only.
type Adapter interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// FetchEvents returns the events in [start, end), ordered by start.
	FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error)
	// CreateEvent stores e and returns it with NativeID populated.
	CreateEvent(ctx context.Context, e *models.Event) (*models.Event, error)
	// UpdateEvent applies a partial update. It returns models.ErrNotFound when
	// the id no longer exists.
	UpdateEvent(ctx context.Context, nativeID string, fields models.Fields) error
	// DeleteEvent removes the event. Deleting a missing id is not an error.
	DeleteEvent(ctx context.Context, nativeID string) error
	// Lookup reports whether nativeID still exists, regardless of the window.
	Lookup(ctx context.Context, nativeID string) (bool, error)
}

// ParentResolver is implemented by the task database adapter to link events
// to a parent record by tag. It is consulted only when creating events.
type ParentResolver interface {
	ResolveParentByTag(ctx context.Context, tag string) (*models.ParentRef, error)
}
