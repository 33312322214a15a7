package audit

import "context"

// Repository is append-only. Entries are never updated or deleted.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByTask(ctx context.Context, taskID string) ([]*Entry, error)
}
