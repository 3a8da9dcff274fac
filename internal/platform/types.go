// Package platform contains the collaborator surface toward the remote
// collaboration-platform API: record types, the operations the engines
// consume, a rate-limit state provider and the per-item failure log.
package platform

import (
	"context"
	"time"
)

// Item is one record of a remote collection. Field values are keyed by the
// collection's external field ids.
type Item struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"createdAt"`
	EditedAt  time.Time      `json:"editedAt"`
	Fields    map[string]any `json:"fields"`
}

// ItemFilter narrows a paginated listing. Nil bounds are open.
type ItemFilter struct {
	CreatedFrom *time.Time     `json:"createdFrom,omitempty"`
	CreatedTo   *time.Time     `json:"createdTo,omitempty"`
	EditedFrom  *time.Time     `json:"editedFrom,omitempty"`
	EditedTo    *time.Time     `json:"editedTo,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ListRequest is one page request against a collection.
type ListRequest struct {
	CollectionID string
	Offset       int
	Limit        int
	Filter       *ItemFilter
}

// ListResponse is one page of records plus the filtered total.
type ListResponse struct {
	Items []Item `json:"items"`
	Total int    `json:"total"`
}

// API is the record surface of the remote platform the engines consume.
type API interface {
	// ListItems returns one page of a collection.
	ListItems(ctx context.Context, req ListRequest) (*ListResponse, error)
	// CreateItem writes a new record and returns it with its assigned id.
	CreateItem(ctx context.Context, collectionID string, fields map[string]any) (*Item, error)
	// UpdateItem overwrites the given fields of an existing record.
	UpdateItem(ctx context.Context, itemID string, fields map[string]any) (*Item, error)
	// DeleteItem removes a record.
	DeleteItem(ctx context.Context, itemID string) error
}

// RateLimitState is consulted by the engines to decide whether to pause
// before issuing more calls.
type RateLimitState interface {
	// PauseBefore returns how long to wait before the next call, and
	// whether a wait is needed at all.
	PauseBefore() (time.Duration, bool)
}

// FailureRecord is one structured per-item failure, appended to the
// external failure log. The job document only carries category counts.
type FailureRecord struct {
	JobID     string    `json:"jobId"`
	ItemID    string    `json:"itemId"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Batch     int       `json:"batch,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureLog appends one structured failure record per failed item.
type FailureLog interface {
	Append(record FailureRecord) error
}
