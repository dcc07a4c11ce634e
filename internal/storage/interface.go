package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/datagate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// KeyStore is the persistence contract for API key records.
type KeyStore interface {
	// CreateKey inserts a new key record.
	CreateKey(ctx context.Context, key *models.APIKey) error

	// FindByToken looks up a key by exact token match, excluding records
	// whose expiration date is at or before now. Returns ErrNotFound for
	// unknown and expired tokens alike.
	FindByToken(ctx context.Context, token string, now time.Time) (*models.APIKey, error)

	// IncrementUsage atomically increments the key's usage counter by one
	// and moves last_used forward. The increment must be expressed at the
	// store level so concurrent requests on the same key never lose updates.
	IncrementUsage(ctx context.Context, token string, now time.Time) error
}

// AuditStore persists access-log entries. It is append-only.
type AuditStore interface {
	// InsertAccessLogs writes a batch in a single unordered multi-insert.
	// A failure on one entry must not block insertion of the others.
	InsertAccessLogs(ctx context.Context, entries []models.AccessLog) error

	// QueryAccessLogs retrieves entries matching the filter, newest first.
	QueryAccessLogs(ctx context.Context, filter AccessLogFilter) ([]models.AccessLog, error)
}

// AccessLogFilter specifies query parameters for access-log retrieval.
type AccessLogFilter struct {
	Endpoint string
	APIKey   string
	Since    *time.Time
	Limit    int
}

// ReportStore serves the parametrized read queries against the relational
// store. Every method filters rows by the given data classifications.
type ReportStore interface {
	TopSpendingCustomers(ctx context.Context, classifications []string) ([]models.TopSpender, error)
	MostExpensiveTransactions(ctx context.Context, classifications []string) ([]models.ExpensiveTransaction, error)
	TransactionTimeline(ctx context.Context, classifications []string) ([]models.TimelineBucket, error)
	StatusDistribution(ctx context.Context, classifications []string) ([]models.StatusCount, error)
	ClassificationCounts(ctx context.Context) ([]models.ClassificationCount, error)
	RecentTransactions(ctx context.Context, classifications []string) ([]models.Transaction, error)
	Customers(ctx context.Context, purpose models.Purpose) ([]models.Customer, error)
}

// EventStore is the key-value store holding the recent operational events
// stream.
type EventStore interface {
	// AppendEvent pushes an event onto the stream, trimming it to a bounded
	// length. Best-effort: callers treat failures as non-fatal.
	AppendEvent(ctx context.Context, event models.Event) error

	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
}
