package ports

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// RetryRepository stores payment retry records
type RetryRepository interface {
	Create(ctx context.Context, db DBTX, rec *domain.RetryRecord) error
	Get(ctx context.Context, db DBTX, id string) (*domain.RetryRecord, error)
	Update(ctx context.Context, db DBTX, rec *domain.RetryRecord) error

	// CompareAndSetStatus moves the record from one status to another in a single
	// conditional write and reports whether this caller won the change.
	CompareAndSetStatus(ctx context.Context, db DBTX, id string, from, to domain.RetryStatus) (bool, error)

	CountByOrder(ctx context.Context, db DBTX, orderID string) (int, error)
	ListActiveByOrder(ctx context.Context, db DBTX, orderID string) ([]*domain.RetryRecord, error)
	ListActiveBySubscription(ctx context.Context, db DBTX, subscriptionID string) ([]*domain.RetryRecord, error)
	ListDue(ctx context.Context, db DBTX, asOf time.Time, limit int) ([]*domain.RetryRecord, error)
}
