package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retryColumnNames = []string{"id", "order_id", "subscription_id", "attempt", "status", "due_at", "rule",
	"schedule_token", "created_at", "updated_at"}

func newTestRetries(t *testing.T) (*RetryRepository, pgxmock.PgxPoolIface) {
	mock := newMockPool(t)
	return NewRetryRepository(mock, timeutil.NewFixedClock(storeNow)), mock
}

func retryRowValues(t *testing.T, rec *domain.RetryRecord) []interface{} {
	t.Helper()
	rule, err := marshalJSONB(rec.Rule, "{}")
	require.NoError(t, err)
	return []interface{}{rec.ID, rec.OrderID, rec.SubscriptionID, int32(rec.Attempt), string(rec.Status), rec.Due,
		rule, nullText(rec.ScheduleToken), rec.CreatedAt, rec.UpdatedAt}
}

func pendingRetry() *domain.RetryRecord {
	return &domain.RetryRecord{
		ID:             "retry-1",
		OrderID:        "order-1",
		SubscriptionID: "sub-1",
		Attempt:        0,
		Status:         domain.RetryStatusPending,
		Due:            storeNow.Add(12 * time.Hour),
		Rule: domain.RetryRule{
			Delay:              12 * time.Hour,
			OrderStatus:        domain.OrderStatusPending,
			SubscriptionStatus: domain.SubscriptionStatusOnHold,
		},
		ScheduleToken: "job-1",
		CreatedAt:     storeNow,
		UpdatedAt:     storeNow,
	}
}

func TestRetryRepository_CompareAndSetStatus(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "claims a pending record", affected: 1, want: true},
		{name: "loses to another caller", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newTestRetries(t)
			mock.ExpectExec(`UPDATE payment_retries\s+SET status = \$3, updated_at = \$4\s+WHERE id = \$1 AND status = \$2`).
				WithArgs("retry-1", "pending", "processing", storeNow).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			won, err := repo.CompareAndSetStatus(context.Background(), nil, "retry-1",
				domain.RetryStatusPending, domain.RetryStatusProcessing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, won)
		})
	}

	t.Run("database error", func(t *testing.T) {
		repo, mock := newTestRetries(t)
		mock.ExpectExec(`UPDATE payment_retries`).WillReturnError(errors.New("deadlock detected"))

		won, err := repo.CompareAndSetStatus(context.Background(), nil, "retry-1",
			domain.RetryStatusPending, domain.RetryStatusProcessing)
		require.Error(t, err)
		assert.False(t, won)
	})
}

func TestRetryRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo, mock := newTestRetries(t)
	rec := pendingRetry()

	mock.ExpectExec(`INSERT INTO payment_retries`).
		WithArgs("retry-1", "order-1", "sub-1", int32(0), "pending", rec.Due, pgxmock.AnyArg(),
			pgtype.Text{String: "job-1", Valid: true}, storeNow, storeNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Create(ctx, nil, rec))

	mock.ExpectQuery(`FROM payment_retries WHERE id = \$1`).
		WithArgs("retry-1").
		WillReturnRows(pgxmock.NewRows(retryColumnNames).AddRow(retryRowValues(t, rec)...))

	got, err := repo.Get(ctx, nil, "retry-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Rule, got.Rule)
	assert.Equal(t, "job-1", got.ScheduleToken)
	assert.True(t, got.Due.Equal(rec.Due))
	assert.True(t, got.ExpectsSubscriptionStatus())
}

func TestRetryRepository_Get_NotFound(t *testing.T) {
	repo, mock := newTestRetries(t)
	mock.ExpectQuery(`FROM payment_retries WHERE id = \$1`).WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), nil, "nope")
	assert.ErrorIs(t, err, domain.ErrRetryNotFound)
}

func TestRetryRepository_Update_NotFound(t *testing.T) {
	repo, mock := newTestRetries(t)
	mock.ExpectExec(`UPDATE payment_retries`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), nil, pendingRetry())
	assert.ErrorIs(t, err, domain.ErrRetryNotFound)
}

func TestRetryRepository_CountByOrder(t *testing.T) {
	repo, mock := newTestRetries(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payment_retries WHERE order_id = \$1`).
		WithArgs("order-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := repo.CountByOrder(context.Background(), nil, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRetryRepository_Lists(t *testing.T) {
	ctx := context.Background()
	rec := pendingRetry()

	t.Run("active by order", func(t *testing.T) {
		repo, mock := newTestRetries(t)
		mock.ExpectQuery(`WHERE order_id = \$1 AND status = ANY\(\$2\)`).
			WithArgs("order-1", []string{"pending", "processing"}).
			WillReturnRows(pgxmock.NewRows(retryColumnNames).AddRow(retryRowValues(t, rec)...))

		recs, err := repo.ListActiveByOrder(ctx, nil, "order-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "retry-1", recs[0].ID)
	})

	t.Run("active by subscription", func(t *testing.T) {
		repo, mock := newTestRetries(t)
		mock.ExpectQuery(`WHERE subscription_id = \$1 AND status = ANY\(\$2\)`).
			WithArgs("sub-1", []string{"pending", "processing"}).
			WillReturnRows(pgxmock.NewRows(retryColumnNames))

		recs, err := repo.ListActiveBySubscription(ctx, nil, "sub-1")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("due", func(t *testing.T) {
		repo, mock := newTestRetries(t)
		asOf := rec.Due.Add(time.Minute)
		mock.ExpectQuery(`WHERE status = \$1 AND due_at <= \$2`).
			WithArgs("pending", asOf, 25).
			WillReturnRows(pgxmock.NewRows(retryColumnNames).AddRow(retryRowValues(t, rec)...))

		recs, err := repo.ListDue(ctx, nil, asOf, 25)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, domain.RetryStatusPending, recs[0].Status)
	})

	t.Run("query failure", func(t *testing.T) {
		repo, mock := newTestRetries(t)
		mock.ExpectQuery(`WHERE status = \$1 AND due_at <= \$2`).WillReturnError(errors.New("timeout"))

		_, err := repo.ListDue(ctx, nil, storeNow, 25)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list retry records")
	})
}
