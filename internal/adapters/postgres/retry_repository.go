package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

const retryColumns = `id, order_id, subscription_id, attempt, status, due_at, rule, schedule_token,
	created_at, updated_at`

var activeRetryStatuses = []string{
	string(domain.RetryStatusPending),
	string(domain.RetryStatusProcessing),
}

// RetryRepository implements ports.RetryRepository on the payment_retries table
type RetryRepository struct {
	db    ports.DBTX
	clock timeutil.Clock
}

var _ ports.RetryRepository = (*RetryRepository)(nil)

// NewRetryRepository creates a new retry repository
func NewRetryRepository(db ports.DBTX, clock timeutil.Clock) *RetryRepository {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &RetryRepository{db: db, clock: clock}
}

// Create inserts a retry record
func (r *RetryRepository) Create(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := r.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	rule, err := marshalJSONB(rec.Rule, "{}")
	if err != nil {
		return fmt.Errorf("marshal retry rule: %w", err)
	}

	_, err = executor(db, r.db).Exec(ctx, `
		INSERT INTO payment_retries (id, order_id, subscription_id, attempt, status, due_at, rule, schedule_token,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.OrderID, rec.SubscriptionID, int32(rec.Attempt), string(rec.Status), rec.Due.UTC(), rule,
		nullText(rec.ScheduleToken), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create retry record: %w", err)
	}
	return nil
}

// Get retrieves a retry record by its ID
func (r *RetryRepository) Get(ctx context.Context, db ports.DBTX, id string) (*domain.RetryRecord, error) {
	row := executor(db, r.db).QueryRow(ctx, `SELECT `+retryColumns+` FROM payment_retries WHERE id = $1`, id)

	rec, err := scanRetry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRetryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get retry record %s: %w", id, err)
	}
	return rec, nil
}

// Update writes the record's status, due time and schedule token
func (r *RetryRepository) Update(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord) error {
	rec.UpdatedAt = r.clock.Now()

	tag, err := executor(db, r.db).Exec(ctx, `
		UPDATE payment_retries
		SET status = $2, due_at = $3, schedule_token = $4, updated_at = $5
		WHERE id = $1`,
		rec.ID, string(rec.Status), rec.Due.UTC(), nullText(rec.ScheduleToken), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update retry record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRetryNotFound
	}
	return nil
}

// CompareAndSetStatus moves the record from one status to another only if it
// still holds the expected status. Exactly one concurrent caller wins.
func (r *RetryRepository) CompareAndSetStatus(ctx context.Context, db ports.DBTX, id string, from, to domain.RetryStatus) (bool, error) {
	tag, err := executor(db, r.db).Exec(ctx, `
		UPDATE payment_retries
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim retry record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByOrder counts every retry ever scheduled for the order
func (r *RetryRepository) CountByOrder(ctx context.Context, db ports.DBTX, orderID string) (int, error) {
	var n int64
	err := executor(db, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_retries WHERE order_id = $1`, orderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retries for order %s: %w", orderID, err)
	}
	return int(n), nil
}

// ListActiveByOrder lists the order's pending or processing retries by attempt
func (r *RetryRepository) ListActiveByOrder(ctx context.Context, db ports.DBTX, orderID string) ([]*domain.RetryRecord, error) {
	return r.list(ctx, db, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE order_id = $1 AND status = ANY($2)
		ORDER BY attempt`,
		orderID, activeRetryStatuses)
}

// ListActiveBySubscription lists the subscription's pending or processing retries
func (r *RetryRepository) ListActiveBySubscription(ctx context.Context, db ports.DBTX, subscriptionID string) ([]*domain.RetryRecord, error) {
	return r.list(ctx, db, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE subscription_id = $1 AND status = ANY($2)
		ORDER BY due_at, id`,
		subscriptionID, activeRetryStatuses)
}

// ListDue lists pending retries whose due time has passed
func (r *RetryRepository) ListDue(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]*domain.RetryRecord, error) {
	return r.list(ctx, db, `
		SELECT `+retryColumns+` FROM payment_retries
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at, id
		LIMIT $3`,
		string(domain.RetryStatusPending), asOf.UTC(), limit)
}

func (r *RetryRepository) list(ctx context.Context, db ports.DBTX, query string, args ...interface{}) ([]*domain.RetryRecord, error) {
	rows, err := executor(db, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retry records: %w", err)
	}
	defer rows.Close()

	var recs []*domain.RetryRecord
	for rows.Next() {
		rec, err := scanRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list retry records: %w", err)
	}
	return recs, nil
}

func scanRetry(row pgx.Row) (*domain.RetryRecord, error) {
	var (
		rec     domain.RetryRecord
		attempt int32
		status  string
		rule    []byte
		token   pgtype.Text
	)
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.SubscriptionID, &attempt, &status, &rec.Due, &rule, &token,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(rule, &rec.Rule); err != nil {
		return nil, fmt.Errorf("unmarshal retry rule: %w", err)
	}

	rec.Attempt = int(attempt)
	rec.Status = domain.RetryStatus(status)
	rec.ScheduleToken = token.String
	rec.Due = rec.Due.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
