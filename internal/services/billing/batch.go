package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

// Sweep names
const (
	SweepRenewals = "renewals"
	SweepEnds     = "ends"
	SweepRetries  = "retries"
)

// BatchResult summarizes one sweep
type BatchResult struct {
	Sweep          string       `json:"sweep"`
	Errors         []BatchError `json:"errors"`
	ProcessedCount int          `json:"processed_count"`
	SuccessCount   int          `json:"success_count"`
	FailedCount    int          `json:"failed_count"`
}

// BatchError is one item of a sweep that failed
type BatchError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ProcessDueRenewals bills every active subscription whose next payment is due
func (e *Engine) ProcessDueRenewals(ctx context.Context) (*BatchResult, error) {
	ids, err := e.store.ListDueForPayment(ctx, nil, e.now(), e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due for payment: %w", err)
	}
	return e.runBatch(ctx, SweepRenewals, ids, e.ProcessRenewal), nil
}

// ProcessDueEnds ends every subscription whose end date has passed
func (e *Engine) ProcessDueEnds(ctx context.Context) (*BatchResult, error) {
	ids, err := e.store.ListDueForEnd(ctx, nil, e.now(), e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due to end: %w", err)
	}
	return e.runBatch(ctx, SweepEnds, ids, e.ProcessScheduledEnd), nil
}

// ProcessDueRetries fires pending retries whose due time has passed. Retries
// with a zero delay are only ever fired from here.
func (e *Engine) ProcessDueRetries(ctx context.Context) (*BatchResult, error) {
	recs, err := e.retries.Due(ctx, nil, e.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(recs, func(rec *domain.RetryRecord, _ int) string { return rec.ID })
	return e.runBatch(ctx, SweepRetries, ids, e.FireRetry), nil
}

// ProcessScheduledEnd ends a subscription whose end date has passed. A
// pending-cancel subscription becomes cancelled, any other live one expires.
func (e *Engine) ProcessScheduledEnd(ctx context.Context, subscriptionID string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		sub, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}

		end := sub.End()
		if end.IsZero() || end.After(e.now()) {
			e.logger.Debug("scheduled end skipped, end date not reached",
				ports.String("subscription_id", sub.ID),
				ports.Time("end", end))
			return nil
		}

		var target domain.SubscriptionStatus
		switch sub.Status {
		case domain.SubscriptionStatusPendingCancel:
			target = domain.SubscriptionStatusCancelled
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusOnHold:
			target = domain.SubscriptionStatusExpired
		default:
			return nil
		}

		_, err = e.transition(ctx, uow, sub, target, "end of term", true)
		return err
	})
}

// runBatch applies fn to every id with bounded concurrency. Items are
// independent; one failing does not stop the others.
func (e *Engine) runBatch(ctx context.Context, sweep string, ids []string, fn func(context.Context, string) error) *BatchResult {
	result := &BatchResult{
		Sweep:          sweep,
		Errors:         make([]BatchError, 0),
		ProcessedCount: len(ids),
	}
	if len(ids) == 0 {
		return result
	}

	e.logger.Info("processing billing batch",
		ports.String("sweep", sweep),
		ports.Int("count", len(ids)))

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for _, id := range ids {
		p.Go(func() {
			err := fn(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedCount++
				result.Errors = append(result.Errors, BatchError{ID: id, Error: err.Error()})
				observability.RecordBatchItem(sweep, "failed")
				e.logger.Error("billing batch item failed",
					ports.String("sweep", sweep),
					ports.String("id", id),
					ports.Err(err))
				return
			}
			result.SuccessCount++
			observability.RecordBatchItem(sweep, "success")
		})
	}
	p.Wait()

	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].ID < result.Errors[j].ID })

	e.logger.Info("billing batch completed",
		ports.String("sweep", sweep),
		ports.Int("processed", result.ProcessedCount),
		ports.Int("success", result.SuccessCount),
		ports.Int("failed", result.FailedCount))
	return result
}
