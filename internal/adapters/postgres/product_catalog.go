package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// ProductCatalog implements ports.ProductCatalog on the products table
type ProductCatalog struct {
	db ports.DBTX
}

var _ ports.ProductCatalog = (*ProductCatalog)(nil)

// NewProductCatalog creates a new product catalog
func NewProductCatalog(db ports.DBTX) *ProductCatalog {
	return &ProductCatalog{db: db}
}

// GetProduct retrieves a recurring product by its ID
func (c *ProductCatalog) GetProduct(ctx context.Context, db ports.DBTX, id string) (domain.Recurring, error) {
	var (
		p           domain.Product
		price, fee  pgtype.Numeric
		terms       []byte
		trialLength int32
		trialPeriod string
	)
	err := executor(db, c.db).QueryRow(ctx, `
		SELECT id, name, price, sign_up_fee, terms, trial_length, trial_period, is_virtual, is_synced
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &price, &fee, &terms, &trialLength, &trialPeriod, &p.Virtual, &p.Synced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}

	if p.Price, err = pgNumericToDecimal(price); err != nil {
		return nil, fmt.Errorf("convert price: %w", err)
	}
	if p.SignUp, err = pgNumericToDecimal(fee); err != nil {
		return nil, fmt.Errorf("convert sign-up fee: %w", err)
	}
	if err := unmarshalJSONB(terms, &p.Terms); err != nil {
		return nil, fmt.Errorf("unmarshal terms: %w", err)
	}
	if err := p.Terms.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "product has invalid billing terms", err).
			WithDetail("product_id", id)
	}

	p.TrialLength = int(trialLength)
	p.TrialPeriod = domain.Period(trialPeriod)
	return &p, nil
}
