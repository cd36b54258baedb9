// Package mocks provides shared mock implementations for testing.
package mocks

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"
)

// MockDBPort mocks the database port. WithTransaction runs fn with a nil
// transaction unless the expectation returns an error, in which case fn is
// never called. Set CommitErr to make the commit fail after fn succeeds.
type MockDBPort struct {
	mock.Mock
	CommitErr error
}

func (m *MockDBPort) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	if err := fn(ctx, nil); err != nil {
		return err
	}
	return m.CommitErr
}

// NewMockDBPort returns a port whose transactions always run
func NewMockDBPort() *MockDBPort {
	m := new(MockDBPort)
	m.On("WithTransaction", mock.Anything, mock.Anything).Return(nil)
	return m
}
