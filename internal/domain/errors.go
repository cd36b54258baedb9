package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Subscription Errors (SUB_*)
	ErrorCodeSubNotFound          ErrorCode = "SUB_NOT_FOUND"
	ErrorCodeSubInvalidTransition ErrorCode = "SUB_INVALID_TRANSITION"
	ErrorCodeSubDateOrdering      ErrorCode = "SUB_DATE_ORDERING"
	ErrorCodeSubCannotComputeDate ErrorCode = "SUB_CANNOT_COMPUTE_DATE"
	ErrorCodeSubSwitchFailed      ErrorCode = "SUB_SWITCH_FAILED"
	ErrorCodeSubNotSwitchable     ErrorCode = "SUB_NOT_SWITCHABLE"

	// Order Errors (ORDER_*)
	ErrorCodeOrderNotFound ErrorCode = "ORDER_NOT_FOUND"

	// Product Errors (PRODUCT_*)
	ErrorCodeProductNotFound ErrorCode = "PRODUCT_NOT_FOUND"

	// Retry Errors (RETRY_*)
	ErrorCodeRetryNotFound ErrorCode = "RETRY_NOT_FOUND"

	// Validation Errors (VALIDATION_*)
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Payment Gateway Errors (GATEWAY_*)
	ErrorCodeGatewayError       ErrorCode = "GATEWAY_ERROR"
	ErrorCodeGatewayDeclined    ErrorCode = "GATEWAY_DECLINED"
	ErrorCodeGatewayUnsupported ErrorCode = "GATEWAY_UNSUPPORTED"

	// Configuration Errors (CONFIG_*)
	ErrorCodeConfigurationInvalid ErrorCode = "CONFIG_INVALID"

	// Internal Errors (INTERNAL_*)
	ErrorCodeInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrorCodePersistenceError ErrorCode = "INTERNAL_PERSISTENCE_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeSubNotFound ||
		code == ErrorCodeOrderNotFound ||
		code == ErrorCodeProductNotFound ||
		code == ErrorCodeRetryNotFound
}

// IsTransient reports whether err may succeed if the same operation is tried
// again: store and gateway outages, and errors from outside the domain.
// Rule violations and missing records are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch GetErrorCode(err) {
	case "", ErrorCodePersistenceError, ErrorCodeInternalError, ErrorCodeGatewayError:
		return true
	}
	return false
}

// NewInvalidTransitionError reports a status change the state machine forbids.
// reason is shown to the person who asked for the change.
func NewInvalidTransitionError(from, to SubscriptionStatus, reason string) *DomainError {
	return NewDomainError(ErrorCodeSubInvalidTransition, reason).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewDateOrderingError names the pair of schedule dates that are out of order.
func NewDateOrderingError(later, earlier DateType, orEqual bool) *DomainError {
	relation := "after"
	if orEqual {
		relation = "on or after"
	}
	return NewDomainError(ErrorCodeSubDateOrdering,
		fmt.Sprintf("the %s date must occur %s the %s date", later.Label(), relation, earlier.Label())).
		WithDetail("date", string(later)).
		WithDetail("must_follow", string(earlier))
}

// NewPersistenceError wraps a store failure for op.
func NewPersistenceError(op string, err error) *DomainError {
	return WrapError(ErrorCodePersistenceError, op+" failed", err).WithDetail("operation", op)
}

// NewConfigurationError wraps a malformed configuration value.
func NewConfigurationError(msg string, err error) *DomainError {
	return WrapError(ErrorCodeConfigurationInvalid, msg, err)
}

// IsInvalidTransition reports whether err is a rejected status change
func IsInvalidTransition(err error) bool {
	return IsDomainError(err, ErrorCodeSubInvalidTransition)
}

// IsDateOrderingError reports whether err is a rejected date update
func IsDateOrderingError(err error) bool {
	return IsDomainError(err, ErrorCodeSubDateOrdering)
}

var (
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeSubNotFound, "subscription not found")
	ErrOrderNotFound        = NewDomainError(ErrorCodeOrderNotFound, "order not found")
	ErrProductNotFound      = NewDomainError(ErrorCodeProductNotFound, "product not found")
	ErrRetryNotFound        = NewDomainError(ErrorCodeRetryNotFound, "retry record not found")

	ErrCannotComputeDate = NewDomainError(ErrorCodeSubCannotComputeDate, "cannot compute date")

	// ErrSwitchFailed is what a subscriber sees when proration cannot be computed safely.
	ErrSwitchFailed = NewDomainError(ErrorCodeSubSwitchFailed,
		"we were unable to switch your subscription, please contact us for assistance")

	ErrValidationFailed = NewDomainError(ErrorCodeValidationFailed, "validation failed")
	ErrGatewayError     = NewDomainError(ErrorCodeGatewayError, "payment gateway error")
)
