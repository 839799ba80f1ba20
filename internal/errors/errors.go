// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrPlanTerminal      = errors.New("plan already in terminal state")
	ErrDuplicatePlan     = errors.New("plan id already exists")
	ErrInvalidEntryPrice = errors.New("entry price invalid for order kind")
	ErrUnknownCondition  = errors.New("unknown condition type")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrQuoteUnavailable  = errors.New("quote unavailable")
	ErrSnapshotStale     = errors.New("market snapshot stale or missing")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
	ErrStoreClosed       = errors.New("store is closed")
)

// BrokerError represents an error from the broker gateway.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// PlanError represents an error tied to a specific trade plan.
type PlanError struct {
	PlanID string
	Symbol string
	Action string
	Reason string
	Err    error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan error [%s] %s %s: %s: %v", e.PlanID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("plan error [%s] %s %s: %s", e.PlanID, e.Action, e.Symbol, e.Reason)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// NewPlanError creates a new PlanError.
func NewPlanError(planID, symbol, action, reason string, err error) *PlanError {
	return &PlanError{
		PlanID: planID,
		Symbol: symbol,
		Action: action,
		Reason: reason,
		Err:    err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a market-data error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
