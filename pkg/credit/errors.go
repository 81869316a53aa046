package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEntryNotFound        = errors.New("credit entry not found")
	ErrRewardNotFound       = errors.New("reward not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrRewardOutOfStock     = errors.New("reward out of stock")
	ErrDuplicateEntry       = errors.New("duplicate ledger row")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidRewardID      = errors.New("invalid reward id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntryType     = errors.New("invalid entry type")
	ErrInvalidRewardType    = errors.New("invalid reward type")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
