package domain

import (
	"errors"
	"fmt"
)

// IsEngineError reports whether err carries one of the typed, operator-facing
// errors declared in this file rather than an infrastructure failure.
func IsEngineError(err error) bool {
	var (
		invalidCart   *InvalidCartError
		invalidInput  *InvalidInputError
		noShift       *NoActiveShiftError
		alreadyOpen   *ShiftAlreadyOpenError
		shiftNotFound *ShiftNotFoundError
		notOpen       *ShiftNotOpenError
		closed        *ShiftClosedError
		notInShift    *SaleNotInShiftError
		mismatch      *PaymentMismatchError
		insufficient  *InsufficientStockError
		saleNotFound  *SaleNotFoundError
		noProduct     *ProductNotFoundError
		forbidden     *ForbiddenError
	)
	return errors.As(err, &invalidCart) ||
		errors.As(err, &invalidInput) ||
		errors.As(err, &noShift) ||
		errors.As(err, &alreadyOpen) ||
		errors.As(err, &shiftNotFound) ||
		errors.As(err, &notOpen) ||
		errors.As(err, &closed) ||
		errors.As(err, &notInShift) ||
		errors.As(err, &mismatch) ||
		errors.As(err, &insufficient) ||
		errors.As(err, &saleNotFound) ||
		errors.As(err, &noProduct) ||
		errors.As(err, &forbidden)
}

// InvalidCartError rejects a cart or payment list before any mutation.
type InvalidCartError struct {
	ProductID string
	Reason    string
}

func (e *InvalidCartError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("invalid cart line %s: %s", e.ProductID, e.Reason)
	}
	return "invalid cart: " + e.Reason
}

// InvalidInputError rejects a malformed shift, catalog or adjustment request.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NoActiveShiftError struct {
	OperatorID string
}

func (e *NoActiveShiftError) Error() string {
	return fmt.Sprintf("operator %s has no open shift", e.OperatorID)
}

type ShiftAlreadyOpenError struct {
	OperatorID string
	ShiftID    string
}

func (e *ShiftAlreadyOpenError) Error() string {
	return fmt.Sprintf("operator %s already has open shift %s", e.OperatorID, e.ShiftID)
}

type ShiftNotFoundError struct {
	ShiftID string
}

func (e *ShiftNotFoundError) Error() string {
	return fmt.Sprintf("shift %s not found", e.ShiftID)
}

type ShiftNotOpenError struct {
	ShiftID string
	Status  string
}

func (e *ShiftNotOpenError) Error() string {
	return fmt.Sprintf("shift %s is not open (status %s)", e.ShiftID, e.Status)
}

// ShiftClosedError is returned when a sale is applied to a sealed shift.
type ShiftClosedError struct {
	ShiftID string
}

func (e *ShiftClosedError) Error() string {
	return fmt.Sprintf("shift %s is closed", e.ShiftID)
}

type SaleNotInShiftError struct {
	ShiftID string
	SaleID  string
}

func (e *SaleNotInShiftError) Error() string {
	return fmt.Sprintf("sale %s is not recorded in shift %s", e.SaleID, e.ShiftID)
}

type PaymentMismatchError struct {
	ExpectedMinor int64
	ActualMinor   int64
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("payments total %d does not match sale total %d", e.ActualMinor, e.ExpectedMinor)
}

// Shortfall is positive for under-payment and negative for over-payment.
func (e *PaymentMismatchError) Shortfall() int64 {
	return e.ExpectedMinor - e.ActualMinor
}

type InsufficientStockError struct {
	ProductID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

type SaleNotFoundError struct {
	SaleID string
}

func (e *SaleNotFoundError) Error() string {
	return fmt.Sprintf("sale %s not found", e.SaleID)
}

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

type ForbiddenError struct {
	OperatorID string
	Capability string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("operator %s lacks capability %s", e.OperatorID, e.Capability)
}

// TransactionFailedError wraps a storage failure that rolled back the whole
// unit of work.
type TransactionFailedError struct {
	Op    string
	Cause error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

func (e *TransactionFailedError) Unwrap() error {
	return e.Cause
}
