package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger business rules.
// The api layer maps these to HTTP status codes.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrPositionNotFound     = errors.New("position not found")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientShares   = errors.New("insufficient shares")
)

// StorageError wraps a persistence failure. The operation it aborted has
// been rolled back in full.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationError represents a malformed request, such as a missing field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
