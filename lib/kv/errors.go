package kv

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("dDocError (code %s): %s", e.Code, e.Msg)
}

// Is makes errors.Is match any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapSubstrate converts an arbitrary substrate failure into a RetCSubstrate error.
// Errors that already carry a code are returned unchanged.
func WrapSubstrate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(RetCSubstrate, err.Error())
}

// CodeOf returns the code of err or RetCInternalError for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrConflict          = NewError(RetCConflict, "conflict")
	ErrNotFound          = NewError(RetCNotFound, "not found")
	ErrSubstrate         = NewError(RetCSubstrate, "substrate failure")
	ErrPlanning          = NewError(RetCPlanning, "planning failed")
	ErrInvalidCheckpoint = NewError(RetCInvalidCheckpoint, "invalid checkpoint")
	ErrClosed            = NewError(RetCClosed, "closed")
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying substrate.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCConflict                            // 4: Previous revision did not match the stored one.
	RetCNotFound                            // 5: Document or attachment does not exist.
	RetCSubstrate                           // 6: The substrate failed (I/O, timeout, consistency).
	RetCPlanning                            // 7: No plan can satisfy the query.
	RetCInvalidCheckpoint                   // 8: Checkpoint is malformed or belongs to another collection.
	RetCClosed                              // 9: Instance was closed or removed.
	RetCPreconditionFailed                  // 10: A check of an atomic write did not hold.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCNotFound:
		return "NotFound"
	case RetCSubstrate:
		return "Substrate"
	case RetCPlanning:
		return "Planning"
	case RetCInvalidCheckpoint:
		return "InvalidCheckpoint"
	case RetCClosed:
		return "Closed"
	case RetCPreconditionFailed:
		return "PreconditionFailed"
	default:
		return "Unknown"
	}
}
