// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for KVM protocol operations.
type ErrorCode int

const (
	// ErrIncomplete indicates the input is shorter than the message it declares.
	// It is benign: the caller retries once more bytes arrive.
	ErrIncomplete ErrorCode = iota
	// ErrMalformedPacket indicates a framing or length invariant was violated.
	ErrMalformedPacket
	// ErrProtocolViolation indicates a message that is not valid for the current stage.
	ErrProtocolViolation
	// ErrAuthFailed indicates the appliance rejected the supplied credentials.
	ErrAuthFailed
	// ErrStorageUnavailable indicates a virtual-media backend with no usable sectors.
	ErrStorageUnavailable
	// ErrBackend indicates a read or write against the storage backend failed.
	ErrBackend
	// ErrNetwork indicates a transport-level failure.
	ErrNetwork
	// ErrTimeout indicates an operation exceeded its deadline or was cancelled.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrConfiguration indicates a configuration error.
	ErrConfiguration
	// ErrUnsupported indicates an unsupported feature or operation.
	ErrUnsupported
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrIncomplete:
		return "incomplete"
	case ErrMalformedPacket:
		return "malformed packet"
	case ErrProtocolViolation:
		return "protocol violation"
	case ErrAuthFailed:
		return "auth failed"
	case ErrStorageUnavailable:
		return "storage unavailable"
	case ErrBackend:
		return "backend"
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrConfiguration:
		return "configuration"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ErrNotSent is returned by input writers called before the session reaches
// the normal stage. Nothing is written to the transport in that case.
var ErrNotSent = errors.New("kvm: message not sent outside normal stage")

// KVMError provides structured error information with operation context,
// error codes, and message wrapping.
type KVMError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *KVMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvm %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("kvm %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *KVMError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *KVMError) Is(target error) bool {
	var kvmErr *KVMError
	if errors.As(target, &kvmErr) {
		return e.Code == kvmErr.Code && e.Op == kvmErr.Op
	}
	return false
}

// NewKVMError creates a new KVMError with the specified parameters.
func NewKVMError(op string, code ErrorCode, message string, err error) *KVMError {
	return &KVMError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps an existing error with protocol context.
// Returns nil if the input error is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewKVMError(op, code, message, err)
}

// IsKVMError checks if an error is a KVMError and optionally matches specific error codes.
// If no codes are provided, returns true for any KVMError.
func IsKVMError(err error, code ...ErrorCode) bool {
	var kvmErr *KVMError
	if !errors.As(err, &kvmErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if kvmErr.Code == c {
			return true
		}
	}
	return false
}

// IsIncomplete reports whether err only signals that more input is needed.
func IsIncomplete(err error) bool {
	return IsKVMError(err, ErrIncomplete)
}

// GetErrorCode extracts the error code from a KVMError.
// Returns -1 if the error is not a KVMError.
func GetErrorCode(err error) ErrorCode {
	var kvmErr *KVMError
	if errors.As(err, &kvmErr) {
		return kvmErr.Code
	}
	return ErrorCode(-1)
}

// incompleteError reports that op needs at least need bytes but only have are present.
func incompleteError(op string, need, have int) error {
	return NewKVMError(op, ErrIncomplete, fmt.Sprintf("need %d bytes, have %d", need, have), nil)
}

// requireLength returns an incomplete error when b is shorter than n.
func requireLength(op string, b []byte, n int) error {
	if len(b) < n {
		return incompleteError(op, n, len(b))
	}
	return nil
}

func malformedError(op, message string, err error) error {
	return NewKVMError(op, ErrMalformedPacket, message, err)
}

func protocolViolation(op, message string, err error) error {
	return NewKVMError(op, ErrProtocolViolation, message, err)
}

func authFailedError(op, message string, err error) error {
	return NewKVMError(op, ErrAuthFailed, message, err)
}

func storageUnavailableError(op, message string, err error) error {
	return NewKVMError(op, ErrStorageUnavailable, message, err)
}

func backendError(op, message string, err error) error {
	return NewKVMError(op, ErrBackend, message, err)
}

func networkError(op, message string, err error) error {
	return NewKVMError(op, ErrNetwork, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewKVMError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewKVMError(op, ErrValidation, message, err)
}

func configurationError(op, message string, err error) error {
	return NewKVMError(op, ErrConfiguration, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewKVMError(op, ErrUnsupported, message, err)
}
