package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassUncritical indicates a transient device or transmission failure.
	// The step or route is retried later without operator intervention.
	ErrorClassUncritical ErrorClass = "uncritical"

	// ErrorClassCritical indicates the device rejected the request.
	// Examples: invalid socket configuration, standard error, failed remote sync.
	ErrorClassCritical ErrorClass = "critical"

	// ErrorClassRejected indicates a request refused synchronously by the caller side.
	// Examples: engine busy, pool exhaustion, operation invalid in the current state.
	ErrorClassRejected ErrorClass = "rejected"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the formatted address of the device involved, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	switch {
	case e.Node != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (node=%s, operation=%s)", e.Class, msg, e.Node, e.Operation)
	case e.Node != "":
		return fmt.Sprintf("[%s] %s (node=%s)", e.Class, msg, e.Node)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewUncriticalError creates a new uncritical error.
func NewUncriticalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassUncritical,
		Message: message,
		Err:     err,
	}
}

// NewCriticalError creates a new critical error.
func NewCriticalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCritical,
		Message: message,
		Err:     err,
	}
}

// NewRejectedError creates a new rejected error.
func NewRejectedError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRejected,
		Message: message,
		Err:     err,
	}
}

// WithNode adds the device address to an error.
func (e *EngineError) WithNode(address uint16) *EngineError {
	e.Node = FormatAddress(address)
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsUncritical returns true if the error is classified as uncritical.
func IsUncritical(err error) bool {
	return ClassOf(err) == ErrorClassUncritical
}

// IsCritical returns true if the error is classified as critical.
func IsCritical(err error) bool {
	return ClassOf(err) == ErrorClassCritical
}

// IsRejected returns true if the error is a synchronous rejection.
func IsRejected(err error) bool {
	return ClassOf(err) == ErrorClassRejected
}

// IsRetryable returns true if the error can be retried.
// Uncritical errors and busy rejections are retryable.
func IsRetryable(err error) bool {
	return IsUncritical(err) || errors.Is(err, ErrBusy)
}

// ClassOf returns the class of an engine error, or an empty class for any other error.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of an engine error, or an empty string.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBusy           = "BUSY"
	ErrCodeNoFreeJob      = "NO_FREE_JOB"
	ErrCodePoolFull       = "POOL_FULL"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeSyncFailed     = "SYNC_FAILED"
	ErrCodeDeviceRejected = "DEVICE_REJECTED"
	ErrCodeTransmission   = "TRANSMISSION"
	ErrCodeInvalidated    = "INVALIDATED"
	ErrCodeRetryLimit     = "RETRY_LIMIT"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks. Matching is by class and code.
var (
	ErrBusy         = &EngineError{Class: ErrorClassRejected, Code: ErrCodeBusy, Message: "job engine busy"}
	ErrNoFreeJob    = &EngineError{Class: ErrorClassRejected, Code: ErrCodeNoFreeJob, Message: "no free job slot"}
	ErrPoolFull     = &EngineError{Class: ErrorClassCritical, Code: ErrCodePoolFull, Message: "resource handle pool full"}
	ErrInvalidState = &EngineError{Class: ErrorClassRejected, Code: ErrCodeInvalidState, Message: "operation not valid in current state"}
	ErrSyncFailed   = &EngineError{Class: ErrorClassCritical, Code: ErrCodeSyncFailed, Message: "remote device synchronization failed"}
	ErrNotFound     = &EngineError{Class: ErrorClassRejected, Code: ErrCodeNotFound, Message: "not found"}
)

// ClassifyTxResult maps a transceiver result onto an engine error.
// It returns nil for TxSuccess.
func ClassifyTxResult(res TxResult) *EngineError {
	switch res {
	case TxSuccess:
		return nil
	case TxBusy, TxProcessing, TxTimeout, TxTransmission:
		return NewUncriticalError("device request not completed", nil).
			WithCode(ErrCodeTransmission).
			WithDetail("tx_result", string(res))
	default:
		return NewCriticalError("device rejected request", nil).
			WithCode(ErrCodeDeviceRejected).
			WithDetail("tx_result", string(res))
	}
}

// FormatAddress renders a device address the way it appears in logs and errors.
func FormatAddress(address uint16) string {
	return fmt.Sprintf("0x%04X", address)
}
