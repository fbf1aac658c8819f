package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for synchronization operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001

	// Synchronization errors
	ErrCodeLock                     ErrorCode = 2000
	ErrCodeCausalityViolation       ErrorCode = 2001
	ErrCodeConflictResolutionFailed ErrorCode = 2002
	ErrCodeResourceExhausted        ErrorCode = 2003
	ErrCodeSynchronizationTimeout   ErrorCode = 2004
	ErrCodeQuorumFailed             ErrorCode = 2005

	// Server errors
	ErrCodeInternal    ErrorCode = 3000
	ErrCodeUnavailable ErrorCode = 3001
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeLock:
		return "lock_error"
	case ErrCodeCausalityViolation:
		return "causality_violation"
	case ErrCodeConflictResolutionFailed:
		return "conflict_resolution_failed"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeSynchronizationTimeout:
		return "synchronization_timeout"
	case ErrCodeQuorumFailed:
		return "quorum_failed"
	case ErrCodeUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeCausalityViolation:
		return codes.FailedPrecondition
	case ErrCodeConflictResolutionFailed:
		return codes.Aborted
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeSynchronizationTimeout:
		return codes.DeadlineExceeded
	case ErrCodeLock, ErrCodeQuorumFailed, ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func LockError(resource string, cause error) *SyncError {
	return NewSyncError(ErrCodeLock, fmt.Sprintf("failed to acquire lock on %s", resource), cause).
		WithDetail("resource", resource)
}

func CausalityViolation(eventID, kind, message string) *SyncError {
	return NewSyncError(ErrCodeCausalityViolation, fmt.Sprintf("causality violation (%s) for event %s: %s", kind, eventID, message), nil).
		WithDetail("event_id", eventID).
		WithDetail("violation", kind)
}

func ConflictResolutionFailed(resource string, eventIDs []string, cause error) *SyncError {
	return NewSyncError(ErrCodeConflictResolutionFailed, fmt.Sprintf("no resolution strategy for conflict on %s", resource), cause).
		WithDetail("resource", resource).
		WithDetail("event_ids", eventIDs)
}

func ResourceExhausted(resource string, current, limit int) *SyncError {
	return NewSyncError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func SynchronizationTimeout(eventID string, waited fmt.Stringer) *SyncError {
	return NewSyncError(ErrCodeSynchronizationTimeout, fmt.Sprintf("event %s not synchronized within %s", eventID, waited), nil).
		WithDetail("event_id", eventID)
}

func QuorumFailed(eventID string, acks, required int, cause error) *SyncError {
	return NewSyncError(ErrCodeQuorumFailed, fmt.Sprintf("quorum not reached for event %s: %d/%d", eventID, acks, required), cause).
		WithDetail("event_id", eventID).
		WithDetail("acks", acks).
		WithDetail("required", required)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

// IsSyncError checks if an error is (or wraps) a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetDetail returns a detail value attached to the SyncError in err's chain
func GetDetail(err error, key string) (interface{}, bool) {
	var se *SyncError
	if !stderrors.As(err, &se) {
		return nil, false
	}
	v, ok := se.Details[key]
	return v, ok
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether the bounded sync_attempts retry applies
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeLock, ErrCodeSynchronizationTimeout, ErrCodeQuorumFailed:
		return true
	default:
		return false
	}
}
