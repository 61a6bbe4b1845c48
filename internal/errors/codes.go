package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for routing operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeDataConversion  ErrorCode = 1001
	ErrCodeNotFound        ErrorCode = 1002
	ErrCodeRateLimited     ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeNetwork       ErrorCode = 2001
	ErrCodeInconsistency ErrorCode = 2002
	ErrCodeTimeout       ErrorCode = 2003
	ErrCodeUnavailable   ErrorCode = 2004
)

// String returns the wire name of the code used in HTTP error bodies
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeDataConversion:
		return "DATA_CONVERSION"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeRateLimited:
		return "RATE_LIMITED"
	case ErrCodeNetwork:
		return "NETWORK"
	case ErrCodeInconsistency:
		return "INCONSISTENCY"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// RoutingError represents a structured error with code and context
type RoutingError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts RoutingError to gRPC status
func (e *RoutingError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// GRPCStatus lets status.FromError recognise a RoutingError anywhere in a chain
func (e *RoutingError) GRPCStatus() *status.Status {
	return e.ToGRPCStatus()
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *RoutingError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeDataConversion:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeNetwork, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeInconsistency:
		return codes.DataLoss
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error to the status code routerd responds with
func (e *RoutingError) HTTPStatus() int {
	return HTTPStatusFromGRPC(e.toGRPCCode())
}

// HTTPStatusFromGRPC converts a gRPC code to an HTTP status code.
func HTTPStatusFromGRPC(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewRoutingError creates a new RoutingError
func NewRoutingError(code ErrorCode, message string, cause error) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RoutingError) WithDetail(key string, value interface{}) *RoutingError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeInvalidArgument, message, cause)
}

func DataConversion(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeDataConversion, message, cause)
}

func NotFound(resource, id string) *RoutingError {
	return NewRoutingError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func RateLimited(message string) *RoutingError {
	return NewRoutingError(ErrCodeRateLimited, message, nil)
}

func Network(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeNetwork, message, cause)
}

func Inconsistency(collectionRID, reason string) *RoutingError {
	return NewRoutingError(ErrCodeInconsistency, fmt.Sprintf("inconsistent routing map for collection '%s': %s", collectionRID, reason), nil).
		WithDetail("collection_rid", collectionRID).
		WithDetail("reason", reason)
}

func Timeout(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeTimeout, message, cause)
}

func Unavailable(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeUnavailable, message, cause)
}

func InternalError(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeInternal, message, cause)
}

// IsRoutingError checks if an error chain contains a RoutingError
func IsRoutingError(err error) bool {
	var re *RoutingError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *RoutingError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err carries ErrCodeNotFound
func IsNotFound(err error) bool {
	return err != nil && GetCode(err) == ErrCodeNotFound
}

// IsInconsistency reports whether err carries ErrCodeInconsistency
func IsInconsistency(err error) bool {
	return err != nil && GetCode(err) == ErrCodeInconsistency
}

// IsTimeout reports whether err carries ErrCodeTimeout
func IsTimeout(err error) bool {
	return err != nil && GetCode(err) == ErrCodeTimeout
}
