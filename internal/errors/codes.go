package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags ErrorInfo details produced by this module
const ErrorDomain = "maas.io"

// ErrorCode represents internal error codes for power and coordination failures
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Configuration / protocol mismatch (not retryable)
	ErrCodeUnknownPowerType ErrorCode = 1000
	ErrCodeNotImplemented   ErrorCode = 1001
	ErrCodeNoSuchNode       ErrorCode = 1002
	ErrCodeInvalidArgument  ErrorCode = 1003

	// Remote backend errors raised by drivers
	ErrCodePowerAuth   ErrorCode = 2000
	ErrCodePowerConn   ErrorCode = 2001
	ErrCodePowerAction ErrorCode = 2002

	// Conflicts
	ErrCodePowerActionInProgress ErrorCode = 3000
	ErrCodeScanInProgress        ErrorCode = 3001
	ErrCodePowerProblem          ErrorCode = 3002

	// Transport / connectivity
	ErrCodeNoConnections ErrorCode = 4000

	ErrCodeInternal ErrorCode = 5000
)

var reasons = map[ErrorCode]string{
	ErrCodeUnknownPowerType:      "UNKNOWN_POWER_TYPE",
	ErrCodeNotImplemented:        "NOT_IMPLEMENTED",
	ErrCodeNoSuchNode:            "NO_SUCH_NODE",
	ErrCodeInvalidArgument:       "INVALID_ARGUMENT",
	ErrCodePowerAuth:             "POWER_AUTH_ERROR",
	ErrCodePowerConn:             "POWER_CONN_ERROR",
	ErrCodePowerAction:           "POWER_ACTION_ERROR",
	ErrCodePowerActionInProgress: "POWER_ACTION_ALREADY_IN_PROGRESS",
	ErrCodeScanInProgress:        "SCAN_ALREADY_IN_PROGRESS",
	ErrCodePowerProblem:          "POWER_PROBLEM",
	ErrCodeNoConnections:         "NO_CONNECTIONS_AVAILABLE",
	ErrCodeInternal:              "INTERNAL",
}

// Reason returns the stable wire name of the code
func (c ErrorCode) Reason() string {
	if r, ok := reasons[c]; ok {
		return r
	}
	return reasons[ErrCodeInternal]
}

func codeForReason(reason string) (ErrorCode, bool) {
	for code, r := range reasons {
		if r == reason {
			return code, true
		}
	}
	return ErrCodeInternal, false
}

// PowerError represents a structured error with code and context
type PowerError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Sentinels for errors.Is. Any PowerError with the same code matches.
var (
	ErrUnknownPowerType             = &PowerError{Code: ErrCodeUnknownPowerType, Message: "unknown power type"}
	ErrNotImplemented               = &PowerError{Code: ErrCodeNotImplemented, Message: "not implemented"}
	ErrNoSuchNode                   = &PowerError{Code: ErrCodeNoSuchNode, Message: "no such node"}
	ErrPowerAuth                    = &PowerError{Code: ErrCodePowerAuth, Message: "power authentication failed"}
	ErrPowerConn                    = &PowerError{Code: ErrCodePowerConn, Message: "power connection failed"}
	ErrPowerAction                  = &PowerError{Code: ErrCodePowerAction, Message: "power action failed"}
	ErrPowerActionAlreadyInProgress = &PowerError{Code: ErrCodePowerActionInProgress, Message: "power action already in progress"}
	ErrScanAlreadyInProgress        = &PowerError{Code: ErrCodeScanInProgress, Message: "scan already in progress"}
	ErrPowerProblem                 = &PowerError{Code: ErrCodePowerProblem, Message: "power problem"}
	ErrNoConnectionsAvailable       = &PowerError{Code: ErrCodeNoConnections, Message: "no connections available"}
)

// Error implements the error interface
func (e *PowerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PowerError) Unwrap() error {
	return e.Cause
}

// Is matches any PowerError carrying the same code
func (e *PowerError) Is(target error) bool {
	t, ok := target.(*PowerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether a higher layer may retry the operation
func (e *PowerError) Retryable() bool {
	switch e.Code {
	case ErrCodePowerConn, ErrCodeNoConnections, ErrCodePowerActionInProgress, ErrCodePowerProblem:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts PowerError to a gRPC status carrying an ErrorInfo detail
func (e *PowerError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), e.Error())
	info := &errdetails.ErrorInfo{
		Reason: e.Code.Reason(),
		Domain: ErrorDomain,
	}
	if len(e.Details) > 0 {
		info.Metadata = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			info.Metadata[k] = fmt.Sprint(v)
		}
	}
	withDetails, err := st.WithDetails(info)
	if err != nil {
		return st
	}
	return withDetails
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *PowerError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeUnknownPowerType, ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotImplemented:
		return codes.Unimplemented
	case ErrCodeNoSuchNode:
		return codes.NotFound
	case ErrCodePowerAuth:
		return codes.PermissionDenied
	case ErrCodePowerConn, ErrCodeNoConnections:
		return codes.Unavailable
	case ErrCodePowerAction:
		return codes.FailedPrecondition
	case ErrCodePowerActionInProgress, ErrCodeScanInProgress, ErrCodePowerProblem:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// NewPowerError creates a new PowerError
func NewPowerError(code ErrorCode, message string, cause error) *PowerError {
	return &PowerError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *PowerError) WithDetail(key string, value interface{}) *PowerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func UnknownPowerType(powerType string) *PowerError {
	return NewPowerError(ErrCodeUnknownPowerType, fmt.Sprintf("unknown power type: %q", powerType), nil).
		WithDetail("power_type", powerType)
}

func NotImplemented(operation, powerType string) *PowerError {
	return NewPowerError(ErrCodeNotImplemented, fmt.Sprintf("%s is not implemented by power driver %q", operation, powerType), nil).
		WithDetail("operation", operation).
		WithDetail("power_type", powerType)
}

func NoSuchNode(systemID string) *PowerError {
	return NewPowerError(ErrCodeNoSuchNode, fmt.Sprintf("no such node: %s", systemID), nil).
		WithDetail("system_id", systemID)
}

func InvalidArgument(message string, cause error) *PowerError {
	return NewPowerError(ErrCodeInvalidArgument, message, cause)
}

func PowerAuthError(message string, cause error) *PowerError {
	return NewPowerError(ErrCodePowerAuth, message, cause)
}

func PowerConnError(message string, cause error) *PowerError {
	return NewPowerError(ErrCodePowerConn, message, cause)
}

func PowerActionError(message string, cause error) *PowerError {
	return NewPowerError(ErrCodePowerAction, message, cause)
}

func PowerActionAlreadyInProgress(systemID, hostname, change string) *PowerError {
	return NewPowerError(ErrCodePowerActionInProgress,
		fmt.Sprintf("Unable to change power state to '%s' for node %s: another action is already in progress for that node.", change, hostname), nil).
		WithDetail("system_id", systemID).
		WithDetail("power_change", change)
}

func ScanAlreadyInProgress() *PowerError {
	return NewPowerError(ErrCodeScanInProgress, "a network scan is already in progress", nil)
}

// PowerProblem wraps a conflict so callers can decide whether to retry
func PowerProblem(systemID string, cause error) *PowerError {
	return NewPowerError(ErrCodePowerProblem, fmt.Sprintf("power problem for node %s", systemID), cause).
		WithDetail("system_id", systemID)
}

func NoConnectionsAvailable(message string) *PowerError {
	return NewPowerError(ErrCodeNoConnections, message, nil)
}

func InternalError(message string, cause error) *PowerError {
	return NewPowerError(ErrCodeInternal, message, cause)
}

// IsPowerError checks if an error is a PowerError
func IsPowerError(err error) bool {
	var pe *PowerError
	return stderrors.As(err, &pe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var pe *PowerError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}

// ToGRPCError converts any error into a gRPC status error for the wire
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var pe *PowerError
	if stderrors.As(err, &pe) {
		return pe.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPCError converts a gRPC status error received from a peer back into a
// PowerError when it carries a known reason. Other errors are returned as is.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		code, known := codeForReason(info.GetReason())
		if !known {
			continue
		}
		pe := NewPowerError(code, st.Message(), nil)
		for k, v := range info.GetMetadata() {
			pe.Details[k] = v
		}
		return pe
	}
	return err
}

// IsUnhandledCommand reports whether the peer does not implement the RPC at
// all, as opposed to a driver that lacks an optional capability.
func IsUnhandledCommand(err error) bool {
	if IsPowerError(err) {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unimplemented
}
