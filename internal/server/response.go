package server

import (
	"encoding/json"
	"net/http"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeError maps err onto an HTTP status through its gRPC code
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	st, _ := status.FromError(maaserrors.ToGRPCError(err))
	statusCode := httpStatus(st.Code())
	if statusCode >= http.StatusInternalServerError {
		loggerFrom(r.Context(), logger).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: maaserrors.GetCode(err).Reason(),
		Message:   err.Error(),
		RequestID: r.Header.Get(requestIDHeader),
	})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Status:    "error",
		ErrorCode: maaserrors.ErrCodeInvalidArgument.Reason(),
		Message:   message,
		RequestID: r.Header.Get(requestIDHeader),
	})
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
