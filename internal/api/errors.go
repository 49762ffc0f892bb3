package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/trigger"
	"AISwap-Executor/internal/vault"
)

// errorBody 是错误响应的 JSON 结构。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 将统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, vault.CodeInvalidAmount, trigger.CodeJobValidation:
		return http.StatusBadRequest
	case vault.CodeUnauthorized:
		return http.StatusForbidden
	case vault.CodeOrderNotFound, trigger.CodeJobNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case vault.CodeAlreadyRegistered, vault.CodeAlreadyInactive, vault.CodeReentrantCall,
		trigger.CodeJobConflict, trigger.CodeJobCompleted, xerrors.CodeConflict:
		return http.StatusConflict
	case vault.CodeInsufficientBalance, vault.CodeExpiredRequest, vault.CodeSlippageExceeded:
		return http.StatusUnprocessableEntity
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case vault.CodeExternalCall:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure, trigger.CodeJobPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeErrorStatus(w, status, err)
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		detail.Message = e.Message()
		detail.Metadata = e.Metadata()
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func invalidField(field, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "invalid "+field,
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("reason", reason),
	)
}
