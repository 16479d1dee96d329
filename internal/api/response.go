package api

import (
	"encoding/json"
	"errors"
	"net/http"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/order"
)

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	if errors.Is(err, order.ErrOrderNotFound) || errors.Is(err, order.ErrProposalNotFound) {
		return http.StatusNotFound
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	if status == http.StatusNotFound {
		code = xerrors.CodeNotFound
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]errorBody{
		"error": {Code: xerrors.CodeInitializationFailure, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
