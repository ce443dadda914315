package api

import (
	"encoding/json"
	"net/http"

	xerrors "enclaverun/internal/errors"
)

// errorResponse 是所有 JSON 错误响应的格式。
type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, msg string) {
	writeJSON(w, status, errorResponse{Code: string(code), Message: msg})
}

// writeErr 使用错误码登记的 HTTP 状态，并带上错误附带的信息。
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatus(err), errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
		Details: xerrors.MetadataOf(err),
	})
}
