package rest

import (
	"encoding/json"
	"net/http"

	"fedfeeds/pkg/api"
)

// errorBody is the JSON body of every non-2xx response
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[api.ErrorCode]int{
	api.BadRequest:    http.StatusBadRequest,
	api.Forbidden:     http.StatusForbidden,
	api.NotFound:      http.StatusNotFound,
	api.Conflict:      http.StatusConflict,
	api.Timeout:       http.StatusGatewayTimeout,
	api.InternalError: http.StatusInternalServerError,
}

// StatusOf maps an error code to its HTTP status
func StatusOf(code api.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// CodeOfStatus maps an HTTP error status back to an error code
func CodeOfStatus(status int) api.ErrorCode {
	for code, s := range statusByCode {
		if s == status {
			return code
		}
	}
	if status >= 200 && status < 300 {
		return api.OK
	}
	if status >= 400 && status < 500 {
		return api.BadRequest
	}
	return api.InternalError
}

func codeByName(name string) (api.ErrorCode, bool) {
	for code := range statusByCode {
		if code.String() == name {
			return code, true
		}
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := api.AsError(err)
	writeJSON(w, StatusOf(apiErr.Code), errorBody{
		Code:    apiErr.Code.String(),
		Message: apiErr.Message,
	})
}
