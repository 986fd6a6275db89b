package api

import (
	"encoding/json"
	"net/http"

	"lsifd/internal/errors"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response, mapping known error codes to
// statuses.
func WriteError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	WriteJSON(w, ErrorResponse{Error: err.Error(), Code: string(code)}, statusFor(code))
}

// statusFor maps an error code to an HTTP status. Unknown codes are server
// errors.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.BadInput:
		return http.StatusBadRequest
	case errors.InvalidPayload, errors.MalformedInput, errors.UnsupportedVersion, errors.DanglingReference:
		return http.StatusUnprocessableEntity
	case errors.NotIndexed:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, ErrorResponse{Error: message, Code: string(errors.BadInput)}, http.StatusBadRequest)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, ErrorResponse{Error: "method not allowed"}, http.StatusMethodNotAllowed)
}
