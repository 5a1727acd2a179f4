package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/authz"
	"tessera.dev/internal/obs"
)

// Stable error codes returned in the error envelope.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeAccountLocked        = "account_locked"
	CodeAccessDenied         = "access_denied"
	CodeConflict             = "conflict"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeValidationFailed     = "validation_failed"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeInternal             = "internal_error"
	CodeBadGateway           = "bad_gateway"
)

// MsgAuthenticationFailed is the single message for every token failure so
// callers cannot tell expired, malformed and forged tokens apart.
const MsgAuthenticationFailed = "Authentication required"

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type envelope struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, code int, message string, data any) {
	writeJSON(w, code, envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// WriteError writes the failure envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorBody(w, r, status, &errorBody{Code: code, Message: msg})
}

// WriteUnauthorized writes the uniform 401 used for every authentication failure.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
	WriteError(w, r, http.StatusUnauthorized, CodeAuthenticationFailed, MsgAuthenticationFailed)
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body *errorBody) {
	writeJSON(w, status, envelope{
		Error:     body,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// handleError maps domain errors onto status codes and stable codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var authVE *auth.ValidationError
	var authzVE *authz.ValidationError
	switch {
	case errors.As(err, &authVE):
		writeErrorBody(w, r, http.StatusBadRequest, &errorBody{Code: CodeValidationFailed, Message: "validation failed", Fields: authVE.Fields})
	case errors.As(err, &authzVE):
		writeErrorBody(w, r, http.StatusBadRequest, &errorBody{Code: CodeValidationFailed, Message: "validation failed", Fields: authzVE.Fields})
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, authz.ErrInvalidInput),
		errors.Is(err, auth.ErrUnknownRole), errors.Is(err, auth.ErrLastRole),
		errors.Is(err, auth.ErrEmailAlreadyVerified):
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, trimPrefix(err))
	case errors.Is(err, auth.ErrAccountLocked):
		WriteError(w, r, http.StatusLocked, CodeAccountLocked, "account is temporarily locked")
	case errors.Is(err, auth.ErrInvalidCredentials):
		WriteError(w, r, http.StatusUnauthorized, CodeAuthenticationFailed, "invalid email or password")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked), errors.Is(err, auth.ErrTokenAlreadyUsed),
		errors.Is(err, auth.ErrUnauthenticated):
		WriteUnauthorized(w, r)
	case errors.Is(err, authz.ErrAccessDenied):
		WriteError(w, r, http.StatusForbidden, CodeAccessDenied, trimPrefix(err))
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", "3600")
		WriteError(w, r, http.StatusTooManyRequests, CodeRateLimited, "too many requests, try again later")
	case errors.Is(err, auth.ErrConflict), errors.Is(err, authz.ErrConflict):
		WriteError(w, r, http.StatusConflict, CodeConflict, trimPrefix(err))
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, authz.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
	default:
		obs.Logger().ErrorContext(r.Context(), "request_failed", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err.Error())
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// trimPrefix drops the package tag from sentinel messages.
func trimPrefix(err error) string {
	msg := err.Error()
	for _, p := range []string{"authz: ", "auth: "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody decodes dst and answers 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return false
	}
	return true
}
