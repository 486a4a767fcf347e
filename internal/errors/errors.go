package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProxyError is an error with a stable identifier that can be returned to clients.
// The identifier is the JSON "error" field and never changes across versions.
type ProxyError struct {
	Status     int    `json:"-"`
	ErrorID    string `json:"error"`
	Message    string `json:"error_description,omitempty"`
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.ErrorID, e.underlying)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.ErrorID, e.Message)
	}
	return e.ErrorID
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no message), uses pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Error taxonomy. Identifiers are stable and each maps to one HTTP status;
// several identifiers share a status.
var (
	ErrServiceNotFound = &ProxyError{
		Status:  http.StatusNotFound,
		ErrorID: "errors.service.not.found",
	}

	ErrIPBlocked = &ProxyError{
		Status:  http.StatusForbidden,
		ErrorID: "errors.ip.blocked",
	}

	ErrRestrictionForbidden = &ProxyError{
		Status:  http.StatusForbidden,
		ErrorID: "errors.restriction.forbidden",
	}

	ErrRestrictionNotFound = &ProxyError{
		Status:  http.StatusNotFound,
		ErrorID: "errors.restriction.not.found",
	}

	ErrAuthRequired = &ProxyError{
		Status:  http.StatusBadRequest,
		ErrorID: "errors.auth.required",
	}

	ErrBadToken = &ProxyError{
		Status:  http.StatusBadRequest,
		ErrorID: "error.bad.token",
	}

	ErrApiKeyInvalid = &ProxyError{
		Status:  http.StatusUnauthorized,
		ErrorID: "errors.apikey.invalid",
	}

	ErrApiKeyRouting = &ProxyError{
		Status:  http.StatusNotFound,
		ErrorID: "errors.apikey.routing",
	}

	ErrQuotaExceeded = &ProxyError{
		Status:  http.StatusTooManyRequests,
		ErrorID: "errors.quota.exceeded",
	}

	ErrUpstreamConnect = &ProxyError{
		Status:  http.StatusBadGateway,
		ErrorID: "errors.upstream.connect",
	}

	ErrUpstreamTimeout = &ProxyError{
		Status:  http.StatusBadGateway,
		ErrorID: "errors.upstream.timeout",
	}

	ErrUpstreamTokenInvalid = &ProxyError{
		Status:  http.StatusBadGateway,
		ErrorID: "errors.upstream.token.invalid",
	}

	ErrInternal = &ProxyError{
		Status:  http.StatusInternalServerError,
		ErrorID: "errors.internal",
	}

	ErrTooManyConcurrentRequests = &ProxyError{
		Status:  http.StatusServiceUnavailable,
		ErrorID: "errors.too.many.concurrent.requests",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrServiceNotFound, ErrIPBlocked, ErrRestrictionForbidden,
		ErrRestrictionNotFound, ErrAuthRequired, ErrBadToken,
		ErrApiKeyInvalid, ErrApiKeyRouting, ErrQuotaExceeded,
		ErrUpstreamConnect, ErrUpstreamTimeout, ErrUpstreamTokenInvalid,
		ErrInternal, ErrTooManyConcurrentRequests,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError.
func New(status int, errorID string) *ProxyError {
	return &ProxyError{
		Status:  status,
		ErrorID: errorID,
	}
}

// Wrap wraps an error under an existing taxonomy entry.
func Wrap(base *ProxyError, err error) *ProxyError {
	return &ProxyError{
		Status:     base.Status,
		ErrorID:    base.ErrorID,
		Message:    base.Message,
		underlying: err,
	}
}

// WithMessage returns a copy of the error carrying a human-readable description.
func (e *ProxyError) WithMessage(msg string) *ProxyError {
	return &ProxyError{
		Status:     e.Status,
		ErrorID:    e.ErrorID,
		Message:    msg,
		underlying: e.underlying,
	}
}

// Retryable reports whether the pipeline may retry the call on another target.
func (e *ProxyError) Retryable() bool {
	switch e.ErrorID {
	case ErrUpstreamConnect.ErrorID, ErrUpstreamTimeout.ErrorID, ErrUpstreamTokenInvalid.ErrorID:
		return true
	}
	return false
}
