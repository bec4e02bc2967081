package interfaces

import "fmt"

// ErrorKind classifies a failure for the worker's recovery state machine.
type ErrorKind int

const (
	// KindValidation covers malformed payloads, unknown models and invalid
	// tool schemas. Never retried.
	KindValidation ErrorKind = iota
	// KindAuth covers missing or bad API keys and expired profiles.
	KindAuth
	// KindTransientDOM covers selector timeouts and stale elements; the
	// worker recovers with one page quick-refresh and a single retry.
	KindTransientDOM
	// KindQuota means the upstream reported quota exhaustion for the
	// current model; triggers a per-model cooldown and rotation.
	KindQuota
	// KindRateLimit means the upstream rate-limited the profile; triggers a
	// global cooldown and rotation.
	KindRateLimit
	// KindBadGateway covers upstream 5xx and malformed streams.
	KindBadGateway
	// KindGatewayTimeout covers TTFB and silence budget expiry.
	KindGatewayTimeout
	// KindClientClosed means the client disconnected mid-request.
	KindClientClosed
	// KindRotationExhausted means no eligible profile passed the canary.
	KindRotationExhausted
	// KindFatalSession means the browser or page is gone.
	KindFatalSession
	// KindInternal is everything else.
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindValidation:        "invalid_request_error",
	KindAuth:              "authentication_error",
	KindTransientDOM:      "transient_dom_error",
	KindQuota:             "quota_exceeded",
	KindRateLimit:         "rate_limit_error",
	KindBadGateway:        "bad_gateway",
	KindGatewayTimeout:    "gateway_timeout",
	KindClientClosed:      "client_closed_request",
	KindRotationExhausted: "rotation_exhausted",
	KindFatalSession:      "fatal_session",
	KindInternal:          "internal_error",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal_error"
}

// ProxyError is the error sum consulted by the worker instead of using
// exceptions for control flow. Code is machine readable and stable.
type ProxyError struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error kind to the status reported by the API adapter.
func (e *ProxyError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		if e.Code == "model_not_available" {
			return 422
		}
		return 400
	case KindAuth:
		return 401
	case KindClientClosed:
		return 499
	case KindBadGateway:
		return 502
	case KindQuota, KindRateLimit, KindRotationExhausted, KindFatalSession:
		return 503
	case KindGatewayTimeout:
		return 504
	default:
		return 500
	}
}

// NewError builds a ProxyError with the given taxonomy entry.
func NewError(kind ErrorKind, code, message string) *ProxyError {
	return &ProxyError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kind == KindTransientDOM || kind == KindQuota || kind == KindRateLimit,
	}
}

// NewErrorf is NewError with a format string.
func NewErrorf(kind ErrorKind, code, format string, args ...any) *ProxyError {
	return NewError(kind, code, fmt.Sprintf(format, args...))
}

// AsProxyError extracts a ProxyError from err, wrapping unknown errors as
// internal so every failure reaching the sink carries a taxonomy entry.
func AsProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return NewError(KindInternal, "internal_error", err.Error())
}
