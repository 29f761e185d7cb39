package service

import (
	"fmt"
	"net/http"

	"fatsecret-proxy-go/internal/model"
)

// Kind classifies a proxy failure. Values double as metric labels.
type Kind string

const (
	KindMethodNotAllowed       Kind = "method_not_allowed"
	KindMissingCredential      Kind = "missing_credential"
	KindInvalidAuthorization   Kind = "invalid_authorization"
	KindInvalidBody            Kind = "invalid_body"
	KindInvalidPath            Kind = "invalid_path"
	KindServerMisconfiguration Kind = "server_misconfiguration"
	KindInternal               Kind = "internal_error"
	KindUpstreamUnreachable    Kind = "upstream_unreachable"
	KindUpstreamError          Kind = "upstream_error"
	KindBadUpstreamResponse    Kind = "bad_upstream_response"
)

// ProxyError is every failure the proxy answers with an error envelope.
type ProxyError struct {
	Kind    Kind
	Status  int
	Message string

	// Details is the sanitized transport failure for KindUpstreamUnreachable.
	Details string
	// Upstream is the offending response for KindUpstreamError and
	// KindBadUpstreamResponse.
	Upstream *model.ProxyResponse
	// Passthrough relays Upstream unchanged instead of wrapping it.
	Passthrough bool

	Cause error
}

func (e *ProxyError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *ProxyError) Unwrap() error { return e.Cause }

func methodNotAllowed(msg string) *ProxyError {
	return &ProxyError{Kind: KindMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: msg}
}

func missingCredential() *ProxyError {
	return &ProxyError{Kind: KindMissingCredential, Status: http.StatusUnauthorized, Message: "Missing Authorization header"}
}

func invalidAuthorization() *ProxyError {
	return &ProxyError{Kind: KindInvalidAuthorization, Status: http.StatusUnauthorized, Message: "Invalid Authorization header"}
}

func invalidBody(msg string, cause error) *ProxyError {
	return &ProxyError{Kind: KindInvalidBody, Status: http.StatusBadRequest, Message: msg, Cause: cause}
}

func invalidPath(cause error) *ProxyError {
	return &ProxyError{Kind: KindInvalidPath, Status: http.StatusBadRequest, Message: "Invalid path", Cause: cause}
}

func misconfigured(cause error) *ProxyError {
	return &ProxyError{
		Kind:    KindServerMisconfiguration,
		Status:  http.StatusInternalServerError,
		Message: "Server misconfiguration: missing credential",
		Cause:   cause,
	}
}

func internalError(cause error) *ProxyError {
	return &ProxyError{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: "Failed to build upstream request",
		Cause:   cause,
	}
}

func unreachable(details string, cause error) *ProxyError {
	return &ProxyError{
		Kind:    KindUpstreamUnreachable,
		Status:  http.StatusInternalServerError,
		Message: "Request failed",
		Details: details,
		Cause:   cause,
	}
}

func upstreamError(label string, resp *model.ProxyResponse, passthrough bool) *ProxyError {
	return &ProxyError{
		Kind:        KindUpstreamError,
		Status:      resp.StatusCode,
		Message:     label,
		Upstream:    resp,
		Passthrough: passthrough,
	}
}

func badUpstreamResponse(resp *model.ProxyResponse, cause error) *ProxyError {
	return &ProxyError{
		Kind:     KindBadUpstreamResponse,
		Status:   http.StatusBadGateway,
		Message:  "Invalid upstream response",
		Upstream: resp,
		Cause:    cause,
	}
}
