package dispatch

import (
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
)

// Kind names one outcome in the error taxonomy spec.md §7 lists, each
// carrying its own retriability and HTTP status.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindNoUpstreamAvailable Kind = "no_upstream_available"
	KindLimitExceeded       Kind = "limit_exceeded"
	KindUpstreamClientError Kind = "upstream_client_error"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstreamServerError Kind = "upstream_server_error"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindTransportError      Kind = "transport_error"
	KindTranslationError    Kind = "translation_error"
	KindCanceled            Kind = "canceled"
)

// Error is the structured outcome the Dispatcher returns at the HTTP
// boundary. It implements apierr's informal StatusCoder shape (an
// HTTPStatus() int method) so the proxy layer can map it directly.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Scope   string // populated for KindLimitExceeded
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("dispatch: %s (scope=%s): %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Message)
}

// HTTPStatus implements apierr.StatusCoder-compatible mapping (spec.md §6
// "Exit statuses", §7 taxonomy).
func (e *Error) HTTPStatus() int { return e.Status }

func errUnauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Message: "invalid or blocked credential", Status: 401}
}

func errForbidden() *Error {
	return &Error{Kind: KindForbidden, Message: "deployment not reachable from this key", Status: 403}
}

func errNotFound(name string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("deployment %q not found", name), Status: 404}
}

func errNoUpstream(name string) *Error {
	return &Error{Kind: KindNoUpstreamAvailable, Message: fmt.Sprintf("deployment %q has no candidate connections", name), Status: 503}
}

func errTranslation(err error) *Error {
	return &Error{Kind: KindTranslationError, Message: err.Error(), Status: 500}
}

func errCanceled() *Error {
	return &Error{Kind: KindCanceled, Message: "client closed request", Status: 499}
}

func errInternal(err error) *Error {
	return &Error{Kind: KindTranslationError, Message: err.Error(), Status: 500}
}

// fromLimitExceeded maps a quota.LimitExceeded into the 429 the client sees,
// naming the failing scope in the body (spec.md §6: "body names the
// scope").
func fromLimitExceeded(err *quota.LimitExceeded) *Error {
	return &Error{
		Kind:    KindLimitExceeded,
		Message: err.Error(),
		Status:  429,
		Scope:   string(err.Scope),
	}
}

// fromUpstreamErr maps an upstream.Error's Kind onto the dispatch taxonomy.
// The caller decides retry vs terminal using upstream.Error.Retriable
// directly; this mapping only matters for the final, surfaced error.
func fromUpstreamErr(err *upstream.Error) *Error {
	switch err.Kind {
	case upstream.KindClientError:
		status := err.StatusCode
		if status == 0 {
			status = 502
		}
		return &Error{Kind: KindUpstreamClientError, Message: err.Message, Status: status}
	case upstream.KindRateLimited:
		return &Error{Kind: KindUpstreamRateLimited, Message: err.Message, Status: 429}
	case upstream.KindServerError:
		return &Error{Kind: KindUpstreamServerError, Message: err.Message, Status: 502}
	case upstream.KindTimeout:
		return &Error{Kind: KindUpstreamTimeout, Message: err.Message, Status: 504}
	case upstream.KindTransport:
		return &Error{Kind: KindTransportError, Message: err.Message, Status: 502}
	default:
		return &Error{Kind: KindUpstreamServerError, Message: err.Message, Status: 502}
	}
}
