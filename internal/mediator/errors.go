package mediator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a request was terminated.
type Kind int

const (
	KindProtocol Kind = iota + 1
	KindBody
	KindAuthentication
	KindAuthorization
	// KindPolicyEvaluation is an infrastructure failure. Callers see it as an
	// authorization denial so policy engine health is never disclosed.
	KindPolicyEvaluation
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindBody:
		return "body_error"
	case KindAuthentication:
		return "authentication_error"
	case KindAuthorization:
		return "authorization_error"
	case KindPolicyEvaluation:
		return "policy_evaluation_error"
	default:
		return "unknown"
	}
}

// Stable machine-readable denial codes.
const (
	CodeVersionRequired        = "MCP_VERSION_REQUIRED"
	CodeVersionUnsupported     = "MCP_VERSION_UNSUPPORTED"
	CodeInvalidRequestBody     = "INVALID_REQUEST_BODY"
	CodeInvalidJSON            = "INVALID_JSON"
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeAuthorizationDenied    = "AUTHORIZATION_DENIED"
)

// Error is a terminal pipeline error. It maps one-to-one onto a denial response.
type Error struct {
	Kind              Kind
	Status            int
	Code              string
	Message           string
	Reason            string
	SupportedVersions []string
	Err               error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DenialResponse is the JSON body written for every terminated request.
type DenialResponse struct {
	Error             string   `json:"error"`
	Code              string   `json:"code"`
	Reason            string   `json:"reason,omitempty"`
	SupportedVersions []string `json:"supported_versions,omitempty"`
}

// Response renders the error as a denial body. Wrapped causes are never exposed.
func (e *Error) Response() DenialResponse {
	return DenialResponse{
		Error:             e.Message,
		Code:              e.Code,
		Reason:            e.Reason,
		SupportedVersions: e.SupportedVersions,
	}
}

func errVersionRequired() *Error {
	return &Error{
		Kind:    KindProtocol,
		Status:  http.StatusBadRequest,
		Code:    CodeVersionRequired,
		Message: "MCP-Version header is required",
	}
}

func errVersionUnsupported(got string, supported []string) *Error {
	return &Error{
		Kind:              KindProtocol,
		Status:            http.StatusBadRequest,
		Code:              CodeVersionUnsupported,
		Message:           "Unsupported MCP version",
		Reason:            fmt.Sprintf("version %q is not supported", got),
		SupportedVersions: append([]string(nil), supported...),
	}
}

func errInvalidBody(detail string) *Error {
	return &Error{
		Kind:    KindBody,
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidRequestBody,
		Message: "Invalid request body",
		Reason:  detail,
	}
}

func errInvalidJSON(cause error) *Error {
	return &Error{
		Kind:    KindBody,
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidJSON,
		Message: "Invalid JSON in request body",
		Err:     cause,
	}
}

func errAuthenticationRequired() *Error {
	return &Error{
		Kind:    KindAuthentication,
		Status:  http.StatusUnauthorized,
		Code:    CodeAuthenticationRequired,
		Message: "Authentication required",
	}
}

func errAuthorizationDenied(d Decision) *Error {
	kind := KindAuthorization
	if d.Err != nil {
		kind = KindPolicyEvaluation
	}
	return &Error{
		Kind:    kind,
		Status:  http.StatusForbidden,
		Code:    CodeAuthorizationDenied,
		Message: "Authorization denied",
		Reason:  d.Reason,
		Err:     d.Err,
	}
}

// ErrNoAuthorizer is the cause recorded when a mediator has no Authorizer.
var ErrNoAuthorizer = errors.New("no authorizer configured")

func errPipelineFault(cause error) *Error {
	return &Error{
		Kind:    KindPolicyEvaluation,
		Status:  http.StatusForbidden,
		Code:    CodeAuthorizationDenied,
		Message: "Authorization denied",
		Reason:  "Policy evaluation failed",
		Err:     cause,
	}
}
