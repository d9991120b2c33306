package mediator

import (
	"context"
	"encoding/json"
	"net/http"
)

// InboundRequest is the host's view of one request. The mediator never mutates it.
type InboundRequest struct {
	Header http.Header
	Body   []byte
}

// ToolInvocation is a tool call extracted from a JSON-RPC body.
type ToolInvocation struct {
	Name   string
	Params json.RawMessage // params.arguments, may be empty
}

// Consumer is the caller identity established by upstream authentication.
type Consumer struct {
	ID       string
	Username string
	Role     string
	Teams    []string
}

// Decision is the resolved outcome of a policy evaluation.
// Err is set only when the decision endpoint could not produce an answer.
type Decision struct {
	Allow  bool
	Reason string
	Err    error
}

// AuditRecord is minted for every approved tool invocation.
type AuditRecord struct {
	AuditID  string
	UserID   string
	ToolName string
}

// Authorizer resolves a tool invocation to an explicit Decision.
// Implementations must fail closed: any uncertainty is a deny.
type Authorizer interface {
	Authorize(ctx context.Context, consumer Consumer, tool ToolInvocation) Decision
}

// Exchange is everything the host hands to the mediator for one request.
// Consumer is nil when upstream authentication attached no identity.
type Exchange struct {
	Request  InboundRequest
	Consumer *Consumer
}

// Outcome is the terminal result of one mediation. The host either forwards
// the request with Header merged in, or writes Denial back to the caller.
type Outcome struct {
	State    State
	Path     []State
	Version  string
	Tool     *ToolInvocation
	Consumer *Consumer
	Decision *Decision
	Audit    *AuditRecord
	Header   http.Header
	Err      *Error
}

// Forward reports whether the request may reach the upstream target.
func (o Outcome) Forward() bool {
	return o.State == StateForwarded
}

// Denial returns the response body for a terminated request, or nil when forwarding.
func (o Outcome) Denial() *DenialResponse {
	if o.Err == nil {
		return nil
	}
	resp := o.Err.Response()
	return &resp
}
