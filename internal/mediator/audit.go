package mediator

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Headers attached to every approved tool invocation.
const (
	HeaderAuditID  = "X-SARK-Audit-ID"
	HeaderUserID   = "X-SARK-User-ID"
	HeaderToolName = "X-SARK-Tool-Name"
)

// AuditInjector mints audit records on approval and logs denials.
type AuditInjector struct {
	logger *zap.Logger
	newID  func() string
}

// NewAuditInjector creates an injector that mints random UUIDv4 audit ids.
func NewAuditInjector(logger *zap.Logger) *AuditInjector {
	return &AuditInjector{logger: logger, newID: uuid.NewString}
}

// Approve mints a fresh AuditRecord and the headers carrying it upstream.
func (a *AuditInjector) Approve(consumer Consumer, tool ToolInvocation) (*AuditRecord, http.Header) {
	rec := &AuditRecord{
		AuditID:  a.newID(),
		UserID:   consumer.ID,
		ToolName: tool.Name,
	}

	h := make(http.Header, 3)
	h.Set(HeaderAuditID, rec.AuditID)
	h.Set(HeaderUserID, rec.UserID)
	h.Set(HeaderToolName, rec.ToolName)

	a.logger.Info("tool invocation authorized",
		zap.String("audit_id", rec.AuditID),
		zap.String("consumer_id", consumer.ID),
		zap.String("tool_name", tool.Name),
	)
	return rec, h
}

// Deny logs the denial and returns the terminal error for it.
func (a *AuditInjector) Deny(consumer Consumer, tool ToolInvocation, d Decision) *Error {
	fields := []zap.Field{
		zap.String("consumer_id", consumer.ID),
		zap.String("tool_name", tool.Name),
		zap.String("reason", d.Reason),
	}
	if d.Err != nil {
		fields = append(fields, zap.Error(d.Err))
	}
	a.logger.Warn("tool invocation denied", fields...)
	return errAuthorizationDenied(d)
}
