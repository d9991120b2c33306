package mediator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/storage"
	"go.uber.org/zap"
)

// Config wires the mediator's collaborators. Authorizer is required.
type Config struct {
	SupportedVersions []string
	Authorizer        Authorizer
	Events            storage.EventWriter // nil disables decision events
	Metrics           *metrics.Recorder   // nil disables metrics
	Logger            *zap.Logger
	NewAuditID        func() string // defaults to uuid.NewString
}

// Mediator sequences protocol validation, body parsing, consumer resolution,
// policy evaluation and audit injection for each request.
// It holds no per-request state and is safe for concurrent use.
type Mediator struct {
	versions   []string
	authorizer Authorizer
	audit      *AuditInjector
	events     storage.EventWriter
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

// New creates a Mediator from cfg.
func New(cfg Config) *Mediator {
	versions := cfg.SupportedVersions
	if len(versions) == 0 {
		versions = []string{DefaultVersion}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := NewAuditInjector(logger)
	if cfg.NewAuditID != nil {
		audit.newID = cfg.NewAuditID
	}
	return &Mediator{
		versions:   append([]string(nil), versions...),
		authorizer: cfg.Authorizer,
		audit:      audit,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// SupportedVersions returns a copy of the accepted protocol versions.
func (m *Mediator) SupportedVersions() []string {
	return append([]string(nil), m.versions...)
}

// Mediate runs one request through the pipeline and returns its terminal Outcome.
func (m *Mediator) Mediate(ctx context.Context, ex Exchange) Outcome {
	start := time.Now()
	out := m.run(ctx, ex)
	m.record(out, time.Since(start))
	return out
}

func (m *Mediator) run(ctx context.Context, ex Exchange) Outcome {
	t := newTracker()
	var out Outcome

	// fault stops the pipeline where it is and denies.
	fault := func(err error) Outcome {
		m.logger.Error("mediation pipeline fault", zap.Error(err))
		return Outcome{
			State:   t.current(),
			Path:    t.snapshot(),
			Version: out.Version,
			Tool:    out.Tool,
			Err:     errPipelineFault(err),
		}
	}
	finish := func(to State, err *Error) Outcome {
		if advErr := t.advance(to); advErr != nil {
			return fault(advErr)
		}
		out.State = to
		out.Path = t.snapshot()
		out.Err = err
		return out
	}

	version, perr := ValidateVersion(ex.Request.Header, m.versions)
	if perr != nil {
		return finish(StateProtocolError, perr)
	}
	out.Version = version
	if err := t.advance(StateProtocolChecked); err != nil {
		return fault(err)
	}

	tool, berr := ParseBody(ex.Request.Body)
	if berr != nil {
		return finish(StateBodyError, berr)
	}
	if err := t.advance(StateBodyParsed); err != nil {
		return fault(err)
	}

	if tool == nil {
		if err := t.advance(StatePassThrough); err != nil {
			return fault(err)
		}
		return finish(StateForwarded, nil)
	}
	out.Tool = tool
	if err := t.advance(StateToolDetected); err != nil {
		return fault(err)
	}

	consumer, aerr := ResolveConsumer(ex.Consumer)
	if aerr != nil {
		m.logger.Warn("tool invocation without authenticated consumer",
			zap.String("tool_name", tool.Name),
		)
		return finish(StateAuthError, aerr)
	}
	out.Consumer = &consumer
	if err := t.advance(StateConsumerResolved); err != nil {
		return fault(err)
	}

	decision := m.authorize(ctx, consumer, *tool)
	out.Decision = &decision
	if err := t.advance(StatePolicyEvaluated); err != nil {
		return fault(err)
	}

	if !decision.Allow {
		return finish(StateDenied, m.audit.Deny(consumer, *tool, decision))
	}

	rec, h := m.audit.Approve(consumer, *tool)
	out.Audit = rec
	out.Header = h
	return finish(StateForwarded, nil)
}

// authorize fails closed when no Authorizer is configured.
func (m *Mediator) authorize(ctx context.Context, consumer Consumer, tool ToolInvocation) Decision {
	if m.authorizer == nil {
		return Decision{Allow: false, Reason: "Policy evaluation failed", Err: ErrNoAuthorizer}
	}
	return m.authorizer.Authorize(ctx, consumer, tool)
}

func (m *Mediator) record(out Outcome, elapsed time.Duration) {
	code := ""
	if out.Err != nil {
		code = out.Err.Code
	}
	m.metrics.ObserveRequest(string(out.State), code)

	// Decision events cover tool invocations only.
	if m.events == nil || out.Tool == nil {
		return
	}
	ev := &storage.DecisionEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   out.Version,
		ToolName:  out.Tool.Name,
		Outcome:   string(out.State),
		Code:      code,
		LatencyMs: float32(elapsed.Microseconds()) / 1000,
	}
	if out.Consumer != nil {
		ev.ConsumerID = out.Consumer.ID
		ev.Username = out.Consumer.Username
		ev.Role = out.Consumer.Role
	}
	if out.Decision != nil {
		ev.Allow = out.Decision.Allow
		ev.Reason = out.Decision.Reason
		ev.PolicyError = out.Decision.Err != nil
	}
	if out.Audit != nil {
		ev.AuditID = out.Audit.AuditID
	}
	m.events.Write(ev)
}
