package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Deny reasons produced by the client itself.
const (
	ReasonEvaluationFailed = "Policy evaluation failed"
	ReasonEvaluationError  = "Policy evaluation error"
	ReasonInvalidResponse  = "Invalid policy response"
	ReasonNotProvided      = "No reason provided"
)

const (
	DefaultPath    = "/v1/data/mcp/allow"
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// ErrUnexpectedStatus is the cause recorded for a non-2xx decision response.
var ErrUnexpectedStatus = errors.New("unexpected decision endpoint status")

// ClientConfig configures the Client. Endpoint is required.
type ClientConfig struct {
	Endpoint   string // base URL of the decision service
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Enricher   ConsumerEnricher
	Tools      ToolMetadataLookup
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Client evaluates tool invocations against an external decision endpoint.
// It implements mediator.Authorizer and never returns an allow it did not
// read from a well-formed response.
type Client struct {
	url      string
	timeout  time.Duration
	http     *http.Client
	enricher ConsumerEnricher
	tools    ToolMetadataLookup
	metrics  *metrics.Recorder
	logger   *zap.Logger
	clock    func() time.Time
}

var _ mediator.Authorizer = (*Client)(nil)

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("NewClient: endpoint is required")
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("NewClient: unsupported scheme %q", base.Scheme)
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	c := &Client{
		url:      strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(path, "/"),
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
		enricher: cfg.Enricher,
		tools:    cfg.Tools,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.enricher == nil {
		c.enricher = StaticConsumerEnricher{}
	}
	if c.tools == nil {
		c.tools = StaticToolLookup{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// URL returns the full decision endpoint URL.
func (c *Client) URL() string {
	return c.url
}

// BuildInput assembles the decision document for one invocation.
func (c *Client) BuildInput(ctx context.Context, consumer mediator.Consumer, tool mediator.ToolInvocation) (Input, error) {
	attrs, err := c.enricher.Enrich(ctx, consumer)
	if err != nil {
		return Input{}, fmt.Errorf("BuildInput: enrich consumer: %w", err)
	}
	md, err := c.tools.Lookup(ctx, tool.Name)
	switch {
	case errors.Is(err, ErrToolNotFound):
		md = DefaultToolMetadata()
	case err != nil:
		return Input{}, fmt.Errorf("BuildInput: tool metadata: %w", err)
	}
	md = withToolDefaults(md)

	role := attrs.Role
	if role == "" {
		role = DefaultRole
	}
	teams := attrs.Teams
	if teams == nil {
		teams = []string{}
	}

	return Input{
		User: User{
			ID:       consumer.ID,
			Username: consumer.Username,
			Role:     role,
			Teams:    teams,
		},
		Action: ActionToolInvoke,
		Tool: Tool{
			Name:             tool.Name,
			SensitivityLevel: md.SensitivityLevel,
			Owner:            md.Owner,
			Managers:         md.Managers,
		},
		Context: Context{Timestamp: c.clock().Unix()},
	}, nil
}

// Authorize issues exactly one decision call. Every failure is a deny.
func (c *Client) Authorize(ctx context.Context, consumer mediator.Consumer, tool mediator.ToolInvocation) mediator.Decision {
	ctx, span := otel.Tracer("mcp_mediator/policy").Start(ctx, "policy.Authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.tool_name", tool.Name),
		attribute.String("mcp.consumer_id", consumer.ID),
	)

	start := time.Now()
	d := c.evaluate(ctx, consumer, tool)

	result := "deny"
	switch {
	case d.Err != nil:
		result = "error"
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, d.Reason)
	case d.Allow:
		result = "allow"
	}
	span.SetAttributes(attribute.Bool("mcp.allow", d.Allow))
	c.metrics.ObservePolicy(result, time.Since(start))
	return d
}

func (c *Client) evaluate(ctx context.Context, consumer mediator.Consumer, tool mediator.ToolInvocation) mediator.Decision {
	// One deadline covers enrichment lookups and the decision call.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	input, err := c.BuildInput(ctx, consumer, tool)
	if err != nil {
		c.logger.Error("policy input enrichment failed",
			zap.String("consumer_id", consumer.ID),
			zap.String("tool_name", tool.Name),
			zap.Error(err),
		)
		return deny(ReasonEvaluationFailed, err)
	}

	payload, err := json.Marshal(Request{Input: input})
	if err != nil {
		return deny(ReasonEvaluationFailed, fmt.Errorf("Authorize: marshal input: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return deny(ReasonEvaluationFailed, fmt.Errorf("Authorize: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("policy evaluation failed",
			zap.String("tool_name", tool.Name),
			zap.Duration("timeout", c.timeout),
			zap.Error(err),
		)
		return deny(ReasonEvaluationFailed, fmt.Errorf("Authorize: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		c.logger.Error("policy endpoint returned error status",
			zap.String("tool_name", tool.Name),
			zap.Int("status", resp.StatusCode),
		)
		return deny(ReasonEvaluationError, fmt.Errorf("Authorize: %w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Error("policy response read failed", zap.Error(err))
		return deny(ReasonEvaluationFailed, fmt.Errorf("Authorize: read body: %w", err))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Error("invalid policy response",
			zap.String("tool_name", tool.Name),
			zap.Error(err),
		)
		return deny(ReasonInvalidResponse, fmt.Errorf("Authorize: decode response: %w", err))
	}

	reason := ReasonNotProvided
	if parsed.Result == nil {
		return mediator.Decision{Allow: false, Reason: reason}
	}
	if parsed.Result.AuditReason != nil {
		reason = *parsed.Result.AuditReason
	}
	if parsed.Result.Allow == nil {
		return mediator.Decision{Allow: false, Reason: reason}
	}
	return mediator.Decision{Allow: *parsed.Result.Allow, Reason: reason}
}

func deny(reason string, err error) mediator.Decision {
	return mediator.Decision{Allow: false, Reason: reason, Err: err}
}
