package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 6, 18, 9, 30, 0, 0, time.UTC)

func testConsumer() mediator.Consumer {
	return mediator.Consumer{ID: "user-1", Username: "alice", Role: "admin", Teams: []string{"sre"}}
}

func testTool() mediator.ToolInvocation {
	return mediator.ToolInvocation{Name: "shell_exec", Params: json.RawMessage(`{"cmd":"ls"}`)}
}

func newTestClient(t *testing.T, endpoint string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Endpoint: endpoint,
		Logger:   zap.NewNop(),
		Clock:    func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// decisionServer responds with body and status, and records each request.
func decisionServer(t *testing.T, status int, body string, calls *atomic.Int32, captured *Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != DefaultPath {
			t.Errorf("expected path %s, got %s", DefaultPath, r.URL.Path)
		}
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthorize_Responses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantAllow  bool
		wantReason string
		wantErr    bool
	}{
		{"allow with reason", 200, `{"result":{"allow":true,"audit_reason":"ok"}}`, true, "ok", false},
		{"allow without reason", 200, `{"result":{"allow":true}}`, true, ReasonNotProvided, false},
		{"explicit deny", 200, `{"result":{"allow":false,"audit_reason":"critical tool requires manager"}}`, false, "critical tool requires manager", false},
		{"missing allow", 200, `{"result":{}}`, false, ReasonNotProvided, false},
		{"missing allow keeps reason", 200, `{"result":{"audit_reason":"undefined decision"}}`, false, "undefined decision", false},
		{"missing result", 200, `{}`, false, ReasonNotProvided, false},
		{"null result", 200, `{"result":null}`, false, ReasonNotProvided, false},
		{"server error", 500, `{"code":"internal_error"}`, false, ReasonEvaluationError, true},
		{"not found", 404, ``, false, ReasonEvaluationError, true},
		{"invalid json", 200, `{"result":`, false, ReasonInvalidResponse, true},
		{"allow is string", 200, `{"result":{"allow":"true"}}`, false, ReasonInvalidResponse, true},
		{"reason is number", 200, `{"result":{"allow":true,"audit_reason":7}}`, false, ReasonInvalidResponse, true},
		{"result is array", 200, `{"result":[true]}`, false, ReasonInvalidResponse, true},
		{"empty body", 200, ``, false, ReasonInvalidResponse, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := decisionServer(t, tt.status, tt.body, nil, nil)
			c := newTestClient(t, srv.URL, nil)

			d := c.Authorize(context.Background(), testConsumer(), testTool())
			if d.Allow != tt.wantAllow {
				t.Errorf("allow = %v, want %v", d.Allow, tt.wantAllow)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.wantReason)
			}
			if (d.Err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", d.Err, tt.wantErr)
			}
		})
	}
}

func TestAuthorize_NonSuccessStatusIsWrapped(t *testing.T) {
	srv := decisionServer(t, http.StatusServiceUnavailable, ``, nil, nil)
	c := newTestClient(t, srv.URL, nil)

	d := c.Authorize(context.Background(), testConsumer(), testTool())
	if !errors.Is(d.Err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", d.Err)
	}
}

func TestAuthorize_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.Timeout = 50 * time.Millisecond })

	start := time.Now()
	d := c.Authorize(context.Background(), testConsumer(), testTool())
	elapsed := time.Since(start)

	if d.Allow {
		t.Fatal("timeout must deny")
	}
	if d.Reason != ReasonEvaluationFailed {
		t.Errorf("reason = %q", d.Reason)
	}
	if !errors.Is(d.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", d.Err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout not enforced: %v", elapsed)
	}
}

func TestAuthorize_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, addr, nil)
	d := c.Authorize(context.Background(), testConsumer(), testTool())
	if d.Allow || d.Reason != ReasonEvaluationFailed || d.Err == nil {
		t.Fatalf("expected fail-closed deny, got %+v", d)
	}
}

func TestAuthorize_CallsEndpointOnce(t *testing.T) {
	var calls atomic.Int32
	srv := decisionServer(t, 500, ``, &calls, nil)
	c := newTestClient(t, srv.URL, nil)

	c.Authorize(context.Background(), testConsumer(), testTool())
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one call, got %d", calls.Load())
	}
}

func TestAuthorize_InputDocument(t *testing.T) {
	var got Request
	srv := decisionServer(t, 200, `{"result":{"allow":true,"audit_reason":"ok"}}`, nil, &got)
	c := newTestClient(t, srv.URL, nil)

	c.Authorize(context.Background(), testConsumer(), testTool())

	if got.Input.Action != ActionToolInvoke {
		t.Errorf("action = %q", got.Input.Action)
	}
	if got.Input.User.ID != "user-1" || got.Input.User.Username != "alice" {
		t.Errorf("user = %+v", got.Input.User)
	}
	if got.Input.User.Role != "admin" || len(got.Input.User.Teams) != 1 || got.Input.User.Teams[0] != "sre" {
		t.Errorf("enriched user = %+v", got.Input.User)
	}
	if got.Input.Tool.Name != "shell_exec" || got.Input.Tool.SensitivityLevel != DefaultSensitivity {
		t.Errorf("tool = %+v", got.Input.Tool)
	}
	if got.Input.Tool.Owner != nil {
		t.Errorf("owner = %v, want null", *got.Input.Tool.Owner)
	}
	if got.Input.Context.Timestamp != fixedNow.Unix() {
		t.Errorf("timestamp = %d", got.Input.Context.Timestamp)
	}
}

func TestBuildInput_EncodesEmptyCollections(t *testing.T) {
	c := newTestClient(t, "http://opa.local:8181", nil)

	in, err := c.BuildInput(context.Background(), mediator.Consumer{ID: "svc"}, mediator.ToolInvocation{Name: "ping"})
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	raw, _ := json.Marshal(Request{Input: in})

	var doc map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	user := doc["input"]["user"].(map[string]any)
	if user["role"] != DefaultRole {
		t.Errorf("role = %v", user["role"])
	}
	if teams, ok := user["teams"].([]any); !ok || len(teams) != 0 {
		t.Errorf("teams = %#v, want []", user["teams"])
	}
	tool := doc["input"]["tool"].(map[string]any)
	if managers, ok := tool["managers"].([]any); !ok || len(managers) != 0 {
		t.Errorf("managers = %#v, want []", tool["managers"])
	}
	if v, present := tool["owner"]; !present || v != nil {
		t.Errorf("owner = %#v, want null", v)
	}
}

type failingEnricher struct{}

func (failingEnricher) Enrich(context.Context, mediator.Consumer) (UserAttributes, error) {
	return UserAttributes{}, errors.New("directory unavailable")
}

type mapLookup map[string]ToolMetadata

func (m mapLookup) Lookup(_ context.Context, name string) (ToolMetadata, error) {
	md, ok := m[name]
	if !ok {
		return ToolMetadata{}, ErrToolNotFound
	}
	return md, nil
}

type brokenLookup struct{}

func (brokenLookup) Lookup(context.Context, string) (ToolMetadata, error) {
	return ToolMetadata{}, errors.New("registry down")
}

func TestAuthorize_EnrichmentFailureDeniesWithoutCall(t *testing.T) {
	for name, mutate := range map[string]func(*ClientConfig){
		"enricher": func(cfg *ClientConfig) { cfg.Enricher = failingEnricher{} },
		"lookup":   func(cfg *ClientConfig) { cfg.Tools = brokenLookup{} },
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := decisionServer(t, 200, `{"result":{"allow":true}}`, &calls, nil)
			c := newTestClient(t, srv.URL, mutate)

			d := c.Authorize(context.Background(), testConsumer(), testTool())
			if d.Allow || d.Reason != ReasonEvaluationFailed || d.Err == nil {
				t.Fatalf("expected fail-closed deny, got %+v", d)
			}
			if calls.Load() != 0 {
				t.Error("decision endpoint must not be called")
			}
		})
	}
}

// stallingEnricher blocks until its context ends, like a hung database.
type stallingEnricher struct{}

func (stallingEnricher) Enrich(ctx context.Context, _ mediator.Consumer) (UserAttributes, error) {
	<-ctx.Done()
	return UserAttributes{}, ctx.Err()
}

func TestAuthorize_TimeoutCoversEnrichment(t *testing.T) {
	var calls atomic.Int32
	srv := decisionServer(t, 200, `{"result":{"allow":true}}`, &calls, nil)
	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.Enricher = stallingEnricher{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	d := c.Authorize(ctx, testConsumer(), testTool())
	elapsed := time.Since(start)

	if d.Allow || d.Reason != ReasonEvaluationFailed {
		t.Fatalf("expected fail-closed deny, got %+v", d)
	}
	if !errors.Is(d.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", d.Err)
	}
	if elapsed > time.Second {
		t.Errorf("enrichment not bounded by client timeout: %v", elapsed)
	}
	if calls.Load() != 0 {
		t.Error("decision endpoint must not be called")
	}
}

func TestAuthorize_ToolMetadataFromLookup(t *testing.T) {
	owner := "data-team"
	lookup := mapLookup{
		"shell_exec": {SensitivityLevel: "critical", Owner: &owner, Managers: []string{"bob"}},
	}
	var got Request
	srv := decisionServer(t, 200, `{"result":{"allow":false}}`, nil, &got)
	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.Tools = lookup })

	c.Authorize(context.Background(), testConsumer(), testTool())
	if got.Input.Tool.SensitivityLevel != "critical" {
		t.Errorf("sensitivity = %q", got.Input.Tool.SensitivityLevel)
	}
	if got.Input.Tool.Owner == nil || *got.Input.Tool.Owner != "data-team" {
		t.Errorf("owner = %v", got.Input.Tool.Owner)
	}

	// Unknown tools fall back to defaults instead of denying.
	got = Request{}
	d := c.Authorize(context.Background(), testConsumer(), mediator.ToolInvocation{Name: "unknown"})
	if d.Err != nil {
		t.Fatalf("unknown tool should not be an evaluation failure: %v", d.Err)
	}
	if got.Input.Tool.SensitivityLevel != DefaultSensitivity {
		t.Errorf("fallback sensitivity = %q", got.Input.Tool.SensitivityLevel)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if _, err := NewClient(ClientConfig{Endpoint: "ftp://opa"}); err == nil {
		t.Error("expected error for unsupported scheme")
	}

	c, err := NewClient(ClientConfig{Endpoint: "http://opa:8181/", Path: "v1/data/sark/allow"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.URL() != "http://opa:8181/v1/data/sark/allow" {
		t.Errorf("url = %q", c.URL())
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %v", c.timeout)
	}
}

func BenchmarkAuthorize(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":{"allow":true,"audit_reason":"ok"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Logger: zap.NewNop()})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	consumer := testConsumer()
	tool := testTool()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Authorize(ctx, consumer, tool)
	}
}
