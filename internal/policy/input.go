package policy

// ActionToolInvoke is the only action the mediator asks about.
const ActionToolInvoke = "tool:invoke"

// Request is the POST body sent to the decision endpoint.
type Request struct {
	Input Input `json:"input"`
}

// Input is the canonical decision document. It is built fresh per request.
type Input struct {
	User    User    `json:"user"`
	Action  string  `json:"action"`
	Tool    Tool    `json:"tool"`
	Context Context `json:"context"`
}

type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Teams    []string `json:"teams"`
}

type Tool struct {
	Name             string   `json:"name"`
	SensitivityLevel string   `json:"sensitivity_level"`
	Owner            *string  `json:"owner"`
	Managers         []string `json:"managers"`
}

type Context struct {
	Timestamp int64 `json:"timestamp"`
}

// response mirrors {"result":{"allow":bool,"audit_reason":string}}. Pointers
// distinguish an absent field from a zero value.
type response struct {
	Result *struct {
		Allow       *bool   `json:"allow"`
		AuditReason *string `json:"audit_reason"`
	} `json:"result"`
}
