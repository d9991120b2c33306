package mediator

import "fmt"

// State is a stage of the per-request decision pipeline.
type State string

const (
	StateStart            State = "start"
	StateProtocolChecked  State = "protocol_checked"
	StateBodyParsed       State = "body_parsed"
	StatePassThrough      State = "pass_through"
	StateToolDetected     State = "tool_detected"
	StateConsumerResolved State = "consumer_resolved"
	StatePolicyEvaluated  State = "policy_evaluated"
	StateForwarded        State = "forwarded"
	StateDenied           State = "denied"
	StateProtocolError    State = "protocol_error"
	StateBodyError        State = "body_error"
	StateAuthError        State = "auth_error"
)

var transitions = map[State][]State{
	StateStart:            {StateProtocolChecked, StateProtocolError},
	StateProtocolChecked:  {StateBodyParsed, StateBodyError},
	StateBodyParsed:       {StatePassThrough, StateToolDetected},
	StatePassThrough:      {StateForwarded},
	StateToolDetected:     {StateConsumerResolved, StateAuthError},
	StateConsumerResolved: {StatePolicyEvaluated},
	StatePolicyEvaluated:  {StateForwarded, StateDenied},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether the pipeline may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// tracker walks the pipeline forward and records the visited path.
type tracker struct {
	path []State
}

func newTracker() *tracker {
	return &tracker{path: []State{StateStart}}
}

func (t *tracker) current() State {
	return t.path[len(t.path)-1]
}

// advance moves to the next state. An illegal transition is a programming
// error inside the pipeline, reported instead of panicking.
func (t *tracker) advance(to State) error {
	from := t.current()
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	t.path = append(t.path, to)
	return nil
}

func (t *tracker) snapshot() []State {
	return append([]State(nil), t.path...)
}
