package multimodal

// State is the orchestrator lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateReadyTextOnly
	StateReadyMultimodal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReadyTextOnly:
		return "ready_text_only"
	case StateReadyMultimodal:
		return "ready_multimodal"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Ready reports whether generation is allowed.
func (s State) Ready() bool {
	return s == StateReadyTextOnly || s == StateReadyMultimodal
}
