package turn

// State is the conversational turn state of one session.
type State int32

const (
	// Idle: nobody is speaking and no assistant run is active.
	Idle State = iota

	// UserSpeaking: the detector reports ongoing user speech.
	UserSpeaking

	// UserEndpointPending: the user stopped speaking and the endpoint timer
	// is running.
	UserEndpointPending

	// AssistantGenerating: a run is active but has not produced audio yet.
	AssistantGenerating

	// AssistantSpeaking: the active run is emitting audio.
	AssistantSpeaking

	// Interrupted is transient: the user barged in and the run is being
	// cancelled. The controller moves on to UserSpeaking in the same step.
	Interrupted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case UserEndpointPending:
		return "user_endpoint_pending"
	case AssistantGenerating:
		return "assistant_generating"
	case AssistantSpeaking:
		return "assistant_speaking"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// assistant reports whether an assistant run owns the floor.
func (s State) assistant() bool {
	return s == AssistantGenerating || s == AssistantSpeaking
}
