package pipeline

// Stage is the lifecycle position of one run.
type Stage int32

const (
	// StageRecognizing is the upstream stage. A run is created once the user
	// text is final, so a Coordinator never reports it for an active run.
	StageRecognizing Stage = iota
	StageGenerating
	StageSynthesizing
	StageEmitting
	StageCancelled
	StageCompleted
	StageFailed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageRecognizing:
		return "recognizing"
	case StageGenerating:
		return "generating"
	case StageSynthesizing:
		return "synthesizing"
	case StageEmitting:
		return "emitting"
	case StageCancelled:
		return "cancelled"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == StageCancelled || s == StageCompleted || s == StageFailed
}

// Kind selects how a run sources its reply text.
type Kind int

const (
	// KindReply answers the user's text and records both turns.
	KindReply Kind = iota

	// KindInstructed generates from the history plus a one-off instruction
	// that is not recorded.
	KindInstructed

	// KindScripted speaks fixed text without the generator.
	KindScripted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindInstructed:
		return "instructed"
	case KindScripted:
		return "scripted"
	default:
		return "unknown"
	}
}
