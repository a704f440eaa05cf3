package pipeline

// OutcomeKind classifies the result of processing one image.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNoMatch
	OutcomeTransientIO
	OutcomeDetectionFailure
	OutcomeProtocolViolation
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeTransientIO:
		return "transient_io"
	case OutcomeDetectionFailure:
		return "detection_failure"
	case OutcomeProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Outcome is returned by per-image steps; the stage loop decides what to
// log and whether to acknowledge based on Kind.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Failed reports whether the outcome carries an error.
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeTransientIO || o.Kind == OutcomeDetectionFailure || o.Kind == OutcomeProtocolViolation
}
