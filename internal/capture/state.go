package capture

// Kind identifies the protocol dialect behind a Capturer.
type Kind int

const (
	KindNone Kind = iota
	// KindImageCopy is the frame-based ext-image-copy-capture dialect.
	KindImageCopy
	// KindScreencopy is the session-based ext-screencopy dialect.
	KindScreencopy
)

func (k Kind) String() string {
	switch k {
	case KindImageCopy:
		return "ext-image-copy-capture"
	case KindScreencopy:
		return "ext-screencopy"
	default:
		return "none"
	}
}

// State is the capture session state.
type State int

const (
	// StateUninitialized: no protocol session is open.
	StateUninitialized State = iota
	// StateNegotiating: waiting for buffer constraints.
	StateNegotiating
	// StateReady: constraints known, nothing in flight.
	StateReady
	// StateCapturing: a buffer is attached and committed.
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	default:
		return "uninitialized"
	}
}
