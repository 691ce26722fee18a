package protocol

// ScreencopyManager opens long-lived capture sessions for outputs.
type ScreencopyManager interface {
	CaptureOutput(output *Output, options Options) (ScreencopySession, error)
	// CaptureCursor returns ErrUnsupported when the compositor cannot
	// capture the cursor of output.
	CaptureCursor(output *Output, options Options) (ScreencopyCursorSession, error)
}

// ScreencopySession receives buffers directly; every commit captures into
// the most recently attached buffer.
type ScreencopySession interface {
	AddListener(l ScreencopySessionListener)
	AttachBuffer(buffer Buffer)
	DamageBuffer(x, y, width, height uint32)
	Commit(onDamage bool)
	Destroy()
}

// ScreencopySessionListener receives both constraint and capture events.
type ScreencopySessionListener interface {
	FormatShm(format uint32)
	FormatDrm(format uint32)
	Dimensions(width, height uint32)
	ConstraintsDone()
	Damage(x, y, width, height uint32)
	PresentationTime(secHi, secLo, nsec uint32)
	Transform(transform Transform)
	Ready()
	Failed(reason FailureReason)
}

// ScreencopyCursorSession tracks the pointer and owns a session for the
// cursor image.
type ScreencopyCursorSession interface {
	AddListener(l CursorListener)
	GetScreencopySession() (ScreencopySession, error)
	Destroy()
}
