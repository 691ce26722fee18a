package protocol

// SourceManager creates image sources for outputs.
type SourceManager interface {
	CreateOutputSource(output *Output) (ImageSource, error)
}

// ImageSource is an abstract "what to capture" handle.
type ImageSource interface {
	Destroy()
}

// ImageCopyManager opens capture sessions against image sources.
type ImageCopyManager interface {
	CreateSession(source ImageSource, options Options) (CopySession, error)
	// CreatePointerCursorSession returns ErrUnsupported when the
	// compositor has no pointer to capture.
	CreatePointerCursorSession(source ImageSource) (CopyCursorSession, error)
}

// CopySession negotiates buffer constraints and creates frames.
type CopySession interface {
	AddListener(l CopySessionListener)
	CreateFrame() (CopyFrame, error)
	Destroy()
}

// CopySessionListener receives buffer constraint events. Done terminates
// one round of constraints; the compositor may send a new round at any
// time. Stopped means the source is gone for good.
type CopySessionListener interface {
	BufferSize(width, height uint32)
	ShmFormat(format uint32)
	DmabufFormat(format uint32, modifiers []uint64)
	Done()
	Stopped()
}

// CopyFrame is one capture request.
type CopyFrame interface {
	AddListener(l CopyFrameListener)
	AttachBuffer(buffer Buffer)
	DamageBuffer(x, y, width, height int32)
	// Capture commits the frame. When onDamage is set the compositor may
	// hold the frame until the source is damaged.
	Capture(onDamage bool)
	Destroy()
}

// CopyFrameListener receives the result of one frame.
type CopyFrameListener interface {
	Transform(transform Transform)
	Damage(x, y, width, height int32)
	PresentationTime(secHi, secLo, nsec uint32)
	Ready()
	Failed(reason FailureReason)
}

// CopyCursorSession tracks the pointer over a source and exposes a capture
// session for the cursor image.
type CopyCursorSession interface {
	AddListener(l CursorListener)
	GetCaptureSession() (CopySession, error)
	Destroy()
}
