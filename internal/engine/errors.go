package engine

import "errors"

var (
	// ErrSourceUnavailable means the frame source could not be opened or
	// failed persistently. It aborts Run.
	ErrSourceUnavailable = errors.New("frame source unavailable")

	// ErrDetectorUnavailable means inference failed persistently or the
	// detector reported itself unusable. It aborts Run.
	ErrDetectorUnavailable = errors.New("detector unavailable")

	// ErrWriteFailure wraps clip and snapshot write errors. Contained per frame.
	ErrWriteFailure = errors.New("write failure")

	// ErrCallbackFailure wraps errors and panics raised by the notifier.
	ErrCallbackFailure = errors.New("callback failure")
)
