package speech

import "fmt"

// SynthesisError reports a session that ended before its stream was fully
// consumed: an engine failure, a malformed chunk, or cancellation. Chunks is
// the number of chunks appended before the failure. The underlying cause is
// available through [errors.Unwrap], so errors.Is(err, context.Canceled)
// holds for cancelled sessions.
type SynthesisError struct {
	Voice  string
	Chunks int
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech: synthesize %q (after %d chunks): %v", e.Voice, e.Chunks, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
