package speech

import (
	"context"
)

// Outcome is the final state of a [Job].
type Outcome struct {
	Result *Result
	Err    error
}

// Job is a session running on its own goroutine.
type Job struct {
	Voice string
	Text  string

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Start launches a session in the background. The session stops when ctx is
// cancelled or [Job.Cancel] is called.
func (s *Synthesizer) Start(ctx context.Context, voiceName, text string) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		Voice:  voiceName,
		Text:   text,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		defer cancel()
		res, err := s.Synthesize(ctx, voiceName, text)
		j.outcome = Outcome{Result: res, Err: err}
	}()
	return j
}

// Cancel stops the session. It is safe to call at any time and more than
// once; a session that already completed keeps its outcome.
func (j *Job) Cancel() { j.cancel() }

// Done is closed once the session has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome blocks until the session has finished and returns its result.
func (j *Job) Outcome() Outcome {
	<-j.done
	return j.outcome
}

// Wait blocks until the session finishes or ctx is done. A ctx expiry does
// not cancel the session.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.outcome.Result, j.outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
