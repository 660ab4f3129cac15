// Package mixer plays finished utterances into a voice connection one at a
// time. Segments are ordered by priority, a higher priority preempts the
// segment on air, and a short jittered silence separates consecutive
// segments.
package mixer

import (
	"container/heap"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
)

var _ audio.Mixer = (*PriorityMixer)(nil)

// ErrInvalidSegment completes a segment that has no audio channel or a
// non-positive sample rate or channel count.
var ErrInvalidSegment = errors.New("mixer: invalid segment format")

// DefaultGap is the silence between segments unless [WithGap] says otherwise.
const DefaultGap = 300 * time.Millisecond

// Option configures a [PriorityMixer].
type Option func(*PriorityMixer)

// WithGap sets the silence between segments. Zero disables it.
func WithGap(d time.Duration) Option {
	return func(m *PriorityMixer) { m.gap = d }
}

// WithQueueCapacity preallocates room for n waiting segments.
func WithQueueCapacity(n int) Option {
	return func(m *PriorityMixer) {
		if n > 0 {
			m.waiting = make(queue, 0, n)
		}
	}
}

// WithQueueObserver calls fn with +1 or -n whenever segments enter or leave
// the waiting queue. fn runs under the mixer lock and must not call the
// mixer.
func WithQueueObserver(fn func(delta int)) Option {
	return func(m *PriorityMixer) { m.onQueue = fn }
}

// playback is the segment currently owned by the dispatcher. cause is set
// before cancel is closed.
type playback struct {
	segment  *audio.Segment
	priority int
	cancel   chan struct{}
	cause    error
}

// PriorityMixer is the [audio.Mixer] used for live sessions. Every segment
// handed to it is finished exactly once. It is safe for concurrent use.
type PriorityMixer struct {
	output  func(audio.AudioFrame)
	onQueue func(int)

	mu      sync.Mutex
	waiting queue
	seq     uint64
	gap     time.Duration
	current *playback
	closed  bool

	wake chan struct{}
	quit chan struct{}
}

// New starts a mixer that hands frames to output from a single goroutine.
// output may block; that is what paces playback.
func New(output func(audio.AudioFrame), opts ...Option) *PriorityMixer {
	m := &PriorityMixer{
		output:  output,
		waiting: make(queue, 0, 16),
		gap:     DefaultGap,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Enqueue queues segment. If priority beats the segment on air, that one is
// interrupted.
func (m *PriorityMixer) Enqueue(segment *audio.Segment, priority int) {
	if segment.Audio == nil || segment.SampleRate <= 0 || segment.Channels <= 0 {
		discard(segment, ErrInvalidSegment)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		discard(segment, audio.ErrMixerClosed)
		return
	}

	m.seq++
	heap.Push(&m.waiting, queued{segment: segment, priority: priority, seq: m.seq})
	m.report(1)
	if m.current != nil && priority > m.current.priority {
		m.cancelLocked(audio.ErrInterrupted)
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Interrupt ends the segment on air. [audio.StopRequested] empties the queue
// too, [audio.Skip] moves on to the next segment.
func (m *PriorityMixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(audio.ErrInterrupted)
	if reason == audio.StopRequested {
		m.dropLocked(audio.ErrInterrupted)
	}
}

// SetGap changes the silence used before the next segment.
func (m *PriorityMixer) SetGap(d time.Duration) {
	m.mu.Lock()
	m.gap = d
	m.mu.Unlock()
}

// Len is the number of segments waiting behind the one on air.
func (m *PriorityMixer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting.Len()
}

// Close finishes everything on air or queued with [audio.ErrMixerClosed]
// and stops the dispatcher. Further calls do nothing.
func (m *PriorityMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelLocked(audio.ErrMixerClosed)
	m.dropLocked(audio.ErrMixerClosed)
	m.mu.Unlock()

	close(m.quit)
	return nil
}

func (m *PriorityMixer) cancelLocked(cause error) {
	if pb := m.current; pb != nil {
		pb.cause = cause
		close(pb.cancel)
		m.current = nil
	}
}

func (m *PriorityMixer) dropLocked(cause error) {
	n := m.waiting.Len()
	for m.waiting.Len() > 0 {
		discard(heap.Pop(&m.waiting).(queued).segment, cause)
	}
	if n > 0 {
		m.report(-n)
	}
}

func (m *PriorityMixer) report(delta int) {
	if m.onQueue != nil {
		m.onQueue(delta)
	}
}

func (m *PriorityMixer) run() {
	played := false
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}

		for pb := m.next(); pb != nil; pb = m.next() {
			if played {
				if err := m.pause(pb); err != nil {
					discard(pb.segment, err)
					continue
				}
			}
			m.play(pb)
			played = true

			m.mu.Lock()
			if m.current == pb {
				m.current = nil
			}
			m.mu.Unlock()
		}
	}
}

// next moves the head of the queue on air, or returns nil.
func (m *PriorityMixer) next() *playback {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.waiting.Len() == 0 {
		return nil
	}
	head := heap.Pop(&m.waiting).(queued)
	m.report(-1)
	m.current = &playback{segment: head.segment, priority: head.priority, cancel: make(chan struct{})}
	return m.current
}

// pause waits out the gap before pb. It returns the cancellation cause if pb
// is cancelled meanwhile.
func (m *PriorityMixer) pause(pb *playback) error {
	m.mu.Lock()
	d := jitter(m.gap)
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-pb.cancel:
		return pb.cause
	case <-m.quit:
		return audio.ErrMixerClosed
	}
}

func (m *PriorityMixer) play(pb *playback) {
	seg := pb.segment
	var ts time.Duration
	for {
		select {
		case <-m.quit:
			discard(seg, audio.ErrMixerClosed)
			return
		case <-pb.cancel:
			discard(seg, pb.cause)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				seg.Finish(nil)
				return
			}
			frame := audio.AudioFrame{Data: chunk, SampleRate: seg.SampleRate, Channels: seg.Channels, Timestamp: ts}
			ts += frame.Duration()
			m.output(frame)
		}
	}
}

// jitter moves d by up to a sixth in either direction.
func jitter(d time.Duration) time.Duration {
	spread := d / 6
	if spread <= 0 {
		return max(d, 0)
	}
	return d - spread + time.Duration(rand.Int64N(int64(2*spread+1)))
}

// discard finishes seg with err and keeps draining its producer.
func discard(seg *audio.Segment, err error) {
	if seg.Audio != nil {
		go func() {
			for range seg.Audio {
			}
		}()
	}
	seg.Finish(err)
}
