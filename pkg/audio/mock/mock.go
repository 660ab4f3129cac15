// Package mock holds recording doubles for the voice transport and mixer
// interfaces of package audio. Configure the exported fields before use and
// read the recorded calls through the accessor methods afterwards.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
)

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
	_ audio.Mixer      = (*Mixer)(nil)
)

// Connection is an [audio.Connection] whose output channel is supplied by the
// test.
type Connection struct {
	// Output is returned by OutputStream.
	Output chan<- audio.AudioFrame
	// Channel is returned by ChannelID.
	Channel string
	// DisconnectError is returned by Disconnect.
	DisconnectError error

	mu          sync.Mutex
	disconnects int
}

func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.Output }

func (c *Connection) ChannelID() string { return c.Channel }

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.DisconnectError
}

// Disconnects reports how often Disconnect ran.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// ConnectCall is one recorded [Platform.Connect].
type ConnectCall struct {
	ChannelID string
}

// Platform is an [audio.Platform] that hands out Conn.
type Platform struct {
	Conn         audio.Connection
	ConnectError error

	mu    sync.Mutex
	calls []ConnectCall
}

func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ConnectCall{ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.Conn, nil
}

// Calls returns the recorded Connect calls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// EnqueueCall is one recorded [Mixer.Enqueue].
type EnqueueCall struct {
	Segment  *audio.Segment
	Priority int
}

// Mixer is an [audio.Mixer] that never plays anything. By default a segment
// is drained and finished with FinishErr as soon as it is enqueued. With Hold
// set, segments wait until Interrupt or Close.
type Mixer struct {
	Hold      bool
	FinishErr error

	mu         sync.Mutex
	enqueued   []EnqueueCall
	interrupts []audio.InterruptReason
	gaps       []time.Duration
	closes     int
	held       []*audio.Segment
}

func (m *Mixer) Enqueue(segment *audio.Segment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, EnqueueCall{Segment: segment, Priority: priority})
	if m.Hold {
		m.held = append(m.held, segment)
		return
	}
	finish(segment, m.FinishErr)
}

// Interrupt finishes every held segment with [audio.ErrInterrupted].
func (m *Mixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupts = append(m.interrupts, reason)
	m.release(audio.ErrInterrupted)
}

func (m *Mixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps = append(m.gaps, d)
}

// Close finishes every held segment with [audio.ErrMixerClosed].
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.release(audio.ErrMixerClosed)
	return nil
}

// Enqueued returns the recorded Enqueue calls.
func (m *Mixer) Enqueued() []EnqueueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.enqueued)
}

// Interrupts returns the recorded Interrupt reasons.
func (m *Mixer) Interrupts() []audio.InterruptReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.interrupts)
}

// Gaps returns the recorded SetGap durations.
func (m *Mixer) Gaps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.gaps)
}

// Closes reports how often Close ran.
func (m *Mixer) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Mixer) release(err error) {
	for _, s := range m.held {
		finish(s, err)
	}
	m.held = nil
}

// finish drains the segment's audio in the background so its producer never
// blocks, then completes it.
func finish(s *audio.Segment, err error) {
	if s.Audio != nil {
		go func() {
			for range s.Audio {
			}
		}()
	}
	s.Finish(err)
}
