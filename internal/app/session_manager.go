package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/speech"
	"github.com/MrWong99/voxclone/pkg/audio"
	audiomixer "github.com/MrWong99/voxclone/pkg/audio/mixer"
	"github.com/MrWong99/voxclone/pkg/audio/wav"
	"github.com/MrWong99/voxclone/pkg/voice"
)

// frameDuration is the length of each PCM frame handed to the mixer.
const frameDuration = 20 * time.Millisecond

// Playback priorities. Cues such as the join sound jump ahead of queued
// speech but never interrupt one another.
const (
	PrioritySpeech = 0
	PriorityCue    = 1
)

var (
	// ErrNotActive is returned by operations that need a voice connection
	// when the bot is not in a channel.
	ErrNotActive = errors.New("session: not connected to a voice channel")

	// ErrAlreadyActive is returned by [SessionManager.Join] when the bot is
	// already connected.
	ErrAlreadyActive = errors.New("session: already connected to a voice channel")

	// ErrJoinSound is wrapped by the error [SessionManager.Join] returns when
	// the connection succeeded but the join sound could not be queued.
	ErrJoinSound = errors.New("session: join sound unavailable")

	// ErrLeft is returned by [SessionManager.Speak] when the bot left the
	// channel while the utterance was being synthesised.
	ErrLeft = errors.New("session: left the voice channel during synthesis")
)

// SessionInfo holds metadata about the active voice connection.
type SessionInfo struct {
	// ChannelID is the voice channel the bot is connected to.
	ChannelID string

	// StartedBy is the Discord user ID that issued /join.
	StartedBy string

	// StartedAt is when the connection was established.
	StartedAt time.Time
}

// MixerFactory builds the playback mixer for a new connection. output
// receives every frame the mixer emits.
type MixerFactory func(output func(audio.AudioFrame)) audio.Mixer

// SessionManager owns the bot's single voice connection and routes
// synthesised utterances into its playback queue.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	conn   audio.Connection
	mixer  audio.Mixer
	cancel context.CancelFunc
	jobs   map[*speech.Job]struct{}

	// Dependencies injected at construction.
	platform  audio.Platform
	synth     *speech.Synthesizer
	newMixer  MixerFactory
	joinSound string
	gap       time.Duration
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform    audio.Platform
	Synthesizer *speech.Synthesizer

	// JoinSound is an optional WAV file played after every successful join.
	JoinSound string

	// Gap is the silence between consecutive utterances.
	Gap time.Duration

	// Metrics receives playback queue depth changes. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// NewMixer overrides the mixer built for each connection.
	NewMixer MixerFactory
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		platform:  cfg.Platform,
		synth:     cfg.Synthesizer,
		newMixer:  cfg.NewMixer,
		joinSound: cfg.JoinSound,
		gap:       cfg.Gap,
		jobs:      make(map[*speech.Job]struct{}),
	}
	if sm.newMixer == nil {
		metrics := cfg.Metrics
		if metrics == nil {
			metrics = observe.DefaultMetrics()
		}
		sm.newMixer = func(output func(audio.AudioFrame)) audio.Mixer {
			return audiomixer.New(output,
				audiomixer.WithQueueObserver(func(delta int) {
					metrics.QueuedUtterances.Add(context.Background(), int64(delta))
				}),
			)
		}
	}
	return sm
}

// Join connects to channelID and starts a playback queue for it. The join
// sound, if configured, is queued right away. A missing or broken join sound
// leaves the connection up and returns an error wrapping [ErrJoinSound].
func (sm *SessionManager) Join(ctx context.Context, channelID, userID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("%w (channel=%s)", ErrAlreadyActive, sm.info.ChannelID)
	}

	conn, err := sm.platform.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("session: connect to voice channel: %w", err)
	}

	out := conn.OutputStream()
	connCtx, cancel := context.WithCancel(context.Background())
	mixer := sm.newMixer(func(frame audio.AudioFrame) {
		select {
		case out <- frame:
		case <-connCtx.Done():
		}
	})

	mixer.SetGap(sm.gap)

	sm.active = true
	sm.conn = conn
	sm.mixer = mixer
	sm.cancel = cancel
	sm.info = SessionInfo{
		ChannelID: channelID,
		StartedBy: userID,
		StartedAt: time.Now().UTC(),
	}

	slog.Info("voice session started", "channel_id", channelID, "user_id", userID)

	if sm.joinSound != "" {
		if _, err := sm.enqueueFileLocked(sm.joinSound, PriorityCue); err != nil {
			slog.Warn("session: join sound skipped", "path", sm.joinSound, "err", err)
			return fmt.Errorf("%w: %w", ErrJoinSound, err)
		}
	}
	return nil
}

// SetGap changes the silence between utterances of the current connection
// and of later ones.
func (sm *SessionManager) SetGap(d time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.gap = d
	if sm.mixer != nil {
		sm.mixer.SetGap(d)
	}
}

// PlayFile decodes the WAV file at path and queues it as a cue. The returned
// channel reports when playback ends.
func (sm *SessionManager) PlayFile(path string) (<-chan error, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active {
		return nil, ErrNotActive
	}
	return sm.enqueueFileLocked(path, PriorityCue)
}

func (sm *SessionManager) enqueueFileLocked(path string, priority int) (<-chan error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	clip, err := wav.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", path, err)
	}
	seg := audio.SegmentFromSamples(path, clip.Samples, clip.SampleRate, frameDuration)
	sm.mixer.Enqueue(seg, priority)
	return seg.Done(), nil
}

// Speak synthesises text in the named voice and queues the result for
// playback. It blocks until synthesis finishes; the returned channel reports
// when playback ends. [SessionManager.Stop] and [SessionManager.Leave] cancel
// a synthesis in progress.
func (sm *SessionManager) Speak(ctx context.Context, voiceName, text string) (*speech.Result, <-chan error, error) {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return nil, nil, ErrNotActive
	}
	mixer := sm.mixer
	job := sm.synth.Start(ctx, voiceName, text)
	sm.jobs[job] = struct{}{}
	sm.mu.Unlock()

	out := job.Outcome()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.jobs, job)
	if out.Err != nil {
		return nil, nil, out.Err
	}
	if !sm.active || sm.mixer != mixer {
		return out.Result, nil, ErrLeft
	}

	res := out.Result
	seg := audio.SegmentFromSamples(res.Voice, res.Samples, res.SampleRate, frameDuration)
	mixer.Enqueue(seg, PrioritySpeech)
	slog.Debug("session: utterance queued", "voice", res.Voice, "audio", res.Duration())
	return res, seg.Done(), nil
}

// Stop cancels every synthesis in progress and clears the playback queue,
// including the utterance currently playing. The connection stays open.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active {
		return ErrNotActive
	}
	n := sm.cancelJobsLocked()
	sm.mixer.Interrupt(audio.StopRequested)
	slog.Info("voice session stopped playback", "channel_id", sm.info.ChannelID, "cancelled", n)
	return nil
}

// Leave stops all work and disconnects from the voice channel.
func (sm *SessionManager) Leave() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active {
		return ErrNotActive
	}
	return sm.teardownLocked()
}

// Shutdown is Leave without the inactive error; used during process exit.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active {
		_ = sm.teardownLocked()
	}
}

func (sm *SessionManager) teardownLocked() error {
	channelID := sm.info.ChannelID
	sm.cancelJobsLocked()

	// Unblock a frame write stuck on a full output before closing the mixer.
	sm.cancel()
	if err := sm.mixer.Close(); err != nil {
		slog.Warn("session: mixer close error", "channel_id", channelID, "err", err)
	}

	var err error
	if derr := sm.conn.Disconnect(); derr != nil {
		err = fmt.Errorf("session: disconnect: %w", derr)
		slog.Warn("session: voice disconnect error", "channel_id", channelID, "err", derr)
	}

	sm.active = false
	sm.conn = nil
	sm.mixer = nil
	sm.cancel = nil
	sm.info = SessionInfo{}

	slog.Info("voice session ended", "channel_id", channelID)
	return err
}

func (sm *SessionManager) cancelJobsLocked() int {
	n := len(sm.jobs)
	for job := range sm.jobs {
		job.Cancel()
	}
	return n
}

// IsActive reports whether the bot is connected to a voice channel.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active connection.
// Returns zero value if no connection is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Voices returns the voice profiles currently in use.
func (sm *SessionManager) Voices() *voice.Store { return sm.synth.Store() }

// Pending returns the number of utterances currently being synthesised.
func (sm *SessionManager) Pending() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.jobs)
}
