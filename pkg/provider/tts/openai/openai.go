// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// OpenAI does not accept cloning conditioning data, so a voice profile is
// mapped onto one of the hosted voices through its "openai_voice" metadata
// key. The provider is intended as a fallback engine: it keeps the bot
// speaking, with a stand-in voice, while the cloning engine is unavailable.
//
// Audio is requested as raw 24 kHz signed 16-bit PCM and re-chunked into
// float32 chunks sized like the cloning engine's output.
package openai

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = "gpt-4o-mini-tts"

	// DefaultVoice is used when a profile carries no "openai_voice" key.
	DefaultVoice = "alloy"

	// VoiceMetaKey is the profile metadata key naming the hosted voice.
	VoiceMetaKey = "openai_voice"

	// SampleRate is the rate of the PCM response format.
	SampleRate = 24000

	// samplesPerFrame matches the 12 Hz codec frame of the cloning engine so
	// EmitEveryFrames yields comparable chunk sizes.
	samplesPerFrame = SampleRate / 12
)

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often a failed request is retried by the client.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI TTS Provider. If model is empty, DefaultModel is
// used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Generate implements tts.Provider. The HTTP request is issued immediately;
// the response body is decoded lazily by the returned stream.
func (p *Provider) Generate(ctx context.Context, req tts.Request) (tts.Stream, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceFor(req)),
		Instructions:   param.NewOpt("Speak in " + req.Language + "."),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("openai tts: speech: unexpected status %d", resp.StatusCode)
	}
	return newPCMStream(resp.Body, req.EmitEveryFrames*samplesPerFrame), nil
}

func voiceFor(req tts.Request) string {
	if v, ok := req.Voice.Meta(VoiceMetaKey); ok && v != "" {
		return v
	}
	return DefaultVoice
}

// pcmStream turns a little-endian int16 PCM body into float32 chunks.
type pcmStream struct {
	body io.ReadCloser
	buf  []byte
	done bool

	closeOnce sync.Once
}

func newPCMStream(body io.ReadCloser, chunkSamples int) *pcmStream {
	if chunkSamples <= 0 {
		chunkSamples = samplesPerFrame
	}
	return &pcmStream{body: body, buf: make([]byte, 2*chunkSamples)}
}

// Next implements tts.Stream.
func (s *pcmStream) Next(ctx context.Context) (tts.Chunk, error) {
	if err := ctx.Err(); err != nil {
		s.Close()
		return tts.Chunk{}, err
	}
	if s.done {
		return tts.Chunk{}, io.EOF
	}

	n, err := io.ReadFull(s.body, s.buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		s.Close()
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tts.Chunk{}, ctxErr
		}
		return tts.Chunk{}, fmt.Errorf("openai tts: read audio: %w", err)
	}

	// A trailing odd byte can only occur at the end of the body.
	n -= n % 2
	if n == 0 {
		return tts.Chunk{}, io.EOF
	}

	samples := make([]float32, n/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(s.buf[2*i:]))) / 32768
	}
	return tts.Chunk{Samples: samples, SampleRate: SampleRate}, nil
}

// Close implements tts.Stream.
func (s *pcmStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
