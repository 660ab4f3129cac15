// Package qwen provides a voice-cloning TTS provider that talks to a Qwen3-TTS
// streaming server over a WebSocket. It implements the tts.Provider interface.
//
// Protocol: the client opens ws(s)://<host>/v1/tts/stream and sends a single
// JSON text message describing the run (see startMessage). The server then
// answers with any number of binary messages, each carrying one chunk of
// little-endian float32 mono PCM, interleaved with JSON text control
// messages:
//
//	{"type":"start","sample_rate":24000}
//	{"type":"done"}
//	{"type":"error","message":"..."}
//
// The sample rate announced by "start" applies to every following chunk.
// Until it arrives the provider assumes 24 kHz. Only "done" ends a stream
// cleanly; a close before it is reported as [ErrClosedEarly].
package qwen

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ErrClosedEarly is returned by a stream whose connection closed before the
// server sent "done". The utterance is incomplete.
var ErrClosedEarly = errors.New("qwen: stream closed before done")

const (
	streamPath        = "/v1/tts/stream"
	defaultModel      = "Qwen/Qwen3-TTS-12Hz-1.7B-Base"
	defaultSampleRate = 24000

	// readLimit bounds a single WebSocket message. One chunk at 24 kHz and the
	// default frame settings is well under 64 KiB.
	readLimit = 8 << 20
)

// Option is a functional option for configuring the Qwen Provider.
type Option func(*Provider)

// WithModel sets the model identifier sent with every request.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithAPIKey sets a bearer token sent on the WebSocket handshake.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a Qwen3-TTS streaming server.
type Provider struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates a new Qwen Provider for the server at baseURL. http(s) schemes
// are rewritten to ws(s). The stream path is appended unless baseURL already
// ends with it.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("qwen: baseURL must not be empty")
	}
	endpoint, err := wsURL(baseURL)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		endpoint: endpoint,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Endpoint is the WebSocket URL Generate dials.
func (p *Provider) Endpoint() string { return p.endpoint }

// ---- wire types ----

// startMessage is the JSON payload that opens a synthesis run.
type startMessage struct {
	Model              string      `json:"model"`
	Text               string      `json:"text"`
	Language           string      `json:"language"`
	Voice              voicePrompt `json:"voice"`
	EmitEveryFrames    int         `json:"emit_every_frames"`
	DecodeWindowFrames int         `json:"decode_window_frames"`
	OverlapSamples     int         `json:"overlap_samples"`
}

// voicePrompt carries the cloned voice conditioning, base64 encoded as
// little-endian float32.
type voicePrompt struct {
	Name         string `json:"name"`
	Dim          int    `json:"dim"`
	Conditioning string `json:"conditioning"`
}

// controlMessage is a JSON text message from the server.
type controlMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Generate dials the server, sends the run description and returns a stream
// reading the server's chunks.
func (p *Provider) Generate(ctx context.Context, req tts.Request) (tts.Stream, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("qwen: %w", err)
	}

	payload, err := buildStartMessage(p.model, req)
	if err != nil {
		return nil, fmt.Errorf("qwen: encode request: %w", err)
	}

	dialOpts := &websocket.DialOptions{HTTPClient: p.httpClient}
	if p.apiKey != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + p.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, p.endpoint, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("qwen: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send request")
		return nil, fmt.Errorf("qwen: send request: %w", err)
	}
	return &stream{conn: conn, sampleRate: defaultSampleRate}, nil
}

// stream is the tts.Stream over one WebSocket connection.
type stream struct {
	conn       *websocket.Conn
	sampleRate int
	finished   bool

	closeOnce sync.Once
}

// Next reads messages until a chunk, the end marker or an error arrives.
func (s *stream) Next(ctx context.Context) (tts.Chunk, error) {
	if s.finished {
		return tts.Chunk{}, io.EOF
	}
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return tts.Chunk{}, ctxErr
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return tts.Chunk{}, ErrClosedEarly
			}
			return tts.Chunk{}, fmt.Errorf("qwen: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			samples, err := decodeSamples(msg)
			if err != nil {
				return tts.Chunk{}, fmt.Errorf("qwen: %w", err)
			}
			return tts.Chunk{Samples: samples, SampleRate: s.sampleRate}, nil
		}

		var ctl controlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			return tts.Chunk{}, fmt.Errorf("qwen: decode control message: %w", err)
		}
		switch ctl.Type {
		case "start":
			if ctl.SampleRate > 0 {
				s.sampleRate = ctl.SampleRate
			}
		case "done":
			s.finished = true
			s.Close()
			return tts.Chunk{}, io.EOF
		case "error":
			s.finished = true
			s.conn.Close(websocket.StatusNormalClosure, "")
			return tts.Chunk{}, fmt.Errorf("qwen: server error: %s", ctl.Message)
		}
	}
}

// Close closes the connection.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return nil
}

// ---- helpers ----

// buildStartMessage constructs the opening JSON payload.
func buildStartMessage(model string, req tts.Request) ([]byte, error) {
	return json.Marshal(startMessage{
		Model:    model,
		Text:     req.Text,
		Language: req.Language,
		Voice: voicePrompt{
			Name:         req.Voice.Name(),
			Dim:          req.Voice.Dim(),
			Conditioning: encodeConditioning(req.Voice.Conditioning()),
		},
		EmitEveryFrames:    req.EmitEveryFrames,
		DecodeWindowFrames: req.DecodeWindowFrames,
		OverlapSamples:     req.OverlapSamples,
	})
}

func encodeConditioning(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeSamples(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("chunk length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// wsURL maps baseURL onto the streaming endpoint.
func wsURL(baseURL string) (string, error) {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	default:
		return "", fmt.Errorf("qwen: unsupported URL scheme in %q", baseURL)
	}
	if strings.HasSuffix(u, streamPath) {
		return u, nil
	}
	return u + streamPath, nil
}
