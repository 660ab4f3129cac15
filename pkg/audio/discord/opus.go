package discord

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxclone/pkg/audio"
	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate / 50 // samples per channel in 20 ms

	// opusFrameBytes is one packet worth of interleaved 16-bit PCM.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// packetizer turns synthesised speech of any rate into Discord Opus packets.
// It converts each frame to 48 kHz stereo, cuts the stream into exact 20 ms
// slices and carries the remainder over to the next frame.
//
// A packetizer belongs to one send loop and is not safe for concurrent use.
type packetizer struct {
	enc     *gopus.Encoder
	conv    audio.FormatConverter
	pending []byte
	samples []int16
}

func newPacketizer() (*packetizer, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &packetizer{
		enc:     enc,
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		samples: make([]int16, opusFrameSize*opusChannels),
	}, nil
}

// push adds a frame and returns every complete packet now available.
func (p *packetizer) push(frame audio.AudioFrame) [][]byte {
	frame = p.conv.Convert(frame)
	p.pending = append(p.pending, frame.Data...)

	var packets [][]byte
	for len(p.pending) >= opusFrameBytes {
		if pkt := p.encode(p.pending[:opusFrameBytes]); pkt != nil {
			packets = append(packets, pkt)
		}
		p.pending = p.pending[opusFrameBytes:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return packets
}

// flush pads the remainder with silence and encodes it. It returns nil when
// nothing is pending.
func (p *packetizer) flush() []byte {
	if len(p.pending) == 0 {
		return nil
	}
	last := make([]byte, opusFrameBytes)
	copy(last, p.pending)
	p.pending = nil
	return p.encode(last)
}

// buffered reports the pending PCM byte count.
func (p *packetizer) buffered() int { return len(p.pending) }

// encode converts one slice to samples and encodes it. It logs and returns
// nil when the encoder rejects the slice.
func (p *packetizer) encode(pcm []byte) []byte {
	for i := range p.samples {
		p.samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	pkt, err := p.enc.Encode(p.samples, opusFrameSize, opusFrameBytes)
	if err != nil {
		slog.Warn("discord: opus encode failed, dropping packet", "err", err)
		return nil
	}
	return pkt
}
