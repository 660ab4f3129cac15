package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const (
	// outputBuffer holds roughly 1.3 s of 20 ms speech frames.
	outputBuffer = 64

	// silenceAfter is the gap after the last frame at which the remainder is
	// flushed and the speaking indicator is cleared.
	silenceAfter = 200 * time.Millisecond
)

// Connection is a joined Discord voice channel. Speech frames written to
// [Connection.OutputStream] are packetised into Opus and sent with the
// speaking indicator raised for the length of the utterance.
type Connection struct {
	channelID string
	opusSend  chan<- []byte
	speaking  func(bool) error
	leave     func() error

	output chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
	err    error
}

func newConnection(vc *discordgo.VoiceConnection) *Connection {
	c := &Connection{
		channelID: vc.ChannelID,
		opusSend:  vc.OpusSend,
		speaking:  vc.Speaking,
		leave:     vc.Disconnect,
		output:    make(chan audio.AudioFrame, outputBuffer),
		done:      make(chan struct{}),
	}
	go c.sendLoop()
	return c
}

// OutputStream returns the channel that accepts speech frames.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// ChannelID returns the joined voice channel.
func (c *Connection) ChannelID() string { return c.channelID }

// Disconnect leaves the channel and stops the send loop. Later calls return
// the result of the first.
func (c *Connection) Disconnect() error {
	c.once.Do(func() {
		close(c.done)
		if c.leave != nil {
			c.err = c.leave()
		}
	})
	return c.err
}

func (c *Connection) sendLoop() {
	pk, err := newPacketizer()
	if err != nil {
		slog.Error("discord: voice send loop not started", "channel_id", c.channelID, "err", err)
		return
	}

	quiet := time.NewTimer(silenceAfter)
	quiet.Stop()
	defer quiet.Stop()

	talking := false
	setTalking := func(on bool) {
		if talking == on {
			return
		}
		talking = on
		if err := c.speaking(on); err != nil {
			slog.Debug("discord: speaking update failed", "speaking", on, "err", err)
		}
	}
	defer setTalking(false)

	send := func(pkt []byte) bool {
		if pkt == nil {
			return true
		}
		select {
		case c.opusSend <- pkt:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case <-c.done:
			return

		case <-quiet.C:
			if !send(pk.flush()) {
				return
			}
			setTalking(false)

		case frame := <-c.output:
			setTalking(true)
			for _, pkt := range pk.push(frame) {
				if !send(pkt) {
					return
				}
			}
			quiet.Reset(silenceAfter)
		}
	}
}
