// Package discord plays synthesised speech into Discord voice channels. It
// implements [audio.Platform] on top of a bwmarrin/discordgo session that the
// bot layer owns, joining deafened because voxclone never listens.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// joinFunc matches [discordgo.Session.ChannelVoiceJoin].
type joinFunc func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)

// Platform joins voice channels of a single guild. It is safe for
// concurrent use.
type Platform struct {
	guildID string
	join    joinFunc
}

// New returns a Platform joining channels of guildID through session.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{guildID: guildID, join: session.ChannelVoiceJoin}
}

// Connect joins channelID. discordgo blocks until the voice handshake is
// done, so Connect returns early when ctx ends and leaves the channel again
// if the join completes afterwards.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	type joined struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	result := make(chan joined, 1)
	go func() {
		vc, err := p.join(p.guildID, channelID, false, true)
		result <- joined{vc, err}
	}()

	select {
	case j := <-result:
		if j.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, j.err)
		}
		return newConnection(j.vc), nil
	case <-ctx.Done():
		go func() {
			if j := <-result; j.err == nil && j.vc != nil {
				_ = j.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}
