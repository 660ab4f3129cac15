// Package audio holds the playback side of voxclone: the voice transport
// interfaces, the [Mixer] that serialises utterances onto a connection, and
// PCM helpers. Concrete transports live in subpackages such as audio/discord.
package audio

import "context"

// Connection is a joined voice channel with one outgoing PCM stream. It is
// valid until Disconnect and safe for concurrent use.
type Connection interface {
	// OutputStream accepts frames for the channel. The transport never closes
	// it; after Disconnect frames are dropped, and a full buffer blocks, so
	// writers also select on their own cancellation.
	OutputStream() chan<- AudioFrame

	// ChannelID is the transport's id for the joined channel.
	ChannelID() string

	// Disconnect leaves the channel. Repeated calls return nil.
	Disconnect() error
}

// Platform joins voice channels. It is safe for concurrent use.
type Platform interface {
	// Connect joins channelID. ctx bounds the join only, not the lifetime of
	// the returned connection.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
