// Package discord is the slash command front end of voxclone. A [Bot] holds
// the gateway session for one guild, exposes its voice channels as an
// [audio.Platform] and hands interactions to a [CommandRouter].
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxclone/pkg/audio"
	discordaudio "github.com/MrWong99/voxclone/pkg/audio/discord"
)

// ErrNotInVoice is returned by [Bot.VoiceChannel] when the user is not in a
// voice channel of the bot's guild.
var ErrNotInVoice = errors.New("discord: user is not in a voice channel")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild whose voice channels the bot joins and where its
	// commands are registered.
	GuildID string

	// AllowedRoleID restricts /join, /speak, /stop and /leave. Empty
	// allows everyone.
	AllowedRoleID string
}

// Bot is a connected Discord gateway session serving one guild.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	router   *CommandRouter
	guildID  string

	mu         sync.Mutex
	registered bool
	closed     bool
}

// New opens the gateway session. Commands are uploaded later by [Bot.Run],
// once every handler has been registered on [Bot.Router].
func New(_ context.Context, cfg Config) (*Bot, error) {
	if cfg.GuildID == "" {
		return nil, errors.New("discord: guild id is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	// Voice states locate the caller's channel for /join.
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router:   NewCommandRouter(NewPermissionChecker(cfg.AllowedRoleID)),
		guildID:  cfg.GuildID,
	}
	session.AddHandler(b.onReady)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.GuildID != "" && i.GuildID != b.guildID {
			slog.Debug("discord: interaction from foreign guild", "guild_id", i.GuildID)
			return
		}
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return b, nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord gateway ready",
		"user", r.User.Username,
		"guild_id", b.guildID,
		"guilds", len(r.Guilds),
	)
}

// Platform returns the voice channel transport of the bot's guild.
func (b *Bot) Platform() audio.Platform { return b.platform }

// GuildID returns the served guild.
func (b *Bot) GuildID() string { return b.guildID }

// Router returns the router that receives every interaction.
func (b *Bot) Router() *CommandRouter { return b.router }

// VoiceChannel returns the voice channel userID is connected to, as seen by
// the gateway state cache.
func (b *Bot) VoiceChannel(userID string) (string, error) {
	vs, err := b.session.State.VoiceState(b.guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoice
	}
	return vs.ChannelID, nil
}

// Run uploads the router's commands to the guild, replacing whatever was
// registered before, and blocks until ctx ends. The commands stay in place
// until [Bot.Close].
func (b *Bot) Run(ctx context.Context) error {
	defs := b.router.ApplicationCommands()
	cmds, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, defs)
	if err != nil {
		return fmt.Errorf("discord: upload %d commands: %w", len(defs), err)
	}
	b.mu.Lock()
	b.registered = true
	b.mu.Unlock()
	slog.Info("discord commands registered", "guild_id", b.guildID, "count", len(cmds))

	<-ctx.Done()
	return ctx.Err()
}

// Close removes the guild commands and closes the gateway. Later calls
// return nil.
func (b *Bot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.registered {
		// An empty overwrite removes every command in one request.
		if _, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, []*discordgo.ApplicationCommand{}); err != nil {
			errs = append(errs, fmt.Errorf("discord: remove commands: %w", err))
		}
	}
	if err := b.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("discord: close gateway: %w", err))
	}
	slog.Info("discord bot closed", "guild_id", b.guildID)
	return errors.Join(errs...)
}
