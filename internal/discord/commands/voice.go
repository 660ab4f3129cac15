// Package commands implements the voxclone Discord slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxclone/internal/app"
	"github.com/MrWong99/voxclone/internal/discord"
	"github.com/MrWong99/voxclone/pkg/provider/tts"
	"github.com/MrWong99/voxclone/pkg/voice"
)

const (
	joinTimeout = 30 * time.Second

	// speakTimeout bounds a single synthesis, not its playback.
	speakTimeout = 2 * time.Minute

	// maxPromptLen is the Discord limit on string option values.
	maxPromptLen = 6000
)

// VoiceLocator returns the voice channel a user is currently connected to.
type VoiceLocator func(userID string) (string, error)

// VoiceCommands holds the dependencies for /join, /speak, /stop, /leave
// and /voices.
type VoiceCommands struct {
	sessions *app.SessionManager
	locate   VoiceLocator
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router.
func NewVoiceCommands(bot *discord.Bot, sessions *app.SessionManager) *VoiceCommands {
	vc := &VoiceCommands{
		sessions: sessions,
		locate:   bot.VoiceChannel,
	}
	vc.Register(bot.Router())
	return vc
}

// Register adds the voice commands to router. Everything except /voices
// is restricted to the configured role.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	handlers := map[string]discord.HandlerFunc{
		"join":   vc.handleJoin,
		"speak":  vc.handleSpeak,
		"stop":   vc.handleStop,
		"leave":  vc.handleLeave,
		"voices": vc.handleVoices,
	}
	for _, def := range vc.Definitions() {
		cmd := discord.Command{
			Definition: def,
			Handler:    handlers[def.Name],
			Restricted: def.Name != "voices",
		}
		if def.Name == "speak" {
			cmd.Autocomplete = vc.autocompleteVoice
		}
		router.Register(cmd)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "Join your current voice channel",
		},
		{
			Name:        "speak",
			Description: "Speak a prompt in a cloned voice",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "voice",
					Description:  "Voice profile to use",
					Required:     true,
					Autocomplete: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "Text to speak",
					Required:    true,
					MaxLength:   maxPromptLen,
				},
			},
		},
		{
			Name:        "stop",
			Description: "Stop speaking and clear the queue",
		},
		{
			Name:        "leave",
			Description: "Leave the voice channel",
		},
		{
			Name:        "voices",
			Description: "List the available voices",
		},
	}
}

func (vc *VoiceCommands) handleJoin(s discord.Responder, i *discordgo.InteractionCreate) {
	userID := discord.InteractionUser(i)
	channelID, err := vc.locate(userID)
	if err != nil {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to use /join.")
		return
	}

	if vc.sessions.IsActive() {
		info := vc.sessions.Info()
		discord.RespondEphemeral(s, i, fmt.Sprintf("Already connected to <#%s>. Use /leave first.", info.ChannelID))
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	err = vc.sessions.Join(ctx, channelID, userID)
	switch {
	case err == nil:
		discord.FollowUp(s, i, fmt.Sprintf("Joined <#%s>.", channelID))
	case errors.Is(err, app.ErrJoinSound):
		discord.FollowUp(s, i, fmt.Sprintf("Joined <#%s>, but the join sound could not be played.", channelID))
	case errors.Is(err, app.ErrAlreadyActive):
		discord.FollowUp(s, i, "Already connected to a voice channel. Use /leave first.")
	default:
		discord.FollowUp(s, i, fmt.Sprintf("Failed to join: %v", err))
	}
}

func (vc *VoiceCommands) handleSpeak(s discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.sessions.IsActive() {
		discord.RespondEphemeral(s, i, "I'm not in a voice channel. Use /join first.")
		return
	}

	name := strings.TrimSpace(optionString(i, "voice"))
	prompt := strings.TrimSpace(optionString(i, "prompt"))
	if prompt == "" {
		discord.RespondEphemeral(s, i, "The prompt must not be empty.")
		return
	}
	if !vc.sessions.Voices().Has(name) {
		_, err := vc.sessions.Voices().Get(name)
		discord.RespondEphemeral(s, i, speakFailure(name, err))
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), speakTimeout)
	defer cancel()

	res, done, err := vc.sessions.Speak(ctx, name, prompt)
	if err != nil {
		slog.Warn("discord: speak failed", "voice", name, "err", err)
		discord.FollowUp(s, i, speakFailure(name, err))
		return
	}

	discord.FollowUp(s, i, fmt.Sprintf("Speaking as **%s** (%s).", res.Voice, res.Duration().Round(100*time.Millisecond)))

	go func() {
		if err := <-done; err != nil {
			slog.Debug("discord: playback ended early", "voice", res.Voice, "err", err)
		}
	}()
}

// speakFailure turns a /speak error into a user-facing message.
func speakFailure(name string, err error) string {
	var nf *voice.NotFoundError
	switch {
	case errors.As(err, &nf):
		if len(nf.Suggestions) == 0 {
			return fmt.Sprintf("Unknown voice **%s**. Use /voices to list them.", name)
		}
		return fmt.Sprintf("Unknown voice **%s**. Did you mean: %s?", name, strings.Join(nf.Suggestions, ", "))
	case errors.Is(err, app.ErrNotActive), errors.Is(err, app.ErrLeft):
		return "Left the voice channel before the speech was ready."
	case errors.Is(err, context.DeadlineExceeded):
		return "Speech synthesis timed out."
	case errors.Is(err, context.Canceled):
		return "Speech was cancelled."
	case errors.Is(err, tts.ErrEmptyText):
		return "The prompt must not be empty."
	default:
		return fmt.Sprintf("Speech failed: %v", err)
	}
}

func (vc *VoiceCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if err := vc.sessions.Stop(); err != nil {
		if errors.Is(err, app.ErrNotActive) {
			discord.RespondEphemeral(s, i, "I'm not in a voice channel.")
			return
		}
		discord.RespondError(s, i, err)
		return
	}
	discord.RespondEphemeral(s, i, "Stopped.")
}

func (vc *VoiceCommands) handleLeave(s discord.Responder, i *discordgo.InteractionCreate) {
	info := vc.sessions.Info()
	if err := vc.sessions.Leave(); err != nil {
		if errors.Is(err, app.ErrNotActive) {
			discord.RespondEphemeral(s, i, "I'm not in a voice channel.")
			return
		}
		discord.RespondError(s, i, err)
		return
	}

	discord.RespondEphemeral(s, i, fmt.Sprintf(
		"Left <#%s> after %s.",
		info.ChannelID,
		time.Since(info.StartedAt).Truncate(time.Second),
	))
}

func (vc *VoiceCommands) handleVoices(s discord.Responder, i *discordgo.InteractionCreate) {
	names := vc.sessions.Voices().Names()
	if len(names) == 0 {
		discord.RespondEphemeral(s, i, "No voices loaded.")
		return
	}

	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Voices (%d)", len(names)),
		Description: b.String(),
		Color:       0x5865F2,
	})
}

func (vc *VoiceCommands) autocompleteVoice(s discord.Responder, i *discordgo.InteractionCreate) {
	var prefix string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused && opt.Name == "voice" {
			prefix = opt.StringValue()
		}
	}
	discord.RespondAutocomplete(s, i, vc.sessions.Voices().Complete(prefix, 25))
}

// optionString returns the value of the named top-level string option, or "".
func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}
