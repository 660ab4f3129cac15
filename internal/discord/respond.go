package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// maxChoices is the Discord limit on autocomplete suggestions.
const maxChoices = 25

// Responder is the part of [discordgo.Session] used to answer interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// respond sends one interaction response and logs a failure.
func respond(s Responder, i *discordgo.InteractionCreate, kind string, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data})
	if err != nil {
		slog.Warn("discord: interaction response failed",
			"kind", kind,
			"command", commandName(i),
			"err", err,
		)
	}
}

// RespondEphemeral replies with text only the caller sees.
func RespondEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	respond(s, i, "text", discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// RespondEmbed replies with an embed only the caller sees.
func RespondEmbed(s Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(s, i, "embed", discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	})
}

// RespondError replies with err as ephemeral text.
func RespondError(s Responder, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(s, i, fmt.Sprintf("Error: %v", err))
}

// RespondAutocomplete offers names as choices, using each name as label and
// value. Names past [maxChoices] are dropped.
func RespondAutocomplete(s Responder, i *discordgo.InteractionCreate, names []string) {
	names = names[:min(len(names), maxChoices)]
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, n := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}
	respond(s, i, "autocomplete", discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{
		Choices: choices,
	})
}

// DeferReply acknowledges i so a slow command can answer with [FollowUp]
// within Discord's 15 minute token lifetime instead of 3 seconds.
func DeferReply(s Responder, i *discordgo.InteractionCreate) {
	respond(s, i, "defer", discordgo.InteractionResponseDeferredChannelMessageWithSource, &discordgo.InteractionResponseData{
		Flags: discordgo.MessageFlagsEphemeral,
	})
}

// FollowUp completes a deferred reply.
func FollowUp(s Responder, i *discordgo.InteractionCreate, content string) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		slog.Warn("discord: follow-up failed", "command", commandName(i), "err", err)
	}
}

func commandName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		return i.ApplicationCommandData().Name
	}
	return ""
}
