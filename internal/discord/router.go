package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// MsgForbidden is the reply to a restricted command from a user without the
// configured role.
const MsgForbidden = "You don't have permission to use this command."

// HandlerFunc answers one interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

// Command is a slash command together with its handlers.
type Command struct {
	Definition *discordgo.ApplicationCommand
	Handler    HandlerFunc

	// Autocomplete answers autocomplete interactions for the command's
	// options. It may be nil.
	Autocomplete HandlerFunc

	// Restricted commands are refused unless the caller holds the role of
	// the router's [PermissionChecker].
	Restricted bool
}

// CommandRouter dispatches interactions by command name.
type CommandRouter struct {
	perms *PermissionChecker

	mu       sync.RWMutex
	commands map[string]Command
}

// NewCommandRouter returns an empty router gating restricted commands with
// perms. A nil perms allows everyone.
func NewCommandRouter(perms *PermissionChecker) *CommandRouter {
	if perms == nil {
		perms = NewPermissionChecker("")
	}
	return &CommandRouter{perms: perms, commands: make(map[string]Command)}
}

// Register adds cmds, replacing earlier commands with the same name.
func (r *CommandRouter) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		r.commands[c.Definition.Name] = c
	}
}

// ApplicationCommands returns the definitions to upload to Discord, sorted
// by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, c := range r.commands {
		defs = append(defs, c.Definition)
	}
	slices.SortFunc(defs, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Handle dispatches i. Unknown commands get an ephemeral notice; unknown
// autocomplete requests get an empty choice list.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	name := i.ApplicationCommandData().Name
	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if i.Type == discordgo.InteractionApplicationCommandAutocomplete {
		if !ok || cmd.Autocomplete == nil {
			RespondAutocomplete(s, i, nil)
			return
		}
		cmd.Autocomplete(s, i)
		return
	}

	if !ok {
		slog.Warn("discord: unknown command", "name", name)
		RespondEphemeral(s, i, "Unknown command.")
		return
	}
	if cmd.Restricted && !r.perms.Allowed(i) {
		slog.Info("discord: command refused", "name", name, "user_id", InteractionUser(i))
		RespondEphemeral(s, i, MsgForbidden)
		return
	}
	slog.Debug("discord: command", "name", name, "user_id", InteractionUser(i))
	cmd.Handler(s, i)
}

// InteractionUser returns the ID of the user behind i, in guilds or DMs.
func InteractionUser(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	}
	return ""
}
