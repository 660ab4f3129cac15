package discord

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxclone/internal/discord/mock"
)

var _ Responder = (*mock.InteractionResponder)(nil)

func commandInteraction(typ discordgo.InteractionType, name string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: typ,
			Data: discordgo.ApplicationCommandInteractionData{Name: name},
		},
	}
}

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{
			name:   "user with role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-123", "role-789"},
					},
				},
			},
			want: true,
		},
		{
			name:   "user without role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-789"},
					},
				},
			},
			want: false,
		},
		{
			name:   "empty role allows all",
			roleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456"},
					},
				},
			},
			want: true,
		},
		{
			name:   "nil Member returns false",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: nil,
				},
			},
			want: false,
		},
		{
			name:   "user with empty roles",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{},
					},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.roleID)
			got := pc.Allowed(tt.inter)
			if got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func noop(Responder, *discordgo.InteractionCreate) {}

func TestCommandRouter_ApplicationCommandsSorted(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	r.Register(
		Command{Definition: &discordgo.ApplicationCommand{Name: "speak"}, Handler: noop},
		Command{Definition: &discordgo.ApplicationCommand{Name: "join"}, Handler: noop},
	)
	// Re-registering replaces instead of duplicating.
	r.Register(Command{Definition: &discordgo.ApplicationCommand{Name: "speak", Description: "v2"}, Handler: noop})

	cmds := r.ApplicationCommands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %d, want 2", len(cmds))
	}
	if cmds[0].Name != "join" || cmds[1].Name != "speak" || cmds[1].Description != "v2" {
		t.Errorf("commands = [%s %s(%s)]", cmds[0].Name, cmds[1].Name, cmds[1].Description)
	}
}

func TestCommandRouter_Handle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		roleID    string
		roles     []string
		typ       discordgo.InteractionType
		command   string
		wantCalls string
		wantReply string
	}{
		{name: "dispatches command", typ: discordgo.InteractionApplicationCommand, command: "speak", wantCalls: "speak"},
		{name: "dispatches autocomplete", typ: discordgo.InteractionApplicationCommandAutocomplete, command: "speak", wantCalls: "complete"},
		{
			name: "restricted without role", roleID: "voice", roles: []string{"other"},
			typ: discordgo.InteractionApplicationCommand, command: "speak", wantReply: MsgForbidden,
		},
		{
			name: "restricted with role", roleID: "voice", roles: []string{"voice"},
			typ: discordgo.InteractionApplicationCommand, command: "speak", wantCalls: "speak",
		},
		{
			name: "autocomplete ignores role", roleID: "voice",
			typ: discordgo.InteractionApplicationCommandAutocomplete, command: "speak", wantCalls: "complete",
		},
		{
			name: "open command ignores role", roleID: "voice",
			typ: discordgo.InteractionApplicationCommand, command: "voices", wantCalls: "voices",
		},
		{name: "unknown command", typ: discordgo.InteractionApplicationCommand, command: "nope", wantReply: "Unknown command."},
		{name: "ignores other types", typ: discordgo.InteractionMessageComponent, command: "speak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls string
			record := func(name string) HandlerFunc {
				return func(Responder, *discordgo.InteractionCreate) { calls += name }
			}
			r := NewCommandRouter(NewPermissionChecker(tt.roleID))
			r.Register(
				Command{
					Definition:   &discordgo.ApplicationCommand{Name: "speak"},
					Handler:      record("speak"),
					Autocomplete: record("complete"),
					Restricted:   true,
				},
				Command{Definition: &discordgo.ApplicationCommand{Name: "voices"}, Handler: record("voices")},
			)

			i := commandInteraction(tt.typ, tt.command)
			i.Member = &discordgo.Member{User: &discordgo.User{ID: "user-1"}, Roles: tt.roles}
			resp := &mock.InteractionResponder{}
			r.Handle(resp, i)

			if calls != tt.wantCalls {
				t.Errorf("handlers called = %q, want %q", calls, tt.wantCalls)
			}
			if got := resp.Reply(); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
			if tt.wantReply != "" && resp.LastResponse().Data.Flags != discordgo.MessageFlagsEphemeral {
				t.Error("router replies should be ephemeral")
			}
		})
	}
}

func TestCommandRouter_AutocompleteWithoutHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	r.Register(Command{Definition: &discordgo.ApplicationCommand{Name: "join"}, Handler: noop})
	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction(discordgo.InteractionApplicationCommandAutocomplete, "join"))

	last := resp.LastResponse()
	if last == nil || last.Type != discordgo.InteractionApplicationCommandAutocompleteResult {
		t.Fatalf("response = %+v, want autocomplete result", last)
	}
	if len(last.Data.Choices) != 0 {
		t.Errorf("choices = %d, want 0", len(last.Data.Choices))
	}
}

func TestInteractionUser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		inter *discordgo.Interaction
		want  string
	}{
		{name: "guild member", inter: &discordgo.Interaction{Member: &discordgo.Member{User: &discordgo.User{ID: "m-1"}}}, want: "m-1"},
		{name: "direct message", inter: &discordgo.Interaction{User: &discordgo.User{ID: "u-1"}}, want: "u-1"},
		{name: "neither", inter: &discordgo.Interaction{}},
	}
	for _, tt := range tests {
		if got := InteractionUser(&discordgo.InteractionCreate{Interaction: tt.inter}); got != tt.want {
			t.Errorf("%s: InteractionUser() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRespondAutocomplete_CapsChoices(t *testing.T) {
	t.Parallel()

	names := make([]string, 40)
	for i := range names {
		names[i] = string(rune('a' + i%26))
	}
	resp := &mock.InteractionResponder{}
	RespondAutocomplete(resp, commandInteraction(discordgo.InteractionApplicationCommandAutocomplete, "speak"), names)

	choices := resp.LastResponse().Data.Choices
	if len(choices) != maxChoices {
		t.Fatalf("choices = %d, want %d", len(choices), maxChoices)
	}
	if choices[0].Name != "a" || choices[0].Value != "a" {
		t.Errorf("first choice = %+v", choices[0])
	}
}

func TestFollowUp_RecordsContent(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{}
	i := commandInteraction(discordgo.InteractionApplicationCommand, "speak")
	DeferReply(resp, i)
	FollowUp(resp, i, "done")

	if got := resp.LastResponse().Type; got != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("first response type = %v, want deferred", got)
	}
	if resp.Reply() != "done" {
		t.Errorf("Reply() = %q, want done", resp.Reply())
	}
}

func TestRespondError_SurvivesResponderFailure(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{Err: errors.New("rate limited")}
	RespondError(resp, commandInteraction(discordgo.InteractionApplicationCommand, "speak"), errors.New("boom"))

	if got := resp.LastResponse().Data.Content; got != "Error: boom" {
		t.Errorf("content = %q, want %q", got, "Error: boom")
	}
}
