package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker restricts commands to members holding one role.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker returns a checker for roleID. An empty roleID
// allows everyone.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether the author of i holds the role. DM interactions
// carry no member and are refused once a role is configured.
func (p *PermissionChecker) Allowed(i *discordgo.InteractionCreate) bool {
	if p.roleID == "" {
		return true
	}
	return i.Member != nil && slices.Contains(i.Member.Roles, p.roleID)
}
