// Package mock provides a recording [discord.Responder] for command tests.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Sent is one message handed to the responder. Exactly one field is set.
type Sent struct {
	Response *discordgo.InteractionResponse
	FollowUp *discordgo.WebhookParams
}

// Content returns the text of the message.
func (s Sent) Content() string {
	switch {
	case s.FollowUp != nil:
		return s.FollowUp.Content
	case s.Response != nil && s.Response.Data != nil:
		return s.Response.Data.Content
	}
	return ""
}

// InteractionResponder records every response and follow-up in order.
// Setting Err makes both calls fail after recording.
type InteractionResponder struct {
	Err error

	mu   sync.Mutex
	sent []Sent
}

func (m *InteractionResponder) record(s Sent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
	return m.Err
}

// InteractionRespond records resp.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	return m.record(Sent{Response: resp})
}

// FollowupMessageCreate records params.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if err := m.record(Sent{FollowUp: params}); err != nil {
		return nil, err
	}
	return &discordgo.Message{ID: "followup", Content: params.Content}, nil
}

// Sent returns a copy of everything recorded so far.
func (m *InteractionResponder) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// LastResponse returns the latest interaction response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	sent := m.Sent()
	for k := len(sent) - 1; k >= 0; k-- {
		if sent[k].Response != nil {
			return sent[k].Response
		}
	}
	return nil
}

// Reply returns the text of the latest message of either kind.
func (m *InteractionResponder) Reply() string {
	sent := m.Sent()
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Content()
}

// Reset forgets everything recorded and clears Err.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.Err = nil
}
