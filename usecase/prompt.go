package usecase

import (
	"strings"

	"github.com/satriahrh/professor-bot/domain"
)

const paragraphSeparator = "\n\n"

// BuildPrompt flattens the history before the new input into a completion
// prompt. The result always ends with the responder label and a space, so
// the model continues as the persona.
func BuildPrompt(policy domain.PromptPolicy, persona domain.Persona, history []domain.ChatTurn, input string) string {
	var lines []string
	switch policy {
	case domain.PolicyFullHistory:
		lines = make([]string, 0, len(history))
		for _, turn := range history {
			lines = append(lines, labelled(persona, turn))
		}
	default:
		lines = lastExchange(persona, history)
	}

	parts := make([]string, 0, len(lines)+3)
	parts = append(parts, persona.Preamble)
	parts = append(parts, lines...)
	parts = append(parts, persona.AskerLabel+": "+input)
	parts = append(parts, persona.ResponderLabel+": ")
	return strings.Join(parts, paragraphSeparator)
}

// lastExchange returns the most recent user turn followed by the most
// recent assistant turn. A transcript without any user turn yet has no
// exchange, so the greeting alone yields nothing.
func lastExchange(persona domain.Persona, history []domain.ChatTurn) []string {
	lastUser, lastAssistant := -1, -1
	for i, turn := range history {
		switch turn.Role {
		case domain.UserRole:
			lastUser = i
		case domain.AssistantRole:
			lastAssistant = i
		}
	}
	if lastUser < 0 {
		return nil
	}

	lines := []string{labelled(persona, history[lastUser])}
	if lastAssistant >= 0 {
		lines = append(lines, labelled(persona, history[lastAssistant]))
	}
	return lines
}

func labelled(persona domain.Persona, turn domain.ChatTurn) string {
	return persona.Label(turn.Role) + ": " + turn.Content
}
