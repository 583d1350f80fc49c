package agent

import "github.com/MegaGrindStone/streamchat/internal/models"

// TrimHistory converts history plus the new user message into model turns, keeping at most the
// last limit messages. The kept window always starts on a user message.
func TrimHistory(history []models.Message, newMessage string, limit int) []Turn {
	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: newMessage})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for len(msgs) > 0 && msgs[0].Role != models.RoleUser {
		msgs = msgs[1:]
	}

	turns := make([]Turn, 0, len(msgs))
	for _, msg := range msgs {
		role := TurnRoleUser
		if msg.Role == models.RoleAssistant {
			role = TurnRoleAssistant
		}
		turns = append(turns, Turn{Role: role, Text: msg.Content})
	}
	return turns
}
