package engine

import (
	"strings"

	"isotope/pkg/types"
)

// Special tokens used by the chat prompt layout.
const (
	BOSToken = "<|begin_of_text|>"
	EOTToken = "<|eot_id|>"
)

// DefaultSystemPrompt is the preamble used when none is configured.
const DefaultSystemPrompt = "You are a helpful coding assistant. Always strive to provide complete answers without abrupt endings."

// FormatPrompt renders a message history into the single prompt string fed to
// the model. A trailing "Assistant:" cues the model to answer.
func FormatPrompt(messages []types.Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			parts = append(parts, "System:\n"+m.Content)
		case types.RoleUser:
			parts = append(parts, BOSToken+m.Content+EOTToken)
		case types.RoleAssistant:
			parts = append(parts, "Assistant:\n"+m.Content)
		default:
			parts = append(parts, string(m.Role)+":\n"+m.Content)
		}
	}
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n\n")
}
