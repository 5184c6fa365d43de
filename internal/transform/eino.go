package transform

import (
	"github.com/cloudwego/eino/schema"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

// ToEinoMessages converts a conversation into Eino schema messages for a
// structured OpenAI-compatible chat model. It follows the same layout as
// ToOpenAIMessages.
func ToEinoMessages(systemPrompt string, messages []types.ChatMessage, opts Options) []*schema.Message {
	wire := ToOpenAIMessages(systemPrompt, messages, opts)
	result := make([]*schema.Message, 0, len(wire))

	for _, m := range wire {
		msg := &schema.Message{
			Role:       einoRole(m.Role),
			ToolCallID: m.ToolCallID,
		}

		switch c := m.Content.(type) {
		case string:
			msg.Content = c
		case []OpenAIContentPart:
			for _, p := range c {
				switch p.Type {
				case "text":
					msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case "image_url":
					msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
						Type:     schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL.URL},
					})
				}
			}
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}

		result = append(result, msg)
	}
	return result
}

func einoRole(role string) schema.RoleType {
	switch role {
	case "system":
		return schema.System
	case "user":
		return schema.User
	case "tool":
		return schema.Tool
	default:
		return schema.Assistant
	}
}
