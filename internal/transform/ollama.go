package transform

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

// OllamaMessage is a chat message for the Ollama /api/chat endpoint.
type OllamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Images     []string         `json:"images,omitempty"`
	ToolCalls  []OllamaToolCall `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`

	imageTypes []string
}

// OllamaToolCall is a tool invocation. Ollama takes arguments as an object.
type OllamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Function OllamaToolFunction `json:"function"`
}

// OllamaToolFunction names the function and carries its arguments.
type OllamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToOllamaMessages converts a conversation to Ollama chat messages.
// Images travel as bare base64 strings on the message that owns them.
func ToOllamaMessages(systemPrompt string, messages []types.ChatMessage, opts Options) []OllamaMessage {
	out := make([]OllamaMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, OllamaMessage{Role: string(types.RoleSystem), Content: systemPrompt})
	}

	toolNames := make(map[string]string)
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			m := OllamaMessage{Role: string(types.RoleAssistant)}
			var texts []string
			for _, b := range msg.Content {
				switch v := b.(type) {
				case types.TextBlock:
					texts = append(texts, v.Text)
				case types.ToolUseBlock:
					toolNames[v.ID] = v.Name
					args := v.Input
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					m.ToolCalls = append(m.ToolCalls, OllamaToolCall{
						ID:       v.ID,
						Function: OllamaToolFunction{Name: v.Name, Arguments: args},
					})
				}
			}
			m.Content = strings.Join(texts, "\n")
			out = append(out, m)
		case types.RoleSystem:
			out = append(out, OllamaMessage{Role: string(types.RoleSystem), Content: msg.Text()})
		default:
			var (
				texts      []string
				images     []string
				imageTypes []string
				tools      []OllamaMessage
			)
			for _, b := range msg.Content {
				switch v := b.(type) {
				case types.ToolResultBlock:
					tools = append(tools, OllamaMessage{
						Role:       string(types.RoleTool),
						Content:    v.Content,
						ToolName:   toolNames[v.ToolUseID],
						ToolCallID: v.ToolUseID,
					})
				case types.TextBlock:
					texts = append(texts, v.Text)
				case types.ImageBlock:
					if opts.SupportsImages {
						images = append(images, v.Data)
						imageTypes = append(imageTypes, v.MediaType)
					}
				}
			}
			out = append(out, tools...)
			if len(texts) > 0 || len(images) > 0 || len(tools) == 0 {
				out = append(out, OllamaMessage{
					Role:       string(types.RoleUser),
					Content:    strings.Join(texts, "\n"),
					Images:     images,
					imageTypes: imageTypes,
				})
			}
		}
	}
	return out
}

// ToOllamaEinoMessages converts a conversation to the messages of the Eino
// Ollama chat model. The message layout is the one of ToOllamaMessages;
// images become data URL parts next to the text.
func ToOllamaEinoMessages(systemPrompt string, messages []types.ChatMessage, opts Options) []*schema.Message {
	wire := ToOllamaMessages(systemPrompt, messages, opts)
	out := make([]*schema.Message, 0, len(wire))
	for _, m := range wire {
		msg := &schema.Message{
			Role:       einoRole(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		if len(m.Images) > 0 {
			msg.Content = ""
			msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: m.Content,
			})
			for i, data := range m.Images {
				mediaType := "image/png"
				if i < len(m.imageTypes) && m.imageTypes[i] != "" {
					mediaType = m.imageTypes[i]
				}
				msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
					Type:     schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{URL: "data:" + mediaType + ";base64," + data},
				})
			}
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
