package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

// OpenAIMessage is a chat message in the OpenAI chat-completions wire format.
// Content is either a string or a []OpenAIContentPart.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIContentPart is one element of a multi-part user message.
type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

// OpenAIImageURL references an image, here always as a data URL.
type OpenAIImageURL struct {
	URL string `json:"url"`
}

// OpenAIToolCall is a function call in an assistant message.
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall carries the call name and its JSON-encoded arguments.
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Options tunes a conversion for a specific model.
type Options struct {
	// SupportsImages keeps image blocks. When false they are dropped.
	SupportsImages bool
}

// ToOpenAIMessages converts a conversation to the OpenAI wire format.
// The system prompt, when non-empty, becomes the leading message. Tool
// results in a user turn become tool messages placed before the remaining
// user content.
func ToOpenAIMessages(systemPrompt string, messages []types.ChatMessage, opts Options) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, OpenAIMessage{Role: string(types.RoleSystem), Content: systemPrompt})
	}

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			out = append(out, assistantToOpenAI(msg))
		case types.RoleSystem:
			out = append(out, OpenAIMessage{Role: string(types.RoleSystem), Content: msg.Text()})
		default:
			out = append(out, userToOpenAI(msg, opts)...)
		}
	}
	return out
}

func userToOpenAI(msg types.ChatMessage, opts Options) []OpenAIMessage {
	var (
		out   []OpenAIMessage
		parts []OpenAIContentPart
	)
	for _, b := range msg.Content {
		switch v := b.(type) {
		case types.ToolResultBlock:
			out = append(out, OpenAIMessage{
				Role:       string(types.RoleTool),
				ToolCallID: v.ToolUseID,
				Content:    v.Content,
			})
		case types.TextBlock:
			parts = append(parts, OpenAIContentPart{Type: "text", Text: v.Text})
		case types.ImageBlock:
			if !opts.SupportsImages {
				continue
			}
			parts = append(parts, OpenAIContentPart{
				Type:     "image_url",
				ImageURL: &OpenAIImageURL{URL: dataURL(v)},
			})
		}
	}

	if msg.Role == types.RoleTool {
		// A bare tool turn carries text only.
		if len(parts) > 0 && len(out) == 0 {
			out = append(out, OpenAIMessage{Role: string(types.RoleTool), Content: joinText(parts)})
		}
		return out
	}

	switch {
	case len(parts) == 1 && parts[0].Type == "text":
		out = append(out, OpenAIMessage{Role: string(types.RoleUser), Content: parts[0].Text})
	case len(parts) > 0:
		out = append(out, OpenAIMessage{Role: string(types.RoleUser), Content: parts})
	case len(out) == 0:
		// Keep the turn so that role alternation is preserved.
		out = append(out, OpenAIMessage{Role: string(types.RoleUser), Content: ""})
	}
	return out
}

func assistantToOpenAI(msg types.ChatMessage) OpenAIMessage {
	var (
		texts []string
		calls []OpenAIToolCall
	)
	for _, b := range msg.Content {
		switch v := b.(type) {
		case types.TextBlock:
			texts = append(texts, v.Text)
		case types.ToolUseBlock:
			args := string(v.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, OpenAIToolCall{
				ID:       v.ID,
				Type:     "function",
				Function: OpenAIFunctionCall{Name: v.Name, Arguments: args},
			})
		}
	}

	m := OpenAIMessage{Role: string(types.RoleAssistant), ToolCalls: calls}
	if len(texts) > 0 || len(calls) == 0 {
		m.Content = strings.Join(texts, "\n")
	}
	return m
}

// FromOpenAIMessages converts an OpenAI wire conversation back into the
// neutral form. Leading system messages are returned as the system prompt.
// Consecutive tool messages are folded, together with the user message that
// follows them, into one user turn.
func FromOpenAIMessages(wire []OpenAIMessage) (string, []types.ChatMessage, error) {
	var (
		system  []string
		out     []types.ChatMessage
		pending []types.ContentBlock
	)

	flushPending := func() {
		if len(pending) > 0 {
			out = append(out, types.ChatMessage{Role: types.RoleUser, Content: pending})
			pending = nil
		}
	}

	for i, m := range wire {
		switch m.Role {
		case string(types.RoleSystem):
			if len(out) == 0 && len(pending) == 0 {
				system = append(system, contentText(m.Content))
				continue
			}
			flushPending()
			out = append(out, types.NewTextMessage(types.RoleSystem, contentText(m.Content)))
		case string(types.RoleTool):
			pending = append(pending, types.ToolResultBlock{ToolUseID: m.ToolCallID, Content: contentText(m.Content)})
		case string(types.RoleUser):
			blocks, err := userBlocks(m.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, types.ChatMessage{Role: types.RoleUser, Content: append(pending, blocks...)})
			pending = nil
		case string(types.RoleAssistant):
			flushPending()
			var blocks []types.ContentBlock
			if text := contentText(m.Content); text != "" {
				blocks = append(blocks, types.TextBlock{Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, types.ToolUseBlock{
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			out = append(out, types.ChatMessage{Role: types.RoleAssistant, Content: blocks})
		default:
			return "", nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	flushPending()
	return strings.Join(system, "\n"), out, nil
}

func userBlocks(content any) ([]types.ContentBlock, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		return []types.ContentBlock{types.TextBlock{Text: v}}, nil
	case []OpenAIContentPart:
		return partsToBlocks(v)
	default:
		// Decoded from JSON: re-marshal into typed parts.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var parts []OpenAIContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil, fmt.Errorf("user content: %w", err)
		}
		return partsToBlocks(parts)
	}
}

func partsToBlocks(parts []OpenAIContentPart) ([]types.ContentBlock, error) {
	blocks := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, types.TextBlock{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if img, ok := parseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, img)
			}
		}
	}
	return blocks, nil
}

func contentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []OpenAIContentPart:
		return joinText(v)
	default:
		blocks, err := userBlocks(v)
		if err != nil {
			return ""
		}
		return types.ChatMessage{Content: blocks}.Text()
	}
}

func joinText(parts []OpenAIContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func dataURL(img types.ImageBlock) string {
	return "data:" + img.MediaType + ";base64," + img.Data
}

func parseDataURL(url string) (types.ImageBlock, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return types.ImageBlock{}, false
	}
	mediaType, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return types.ImageBlock{}, false
	}
	return types.ImageBlock{MediaType: mediaType, Data: data}, true
}
