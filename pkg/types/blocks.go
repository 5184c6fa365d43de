package types

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one element of a message's content.
// Implementations: TextBlock, ImageBlock, ToolUseBlock, ToolResultBlock.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

// ImageBlock carries base64 image data.
type ImageBlock struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// ToolUseBlock is a tool invocation issued by the assistant.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock answers a previous ToolUseBlock with the same ToolUseID.
type ToolResultBlock struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

func (TextBlock) BlockType() string       { return "text" }
func (ImageBlock) BlockType() string      { return "image" }
func (ToolUseBlock) BlockType() string    { return "tool_use" }
func (ToolResultBlock) BlockType() string { return "tool_result" }

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// wireBlock is the persisted block layout, compatible with the
// Anthropic-style content arrays stored in conversation history.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MarshalBlock encodes a block with its type discriminator.
func MarshalBlock(b ContentBlock) ([]byte, error) {
	var w wireBlock
	switch v := b.(type) {
	case TextBlock:
		w = wireBlock{Type: "text", Text: v.Text}
	case ImageBlock:
		w = wireBlock{Type: "image", Source: &imageSource{Type: "base64", MediaType: v.MediaType, Data: v.Data}}
	case ToolUseBlock:
		input := v.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		w = wireBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: input}
	case ToolResultBlock:
		content, err := json.Marshal(v.Content)
		if err != nil {
			return nil, err
		}
		w = wireBlock{Type: "tool_result", ToolUseID: v.ToolUseID, Content: content, IsError: v.IsError}
	default:
		return nil, fmt.Errorf("unknown content block %T", b)
	}
	return json.Marshal(w)
}

// UnmarshalBlock decodes a block based on its type discriminator.
// Tool result content may be a string or an array of text blocks.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "text":
		return TextBlock{Text: w.Text}, nil
	case "image":
		if w.Source == nil {
			return nil, fmt.Errorf("image block without source")
		}
		return ImageBlock{MediaType: w.Source.MediaType, Data: w.Source.Data}, nil
	case "tool_use":
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case "tool_result":
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: toolResultText(w.Content), IsError: w.IsError}, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", w.Type)
	}
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []wireBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var out string
	for i, p := range parts {
		if p.Type != "text" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
