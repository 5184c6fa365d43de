package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one turn of a conversation in the provider-neutral shape.
// Content is an ordered block sequence; a plain-text message is a single
// TextBlock.
type ChatMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage returns a message with a single text block.
func NewTextMessage(role Role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: []ContentBlock{TextBlock{Text: text}}}
}

// Text concatenates all text blocks of the message.
func (m ChatMessage) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if t, ok := b.(TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// MarshalJSON encodes content as a typed block array.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	blocks := make([]json.RawMessage, 0, len(m.Content))
	for _, b := range m.Content {
		data, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, data)
	}
	return json.Marshal(struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}{Role: m.Role, Content: blocks})
}

// UnmarshalJSON accepts content either as a plain string or as a block array.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = nil

	raw := strings.TrimSpace(string(aux.Content))
	if raw == "" || raw == "null" {
		return nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(aux.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{TextBlock{Text: text}}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(aux.Content, &items); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	for _, item := range items {
		b, err := UnmarshalBlock(item)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, b)
	}
	return nil
}
