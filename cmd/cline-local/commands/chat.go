package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nobody-qwert/cline-local/internal/session"
	"github.com/nobody-qwert/cline-local/internal/transform"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

var (
	chatMode          string
	chatSystem        string
	chatHistory       string
	chatShowReasoning bool
	chatFormat        string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Stream one completion from the configured provider",
	Long: `Stream a single completion using the provider and model stored for
the current mode.

Examples:
  cline-local chat "Explain this stack trace"
  cline-local chat --mode plan --system "Be terse" "Outline a refactor"
  cline-local chat --history conversation.json "And then?"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatMode, "mode", "", "Mode to use (plan|act), defaults to the stored mode")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "System prompt")
	chatCmd.Flags().StringVar(&chatHistory, "history", "", "JSON file with prior messages in OpenAI chat format")
	chatCmd.Flags().BoolVar(&chatShowReasoning, "show-reasoning", false, "Print reasoning to stderr")
	chatCmd.Flags().StringVar(&chatFormat, "format", "default", "Output format (default|json)")
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" && chatHistory == "" {
		return fmt.Errorf("a message or --history is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	req := session.Request{SystemPrompt: chatSystem}
	if chatMode != "" {
		req.Mode = types.ParseMode(chatMode)
	}
	if chatHistory != "" {
		systemPrompt, history, err := loadHistory(chatHistory)
		if err != nil {
			return err
		}
		if req.SystemPrompt == "" {
			req.SystemPrompt = systemPrompt
		}
		req.Messages = history
	}
	if message != "" {
		req.Messages = append(req.Messages, types.NewTextMessage(types.RoleUser, message))
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	_, usage, err := a.sessions.Run(ctx, req, func(chunk types.StreamChunk) error {
		if chatFormat == "json" {
			return enc.Encode(map[string]any{"type": chunkType(chunk), "chunk": chunk})
		}
		switch c := chunk.(type) {
		case types.TextChunk:
			fmt.Fprint(out, c.Text)
		case types.ReasoningChunk:
			if chatShowReasoning {
				fmt.Fprint(cmd.ErrOrStderr(), c.Text)
			}
		}
		return nil
	})
	if chatFormat != "json" {
		fmt.Fprintln(out)
	}
	if err != nil {
		return err
	}

	if usage != nil && chatFormat != "json" {
		fmt.Fprintf(cmd.ErrOrStderr(), "tokens: %d in, %d out\n", usage.InputTokens, usage.OutputTokens)
	}
	return nil
}

// loadHistory reads an OpenAI-format message array.
func loadHistory(path string) (string, []types.ChatMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var wire []transform.OpenAIMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return transform.FromOpenAIMessages(wire)
}

func chunkType(chunk types.StreamChunk) string {
	switch chunk.(type) {
	case types.TextChunk:
		return "text"
	case types.ReasoningChunk:
		return "reasoning"
	case types.UsageChunk:
		return "usage"
	default:
		return "unknown"
	}
}
