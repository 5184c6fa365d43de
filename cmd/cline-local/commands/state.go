package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nobody-qwert/cline-local/internal/cache"
	"github.com/nobody-qwert/cline-local/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit persisted state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <global|workspace> [key]",
	Short: "Print one key, or every key of a namespace",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runStateGet,
}

var stateSetCmd = &cobra.Command{
	Use:   "set <global|secrets|workspace> <key> <json>",
	Short: "Set a key to a JSON value (null deletes)",
	Long: `Set a key to a JSON value. Secrets take a plain string.

Examples:
  cline-local state set global mode '"plan"'
  cline-local state set global actModeLmStudioModelId '"qwen2.5-coder-7b"'
  cline-local state set secrets ollamaApiKey sk-local`,
	Args: cobra.ExactArgs(3),
	RunE: runStateSet,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <global|workspace>",
	Short: "Delete every key of a namespace (global also clears secrets)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

func init() {
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateSetCmd)
	stateCmd.AddCommand(stateResetCmd)
}

func parseNamespace(name string) (storage.Namespace, error) {
	switch name {
	case "global":
		return cache.Global, nil
	case "secrets", "secret":
		return cache.Secret, nil
	case "workspace":
		return cache.Workspace, nil
	}
	return "", fmt.Errorf("unknown namespace %q", name)
}

func runStateGet(cmd *cobra.Command, args []string) error {
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	if ns == cache.Secret {
		return fmt.Errorf("secrets are write-only")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	if len(args) == 2 {
		v, ok := a.cache.Get(ns, args[1])
		if !ok {
			return fmt.Errorf("key %q not set", args[1])
		}
		fmt.Fprintln(out, string(v))
		return nil
	}

	values := make(map[string]json.RawMessage)
	for _, k := range a.cache.Keys(ns) {
		v, _ := a.cache.Get(ns, k)
		values[k] = v
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func runStateSet(cmd *cobra.Command, args []string) error {
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	key, value := args[1], args[2]
	if ns != cache.Secret && !json.Valid([]byte(value)) {
		return fmt.Errorf("value must be JSON, e.g. '\"text\"' or 42")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if ns == cache.Secret {
		a.cache.SetSecret(key, value)
		return nil
	}
	return a.cache.Set(ns, key, json.RawMessage(value))
}

func runStateReset(cmd *cobra.Command, args []string) error {
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if ns == cache.Workspace {
		return a.cache.ResetWorkspaceState(cmd.Context())
	}
	return a.cache.ResetGlobalState(cmd.Context())
}
