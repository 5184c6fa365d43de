package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nobody-qwert/cline-local/internal/provider"
)

var modelsBaseURL string

var modelsCmd = &cobra.Command{
	Use:   "models <lmstudio|ollama>",
	Short: "List models available on a local server",
	Long: `List the models a local model server reports.

Examples:
  cline-local models lmstudio
  cline-local models ollama --base-url http://gpu-box:11434`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"lmstudio", "ollama"},
	RunE:      runModels,
}

func init() {
	modelsCmd.Flags().StringVar(&modelsBaseURL, "base-url", "", "Server URL (defaults to the stored one)")
}

func runModels(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cache.APIConfiguration()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch args[0] {
	case "lmstudio":
		baseURL := modelsBaseURL
		if baseURL == "" {
			baseURL = cfg.LMStudioBaseURL
		}
		fmt.Fprintln(w, "MODEL\tTYPE\tSTATE\tCONTEXT\t")
		for _, m := range provider.ListLMStudioModels(cmd.Context(), a.client, baseURL) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t\n", m.ID, m.Type, m.State, m.MaxContextLength)
		}
	case "ollama":
		baseURL := modelsBaseURL
		if baseURL == "" {
			baseURL = cfg.OllamaBaseURL
		}
		fmt.Fprintln(w, "MODEL\tFAMILY\tSIZE\tQUANT\t")
		for _, m := range provider.ListOllamaModels(cmd.Context(), a.client, baseURL) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", m.Name, m.Details.Family, m.Details.ParameterSize, m.Details.QuantizationLevel)
		}
	default:
		return fmt.Errorf("unknown provider %q (want lmstudio or ollama)", args[0])
	}
	return nil
}
