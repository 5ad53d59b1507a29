package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml-gateway/structure"
)

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Print the static structure and code hash for a snippet",
		Long: `Parse reads a code snippet from the given file (or stdin when no
file is given), extracts its static structure and prints the result as
JSON: nodes, edges, bindings, external parameters, the canonical code
hash and the variable-normalised snippet.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				code []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				code, err = os.ReadFile(args[0])
			} else {
				code, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read snippet: %w", err)
			}

			out, err := renderStructure(cmd.Context(), string(code))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

// renderStructure builds the snippet's static structure and renders the
// debug payload.
func renderStructure(ctx context.Context, code string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := structure.NewBuilder(nil).Build(ctx, code)
	if err != nil {
		return "", err
	}

	payload := struct {
		CodeHash   string   `json:"code_hash"`
		Tools      []string `json:"tools"`
		Structure  any      `json:"structure"`
		Normalized string   `json:"normalized"`
	}{
		CodeHash:   structure.CodeHash(s),
		Tools:      s.Tools(),
		Structure:  s,
		Normalized: structure.NormalizeSnippet(code, s),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render structure: %w", err)
	}
	return string(data), nil
}
