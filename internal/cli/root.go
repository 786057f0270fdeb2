// Package cli is the securordo operator command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"securordo/internal/cryptoengine"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "securordo",
		Short:         "securordo operator CLI",
		Long:          "Key provisioning, QR inspection, dev tokens and fraud alert monitoring for securordo.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("engine", "p256", "crypto engine")

	root.AddCommand(
		newKeygenCommand(),
		newQRCommand(),
		newTokenCommand(),
		newEncryptCommand(),
		newDecryptCommand(),
		newAlertsCommand(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func engineFrom(cmd *cobra.Command) (cryptoengine.Engine, error) {
	name, _ := cmd.Flags().GetString("engine")
	return cryptoengine.New(name)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
