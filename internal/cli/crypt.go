package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newEncryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "ECIES-encrypt a JSON document (stdin or --data) for a public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			data, _ := cmd.Flags().GetString("data")
			if to == "" {
				return errors.New("--to is required")
			}
			var raw []byte
			if data != "" {
				raw = []byte(data)
			} else if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("input is not JSON: %w", err)
			}
			blob, err := engine.Encrypt(doc, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), blob)
			return nil
		},
	}
	cmd.Flags().String("to", "", "recipient public key, 66 hex chars")
	cmd.Flags().String("data", "", "JSON document (default: stdin)")
	return cmd
}

func newDecryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt <blob>",
		Short: "Open an ECIES package with a private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				return errors.New("--key is required")
			}
			var doc any
			if err := engine.Decrypt(strings.TrimSpace(args[0]), key, &doc); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().String("key", "", "recipient private key, 64 hex chars")
	return cmd
}
