package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"securordo/internal/keystore"
)

func newKeygenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 key pair, optionally adding it to a keyring file",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			kp, err := engine.GenerateKeyPair()
			if err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("keyring")
			if path == "" {
				return printJSON(cmd.OutOrStdout(), kp)
			}

			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			userID, _ := cmd.Flags().GetString("user-id")
			rpps, _ := cmd.Flags().GetString("rpps")
			if name == "" {
				return errors.New("--name is required with --keyring")
			}

			f, err := keystore.ReadKeyringFile(path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			entry := keystore.KeyringEntry{UserID: userID, RPPSNumber: rpps, PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}
			switch role {
			case "prescriber":
				if rpps == "" {
					return errors.New("--rpps is required for prescribers")
				}
				if f.Prescribers == nil {
					f.Prescribers = map[string]keystore.KeyringEntry{}
				}
				f.Prescribers[name] = entry
			case "pharmacist":
				if f.Pharmacists == nil {
					f.Pharmacists = map[string]keystore.KeyringEntry{}
				}
				f.Pharmacists[name] = entry
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if err := keystore.Save(path, f); err != nil {
				return fmt.Errorf("failed to write keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s %s (public key %s, fingerprint %s)\n", role, name, kp.PublicKey, kp.Fingerprint)
			return nil
		},
	}
	cmd.Flags().String("keyring", "", "keyring file to add the key to")
	cmd.Flags().String("name", "", "keyring entry name")
	cmd.Flags().String("role", "prescriber", "prescriber or pharmacist")
	cmd.Flags().String("user-id", "", "user id the key belongs to")
	cmd.Flags().String("rpps", "", "RPPS number (prescribers)")
	return cmd
}
