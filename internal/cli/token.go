package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"securordo/internal/domain"
	httpapi "securordo/internal/http"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			var user domain.CurrentUser
			user.ID, _ = cmd.Flags().GetString("user-id")
			role, _ := cmd.Flags().GetString("role")
			user.Role = domain.Role(role)
			user.EstablishmentID, _ = cmd.Flags().GetString("establishment")
			user.RPPSNumber, _ = cmd.Flags().GetString("rpps")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if user.ID == "" {
				return errors.New("--user-id is required")
			}

			tok, err := httpapi.IssueToken([]byte(secret), user, ttl, time.Now())
			if err != nil {
				return err
			}
			// round-trip so a bad role is reported here rather than by the server
			if _, err := httpapi.ParseToken([]byte(secret), tok); err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "HS256 secret (default $JWT_SECRET)")
	cmd.Flags().String("user-id", "", "user id")
	cmd.Flags().String("role", "pharmacist", "prescriber, pharmacist or admin")
	cmd.Flags().String("establishment", "", "medical office or pharmacy id")
	cmd.Flags().String("rpps", "", "RPPS number (prescribers)")
	cmd.Flags().Duration("ttl", 8*time.Hour, "token lifetime")
	return cmd
}
