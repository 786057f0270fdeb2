package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"securordo/internal/qrcodec"
)

func newQRCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode or decode QR payloads",
	}

	decode := &cobra.Command{
		Use:   "decode <payload>",
		Short: "Decode and validate a scanned QR payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := qrcodec.Decode(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	encode := &cobra.Command{
		Use:   "encode",
		Short: "Build a QR payload from its fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec qrcodec.Record
			rec.PrescriptionID, _ = cmd.Flags().GetString("id")
			rec.PrescriptionNumber, _ = cmd.Flags().GetString("number")
			rec.PatientInsNumber, _ = cmd.Flags().GetString("ins")
			rec.Signature, _ = cmd.Flags().GetString("signature")
			rec.Nonce, _ = cmd.Flags().GetString("nonce")
			rec.Timestamp, _ = cmd.Flags().GetInt64("timestamp")
			out, err := qrcodec.Encode(rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	encode.Flags().String("id", "", "prescription id")
	encode.Flags().String("number", "", "prescription number")
	encode.Flags().String("ins", "", "patient INS number")
	encode.Flags().String("signature", "", "signature, 128 hex chars")
	encode.Flags().String("nonce", "", "nonce, 64 hex chars")
	encode.Flags().Int64("timestamp", 0, "signing time, epoch ms")

	cmd.AddCommand(decode, encode)
	return cmd
}
