package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	commoncfg "securordo/internal/common/config"
	commonredis "securordo/internal/common/redis"
	"securordo/internal/notify"
)

func newAlertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Fraud alert monitoring",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow the fraud alert stream as a consumer group member",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("redis-addr")
			password, _ := cmd.Flags().GetString("redis-password")
			stream, _ := cmd.Flags().GetString("stream")
			group, _ := cmd.Flags().GetString("group")
			consumer, _ := cmd.Flags().GetString("consumer")
			block, _ := cmd.Flags().GetDuration("block")
			once, _ := cmd.Flags().GetBool("once")

			client := commonredis.NewRedisClient(&commoncfg.RedisConfig{Addr: addr, Password: password})
			defer commonredis.Close(client)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return tailAlerts(ctx, cmd, client, stream, group, consumer, block, once)
		},
	}
	tail.Flags().String("redis-addr", "localhost:6379", "Redis address")
	tail.Flags().String("redis-password", "", "Redis password")
	tail.Flags().String("stream", notify.DefaultStream, "fraud alert stream")
	tail.Flags().String("group", "securordo-ops", "consumer group")
	tail.Flags().String("consumer", "cli", "consumer name")
	tail.Flags().Duration("block", 5*time.Second, "how long each read waits for new entries")
	tail.Flags().Bool("once", false, "read one batch and exit")

	cmd.AddCommand(tail)
	return cmd
}

func tailAlerts(ctx context.Context, cmd *cobra.Command, client *redis.Client, stream, group, consumer string, block time.Duration, once bool) error {
	if err := commonredis.CreateConsumerGroup(ctx, client, stream, group); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for {
		msgs, err := commonredis.ReadFromStream(ctx, client, stream, group, consumer, 100, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", stream, err)
		}
		for _, msg := range msgs {
			a, err := notify.DecodeStreamAlert(msg)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", msg.ID, err)
			} else {
				prescription := "-"
				if a.PrescriptionID != nil {
					prescription = *a.PrescriptionID
				}
				fmt.Fprintf(out, "%s  %-8s  %-17s  prescription=%s  %s\n",
					a.CreatedAt.Format(time.RFC3339), a.Severity, a.AlertType, prescription, a.Description)
			}
			if err := commonredis.Ack(ctx, client, stream, group, msg.ID); err != nil {
				return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
			}
		}
		if once || ctx.Err() != nil {
			return nil
		}
	}
}
