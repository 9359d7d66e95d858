// Package main is an operator tool that peeks at queued messages without
// consuming them: each message is fetched unacked, printed and requeued.
// Point it at the DLQ to inspect rejects before reprocessing.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/broker"
	"github.com/Sebastian25gb/nubla-siem/internal/config"
)

func newPeekCommand() *cobra.Command {
	cfg := config.Load()

	var (
		host, user, password, vhost string
		port                        int
		queue                       string
		limit                       int
	)

	cmd := &cobra.Command{
		Use:           "queue-peek",
		Short:         "Print queued messages without consuming them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			client, err := broker.Dial(broker.Config{
				Host:     host,
				Port:     port,
				User:     user,
				Password: password,
				VHost:    vhost,
			}, logger)
			if err != nil {
				return err
			}
			// Closing the connection requeues anything left unacked.
			defer client.Close()

			channel, err := client.Channel()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var pending []amqp.Delivery
			for i := 0; i < limit; i++ {
				d, ok, err := channel.Get(queue, false)
				if err != nil {
					return fmt.Errorf("get from %s: %w", queue, err)
				}
				if !ok {
					break
				}
				pending = append(pending, d)
				printDelivery(out, i, d)
			}
			fmt.Fprintf(out, "%d message(s) peeked from %s\n", len(pending), queue)

			for _, d := range pending {
				if err := d.Nack(false, true); err != nil {
					logger.Warn("requeue failed", zap.Error(err))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", cfg.RabbitHost, "broker host")
	cmd.Flags().IntVar(&port, "port", cfg.RabbitPort, "broker port")
	cmd.Flags().StringVar(&user, "user", cfg.RabbitUser, "broker user")
	cmd.Flags().StringVar(&password, "password", cfg.RabbitPassword, "broker password")
	cmd.Flags().StringVar(&vhost, "vhost", cfg.RabbitVHost, "broker vhost")
	cmd.Flags().StringVar(&queue, "queue", cfg.DLQ, "queue to peek")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum messages to print")
	return cmd
}

func printDelivery(w io.Writer, i int, d amqp.Delivery) {
	fmt.Fprintf(w, "--- message %d (routing key %q)\n", i+1, d.RoutingKey)
	if reason, ok := d.Headers["x-reject-reason"].(string); ok {
		fmt.Fprintf(w, "    x-reject-reason: %s\n", reason)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, d.Body, "    ", "  "); err != nil {
		fmt.Fprintf(w, "    %s\n", d.Body)
		return
	}
	fmt.Fprintf(w, "    %s\n", pretty.String())
}

func main() {
	if err := newPeekCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
