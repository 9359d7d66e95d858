// Package main is the dead-letter queue reprocessor CLI. It drains
// rejected events from the DLQ, repairs the fields that got them rejected
// and feeds them back into the ingestion exchange.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/broker"
	"github.com/Sebastian25gb/nubla-siem/internal/config"
	"github.com/Sebastian25gb/nubla-siem/internal/reprocess"
)

func newReprocessCommand() *cobra.Command {
	// Flag defaults come from the same environment the consumer reads, so
	// the CLI targets the right broker out of the box.
	cfg := config.Load()

	var (
		host, user, password, vhost string
		port                        int
		dlq, exchange, routingKey   string
		severityDefault, quarantine string
		limit                       int
		sleepSeconds                float64
		dryRun, verbose             bool
	)

	cmd := &cobra.Command{
		Use:   "dlq-reprocessor",
		Short: "Repair and republish dead-lettered log events",
		Long: "Drains the dead-letter queue one message at a time, re-normalizes each\n" +
			"event, fills missing tenant/severity/timestamp fields, stamps\n" +
			"dlq_reprocess=true and republishes to the main exchange. Bodies that are\n" +
			"not JSON are quarantined (or dropped) so they stop looping.",
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
			defer client.Close()

			channel, err := client.Channel()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep := reprocess.New(channel, reprocess.Options{
				DLQ:             dlq,
				Exchange:        exchange,
				RoutingKey:      routingKey,
				Limit:           limit,
				Sleep:           time.Duration(sleepSeconds * float64(time.Second)),
				DryRun:          dryRun,
				SeverityDefault: severityDefault,
				Quarantine:      quarantine,
				DefaultTenant:   cfg.DefaultTenant,
				Verbose:         verbose,
			}, logger, cmd.OutOrStdout())

			summary, runErr := rep.Run(ctx)
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return runErr
		},
	}

	cmd.Flags().StringVar(&host, "host", cfg.RabbitHost, "broker host")
	cmd.Flags().IntVar(&port, "port", cfg.RabbitPort, "broker port")
	cmd.Flags().StringVar(&user, "user", cfg.RabbitUser, "broker user")
	cmd.Flags().StringVar(&password, "password", cfg.RabbitPassword, "broker password")
	cmd.Flags().StringVar(&vhost, "vhost", cfg.RabbitVHost, "broker vhost")
	cmd.Flags().StringVar(&dlq, "dlq", cfg.DLQ, "dead-letter queue to drain")
	cmd.Flags().StringVar(&exchange, "exchange", cfg.Exchange, "exchange to republish to")
	cmd.Flags().StringVar(&routingKey, "routing-key", cfg.RoutingKey, "routing key for republished events")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum messages to drain (0 drains until empty)")
	cmd.Flags().Float64Var(&sleepSeconds, "sleep", 0, "seconds to pause between messages")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "requeue everything and print the plan instead of republishing")
	cmd.Flags().StringVar(&severityDefault, "severity-default", "info", "severity for events carrying none")
	cmd.Flags().StringVar(&quarantine, "quarantine", "", "queue for non-JSON bodies (empty drops them)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every dead-lettered body")
	return cmd
}

func main() {
	if err := newReprocessCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
