// Package main publishes synthetic log events to the ingestion exchange
// for end-to-end smoke tests: a clean canonical event, a raw Fortinet
// syslog line, a non-JSON body that must end up in the DLQ, or a body
// piped on stdin.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/broker"
	"github.com/Sebastian25gb/nubla-siem/internal/config"
)

func newPublishCommand() *cobra.Command {
	cfg := config.Load()

	var (
		host, user, password, vhost string
		port                        int
		exchange, routingKey        string
		sample                      string
		count                       int
	)

	cmd := &cobra.Command{
		Use:           "publish-test",
		Short:         "Publish synthetic events to the ingestion exchange",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, contentType, err := sampleBody(sample, cmd.InOrStdin())
			if err != nil {
				return err
			}

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

			for i := 0; i < count; i++ {
				pub := amqp.Publishing{
					ContentType:  contentType,
					DeliveryMode: amqp.Persistent,
					MessageId:    uuid.NewString(),
					Timestamp:    time.Now(),
					Body:         body,
				}
				if err := channel.Publish(exchange, routingKey, false, false, pub); err != nil {
					return fmt.Errorf("publish to %s: %w", exchange, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d %q event(s) to %s with key %s\n",
				count, sample, exchange, routingKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", cfg.RabbitHost, "broker host")
	cmd.Flags().IntVar(&port, "port", cfg.RabbitPort, "broker port")
	cmd.Flags().StringVar(&user, "user", cfg.RabbitUser, "broker user")
	cmd.Flags().StringVar(&password, "password", cfg.RabbitPassword, "broker password")
	cmd.Flags().StringVar(&vhost, "vhost", cfg.RabbitVHost, "broker vhost")
	cmd.Flags().StringVar(&exchange, "exchange", cfg.Exchange, "exchange to publish to")
	cmd.Flags().StringVar(&routingKey, "routing-key", cfg.RoutingKey, "routing key")
	cmd.Flags().StringVar(&sample, "sample", "valid", "sample to publish: valid, fortinet, invalid or stdin")
	cmd.Flags().IntVar(&count, "count", 1, "number of copies to publish")
	return cmd
}

// sampleBody renders one of the built-in payloads, or reads one from stdin.
func sampleBody(kind string, stdin io.Reader) ([]byte, string, error) {
	switch kind {
	case "valid":
		body, err := json.Marshal(map[string]any{
			"tenant_id": "default",
			"message":   "heartbeat from publish-test",
			"severity":  "info",
			"host":      "publish-test",
		})
		return body, "application/json", err
	case "fortinet":
		line := `<189>devname=DelawareHotel devid=FG100ETK18001234 ` +
			`msg="anomaly detected" eventtime=1762958299127000000 severity=CRITICAL ` +
			`srcip=1.2.3.4 srcport=443 dstip=10.0.0.5 dstport=8443 proto=TCP ` +
			`attack="Port.Scan" srccountry="United States"`
		body, err := json.Marshal(map[string]any{"message": line})
		return body, "application/json", err
	case "invalid":
		// Exercises the rejection path end to end.
		return []byte("this is not json at all"), "text/plain", nil
	case "stdin":
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return body, "application/json", nil
	default:
		return nil, "", fmt.Errorf("unknown sample %q (valid, fortinet, invalid or stdin)", kind)
	}
}

func main() {
	if err := newPublishCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
