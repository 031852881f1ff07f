package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/mqtt"
)

// watchRaw prints payloads exactly as received.
var watchRaw bool

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print bridge traffic from the MQTT broker",
		Long: `Subscribe to every Mi Home topic on the configured broker (state,
command, health and discovery) and print messages until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().BoolVar(&watchRaw, "raw", false, "print payloads without indentation")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A fixed client ID would kick the running bridge off the broker.
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = watchClientID(mqttCfg.Broker.ClientID)

	client, err := mqtt.Connect(mqttCfg, nil)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer client.Close() //nolint:errcheck // Best-effort on exit

	out := &messagePrinter{w: cmd.OutOrStdout(), raw: watchRaw}
	topic := mqtt.Topics{}.AllBridgeTopics(mihome.Protocol)
	if err := client.Subscribe(topic, 0, out.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s on %s:%d (Ctrl+C to stop)\n", topic, cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)

	<-cmd.Context().Done()
	return nil
}

// watchClientID derives a per-process client ID from the configured one.
func watchClientID(base string) string {
	if base == "" {
		base = "graylogic-mihome"
	}
	return base + "-watch-" + uuid.NewString()[:8]
}

// messagePrinter writes one block per received message.
type messagePrinter struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
	now func() time.Time
}

func (p *messagePrinter) handle(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now
	if p.now != nil {
		now = p.now
	}

	body := payload
	if !p.raw {
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}
	_, err := fmt.Fprintf(p.w, "%s %s\n%s\n", now().Format(time.RFC3339), topic, body)
	return err
}
