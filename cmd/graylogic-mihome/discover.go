package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/logging"
)

// Discover command flags
var (
	scanTimeout  time.Duration
	scanGateways []string
	jsonOutput   bool
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the local network for gateways or devices",
		Long: `Run a one-off discovery scan without starting the bridge service.

The scan opens the multicast socket itself, so stop a running bridge on the
same host first or use POST /api/v1/discovery/... on the running service.`,
	}
	cmd.PersistentFlags().DurationVar(&scanTimeout, "timeout", 0, "scan duration (default mihome.scan_timeout)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print candidates as JSON")

	gateways := &cobra.Command{
		Use:   "gateways",
		Short: "Find gateways answering a multicast whois",
		Example: `  # Default scan
  graylogic-mihome discover gateways

  # Longer scan on a busy network
  graylogic-mihome discover gateways --timeout 30s`,
		Args: cobra.NoArgs,
		RunE: runDiscoverGateways,
	}

	devices := &cobra.Command{
		Use:   "devices",
		Short: "List devices attached to configured gateways",
		Example: `  # All configured gateways
  graylogic-mihome discover devices

  # Two specific gateways, scanned concurrently
  graylogic-mihome discover devices --gateway 34ce0088db36 --gateway 7811dcb0f3e2`,
		Args: cobra.NoArgs,
		RunE: runDiscoverDevices,
	}
	devices.Flags().StringSliceVar(&scanGateways, "gateway", nil, "gateway sid to scan (repeatable; default all)")

	cmd.AddCommand(gateways, devices)
	return cmd
}

func runDiscoverGateways(cmd *cobra.Command, _ []string) error {
	return withScanBridge(cmd.Context(), false, func(ctx context.Context, b *mihome.Bridge) error {
		found, err := b.ScanGateways(ctx)
		if err != nil {
			return fmt.Errorf("gateway scan: %w", err)
		}
		return printCandidates(cmd.OutOrStdout(), found)
	})
}

func runDiscoverDevices(cmd *cobra.Command, _ []string) error {
	return withScanBridge(cmd.Context(), true, func(ctx context.Context, b *mihome.Bridge) error {
		found, err := scanDevices(ctx, b, scanGateways)
		if err != nil {
			return fmt.Errorf("device scan: %w", err)
		}
		return printCandidates(cmd.OutOrStdout(), found)
	})
}

// deviceScanner is the part of the bridge used by scanDevices.
type deviceScanner interface {
	ScanDevices(ctx context.Context, gateway string) ([]mihome.Candidate, error)
}

// scanDevices scans every listed gateway concurrently, or all gateways when
// none are listed.
func scanDevices(ctx context.Context, b deviceScanner, gateways []string) ([]mihome.Candidate, error) {
	if len(gateways) == 0 {
		return b.ScanDevices(ctx, "")
	}

	results := make([][]mihome.Candidate, len(gateways))
	g, gctx := errgroup.WithContext(ctx)
	for i, sid := range gateways {
		g.Go(func() error {
			found, err := b.ScanDevices(gctx, sid)
			if err != nil {
				return fmt.Errorf("gateway %s: %w", sid, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []mihome.Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// withScanBridge starts a bridge with no MQTT connection for the duration
// of fn. Sessions are started only when needed for device scans.
func withScanBridge(ctx context.Context, startSessions bool, fn func(context.Context, *mihome.Bridge) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	log := logging.New(logCfg, version)

	bcfg := scanBridgeConfig(cfg.MiHome, scanTimeout)
	if startSessions && len(bcfg.Gateways) == 0 {
		return fmt.Errorf("no gateways configured under mihome.gateways")
	}

	transport, err := mihome.NewTransport(transportConfig(cfg.MiHome))
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	transport.SetLogger(log.Component("transport"))
	defer transport.Close() //nolint:errcheck // Best-effort on exit

	bridge, err := mihome.NewBridge(mihome.BridgeOptions{
		Config:     bcfg,
		MQTTClient: discardMQTT{},
		Transport:  transport,
		Logger:     log.Component("mihome"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if startSessions {
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting bridge: %w", err)
		}
	}
	defer bridge.Stop()

	return fn(ctx, bridge)
}

// scanBridgeConfig derives the bridge settings for a one-off scan.
func scanBridgeConfig(cfg config.MiHomeConfig, timeout time.Duration) mihome.BridgeConfig {
	bcfg := bridgeConfig(cfg)
	if timeout > 0 {
		bcfg.ScanTimeout = timeout
	}
	return bcfg
}

// printCandidates writes found as a table, or JSON with --json.
func printCandidates(w io.Writer, found []mihome.Candidate) error {
	if found == nil {
		found = []mihome.Candidate{}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Gateway != found[j].Gateway {
			return found[i].Gateway < found[j].Gateway
		}
		return found[i].ID < found[j].ID
	})

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	if len(found) == 0 {
		fmt.Fprintln(w, "No candidates found.")
		fmt.Fprintln(w, "\nTroubleshooting:")
		fmt.Fprintln(w, "  - Enable the LAN protocol in the Mi Home app (developer mode)")
		fmt.Fprintln(w, "  - Check the host and gateway share a multicast-capable network")
		fmt.Fprintln(w, "  - Try --timeout 30s or set mihome.interface")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tLABEL\tGATEWAY\tADDRESS\tPROPERTIES")
	for _, c := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.ThingType, c.Label, dash(c.Gateway), dash(c.Address), formatProperties(c.Properties))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d candidate(s)\n", len(found))
	return nil
}

func formatProperties(props map[string]string) string {
	if len(props) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + props[k]
	}
	return strings.Join(parts, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// discardMQTT satisfies mihome.MQTTClient for one-off scans that run
// without a broker.
type discardMQTT struct{}

func (discardMQTT) Publish(string, []byte, byte, bool) error { return nil }

func (discardMQTT) Subscribe(string, byte, func(string, []byte)) error { return nil }

func (discardMQTT) IsConnected() bool { return false }
