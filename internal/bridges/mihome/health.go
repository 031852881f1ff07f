package mihome

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// defaultHealthInterval is how often health is published.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthSource supplies the figures a health message reports.
type HealthSource interface {
	TransportStats() TransportStats
	GatewayHealth() []GatewayHealth
}

// HealthReporter publishes bridge health to MQTT at a fixed interval.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	source    HealthSource

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	log logSink
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Source    HealthSource
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop
// is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.log.set(logger)
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the MQTT Last Will payload for this bridge.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.log.get().Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.source == nil {
		return HealthHealthy, ""
	}

	gateways := h.source.GatewayHealth()
	if len(gateways) == 0 {
		return HealthDegraded, "no gateways configured"
	}
	if !h.source.TransportStats().Open {
		return HealthUnhealthy, "multicast socket closed"
	}

	offline := 0
	firstOffline := ""
	for _, g := range gateways {
		if g.State == StateOffline {
			offline++
			if firstOffline == "" {
				firstOffline = g.Gateway
			}
		}
	}

	switch {
	case offline == len(gateways):
		return HealthUnhealthy, "all gateways offline"
	case offline > 0:
		return HealthDegraded, fmt.Sprintf("%d of %d gateways offline (first: %s)", offline, len(gateways), firstOffline)
	}
	return HealthHealthy, ""
}

// publishStatus publishes a health status message (QoS 1, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Bridge:        h.bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}

	if h.source != nil {
		stats := h.source.TransportStats()
		msg.Statistics = &BridgeStatistics{
			SocketOpen:       stats.Open,
			MessagesReceived: stats.MessagesRx,
			MessagesSent:     stats.MessagesTx,
			DecodeErrors:     stats.DecodeErrors,
			Dropped:          stats.Dropped,
			Errors:           stats.ErrorsTotal,
		}
		msg.Gateways = h.source.GatewayHealth()
		for _, g := range msg.Gateways {
			msg.Devices += g.Devices
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}
