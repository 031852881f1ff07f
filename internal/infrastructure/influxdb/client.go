package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	// bridgeTag is added to every point so several bridges can share a bucket.
	bridgeTag = "bridge"
)

// Client writes Mi Home telemetry to one InfluxDB bucket.
//
// Every point carries a bridge=<id> tag. Writes go through the library's
// batching WriteAPI and never block; delivery failures surface through
// SetOnError.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bridgeID string

	closed atomic.Bool

	mu      sync.Mutex
	onError func(err error)
}

// Connect pings the server and opens a batching write API tagged with
// bridgeID. It returns ErrDisabled when cfg.Enabled is false.
func Connect(cfg config.InfluxDBConfig, bridgeID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg, bridgeID))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bridgeID: bridgeID,
	}
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps the batching settings onto library options. Non-positive
// values fall back to the defaults.
func clientOptions(cfg config.InfluxDBConfig, bridgeID string) *influxdb2.Options {
	batch := defaultBatchSize
	if cfg.BatchSize > 0 {
		batch = cfg.BatchSize
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).                   // #nosec G115 -- positive by construction
		SetFlushInterval(uint(flush.Milliseconds())) // #nosec G115 -- positive by construction
	if bridgeID != "" {
		opts.AddDefaultTag(bridgeTag, bridgeID)
	}
	return opts
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// BridgeID returns the value of the bridge tag on written points.
func (c *Client) BridgeID() string {
	return c.bridgeID
}

// Close flushes pending points and releases the connection. Safe on a nil
// client and safe to call twice.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// SetOnError sets a callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush sends buffered points now. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
