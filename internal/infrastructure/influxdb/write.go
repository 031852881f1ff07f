package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementDevice    = "mihome_device"
	measurementGateway   = "mihome_gateway"
	measurementTransport = "mihome_transport"
)

// TransportCounters is one sample of the gateway socket counters.
// Counters are cumulative since the bridge started.
type TransportCounters struct {
	Open         bool
	Listeners    int
	MessagesRx   uint64
	MessagesTx   uint64
	DecodeErrors uint64
	Dropped      uint64
	Reopens      uint64
}

// WriteDeviceMetric records one numeric reading from a Mi Home device.
// Readings are tagged by device SID and report field, giving one series per
// sensor value:
//
//	client.WriteDeviceMetric("158d0001a2b3c4", "temperature", 21.5)
func (c *Client) WriteDeviceMetric(deviceID string, field string, value float64) {
	c.write(measurementDevice,
		map[string]string{"sid": deviceID, "field": field},
		map[string]interface{}{"value": value},
	)
}

// WriteGatewayStatus records a gateway online/offline transition.
func (c *Client) WriteGatewayStatus(gateway string, online bool) {
	c.write(measurementGateway,
		map[string]string{"gateway": gateway},
		map[string]interface{}{"online": online},
	)
}

// WriteTransportStats records one sample of the socket counters. The only
// tag is the bridge tag every point carries.
func (c *Client) WriteTransportStats(s TransportCounters) {
	c.write(measurementTransport, nil, transportFields(s))
}

// SampleTransport writes sample() every interval until ctx ends.
func (c *Client) SampleTransport(ctx context.Context, interval time.Duration, sample func() TransportCounters) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.WriteTransportStats(sample())
		}
	}
}

func transportFields(s TransportCounters) map[string]interface{} {
	return map[string]interface{}{
		"open":          s.Open,
		"listeners":     s.Listeners,
		"messages_rx":   int64(s.MessagesRx),   //nolint:gosec // counters stay far below MaxInt64
		"messages_tx":   int64(s.MessagesTx),   //nolint:gosec // counters stay far below MaxInt64
		"decode_errors": int64(s.DecodeErrors), //nolint:gosec // counters stay far below MaxInt64
		"dropped":       int64(s.Dropped),      //nolint:gosec // counters stay far below MaxInt64
		"reopens":       int64(s.Reopens),      //nolint:gosec // counters stay far below MaxInt64
	}
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
