// Package influxdb provides optional time-series output for the Mi Home bridge.
//
// It wraps the official influxdb-client-go v2 library and records:
//   - Numeric readings from device reports (temperature, humidity, voltage)
//   - Gateway online/offline transitions
//   - Transport counters (received, dropped, decode errors)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.MiHome.BridgeID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("158d0001a2b3c4", "temperature", 21.5)
//	go client.SampleTransport(ctx, time.Minute, sampleCounters)
//
// Every point carries a bridge=<id> tag so several bridges can share one
// bucket.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched per the batch_size and flush_interval settings; failures are
// reported through SetOnError.
package influxdb
