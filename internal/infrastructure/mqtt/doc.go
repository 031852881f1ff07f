// Package mqtt provides the broker connection used by the Mi Home bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and payload limits
//   - Tracked subscriptions, restored after reconnect
//   - Last Will and Testament, either the bridge's own health document
//     or a generic per-client status message
//
// # Architecture
//
// Gray Logic uses MQTT as its internal bus. The Mi Home bridge publishes
// device state and gateway status, and receives commands and requests:
//
//	Mi Home gateways ↔ UDP engine ↔ Bridge ↔ MQTT Broker ↔ Gray Logic Core
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) for anything beyond a local broker
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:   mqtt.Topics{}.BridgeHealth("mihome"),
//	    Payload: lwt,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeStates("mihome"), 1,
//	    func(topic string, payload []byte) error {
//	        fmt.Printf("%s %s\n", topic, payload)
//	        return nil
//	    })
package mqtt
