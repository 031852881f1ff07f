// Package mihome implements the Xiaomi Mi Home gateway bridge for Gray Logic.
//
// Mi Home gateways announce themselves and their attached Zigbee sensors over
// a local UDP multicast protocol. This package owns that conversation and
// translates it to Gray Logic's MQTT representation.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   UDP 224.0.0.50:9898
//	│   Gray Logic    │   MQTT   │  Mi Home Bridge │◄───────────────────► Gateways
//	│      Core       │◄────────►│   (this pkg)    │   unicast/multicast
//	└─────────────────┘          └─────────────────┘
//
// Inside the bridge, one Transport owns the multicast socket and is shared by
// every consumer:
//
//	Transport ──► Session (one per gateway) ──► item listeners (Bridge, DeviceScanner)
//	          └─► GatewayScanner
//
// # Key Responsibilities
//
//   - Reference-counted multicast socket with a single receive loop
//   - Encode and decode the JSON command envelope (cmd/sid/model/token/data)
//   - Enumerate devices per gateway (get_id_list, then read per id)
//   - Track gateway and device liveness from message recency
//   - Encrypted writes using the rotating gateway token
//   - Time-boxed discovery scans for gateways and devices
//   - Publish state, acks, discovery results and health over MQTT
//
// # Wire Format
//
// Every datagram is a JSON object with a "cmd" field. Device payloads travel
// as an embedded JSON string in "data":
//
//	{"cmd":"read_ack","model":"sensor_ht","sid":"158d0001","data":"{\"temperature\":\"2150\"}"}
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - Gateway LAN protocol: https://github.com/louisZL/lumi-gateway-local-api
package mihome
