// Package config handles loading and validating the Mi Home bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields, including every configured gateway
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, JWT secret, gateway keys) should be set
//     via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MiHome.BridgeID)
package config
