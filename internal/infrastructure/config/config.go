package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Mi Home bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	MiHome    MiHomeConfig    `yaml:"mihome"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	TLS       TLSConfig        `yaml:"tls"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	Advertise AdvertiseConfig  `yaml:"advertise"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AdvertiseConfig controls mDNS advertisement of the API on the LAN.
type AdvertiseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// TokenTTL is the default lifetime of minted API tokens (minutes).
	TokenTTL int `yaml:"token_ttl"`
}

// MiHomeConfig contains the Mi Home gateway bridge settings.
type MiHomeConfig struct {
	// BridgeID identifies this bridge in health and discovery messages.
	BridgeID string `yaml:"bridge_id"`

	// MulticastGroup is the group gateways announce on.
	// Default: "224.0.0.50"
	MulticastGroup string `yaml:"multicast_group"`

	// Port is the local UDP port reports arrive on.
	// Default: 9898
	Port int `yaml:"port"`

	// MulticastPort is the destination port for whois.
	// Default: 4321
	MulticastPort int `yaml:"multicast_port"`

	// Interface restricts the multicast join to one network interface.
	// Empty joins on every multicast-capable interface.
	Interface string `yaml:"interface"`

	Gateways []GatewayConfig `yaml:"gateways"`

	// LivenessInterval is how often gateway liveness is evaluated.
	// Default: 10s
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	// GatewayOnlineTimeout is how long a silent gateway stays online.
	// Default: 30s
	GatewayOnlineTimeout time.Duration `yaml:"gateway_online_timeout"`

	// DeviceOnlineTimeout is how long a silent device stays online.
	// Default: 24h
	DeviceOnlineTimeout time.Duration `yaml:"device_online_timeout"`

	// DiscoveryInterval is the minimum gap between device list requests.
	// Default: 10s
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// ScanTimeout bounds a discovery scan.
	// Default: 10s
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// HealthInterval is how often bridge health is published.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`

	// HistoryRetention is how long device reports are kept.
	// Default: 720h (30 days)
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// GatewayConfig identifies one gateway.
type GatewayConfig struct {
	SID  string `yaml:"sid"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Key is the developer key from the Mi Home app. Prefer
	// GRAYLOGIC_MIHOME_KEY over storing it in the file.
	Key string `yaml:"key"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_MIHOME_INTERFACE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyGatewayDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/mihome.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-mihome",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8091,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Advertise: AdvertiseConfig{
				Instance: "Gray Logic Mi Home",
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 1440,
			},
		},
		MiHome: MiHomeConfig{
			BridgeID:             "mihome-bridge-01",
			MulticastGroup:       "224.0.0.50",
			Port:                 9898,
			MulticastPort:        4321,
			LivenessInterval:     10 * time.Second,
			GatewayOnlineTimeout: 30 * time.Second,
			DeviceOnlineTimeout:  24 * time.Hour,
			DiscoveryInterval:    10 * time.Second,
			ScanTimeout:          10 * time.Second,
			HealthInterval:       30 * time.Second,
			HistoryRetention:     30 * 24 * time.Hour,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Mi Home
	if v := os.Getenv("GRAYLOGIC_MIHOME_INTERFACE"); v != "" {
		cfg.MiHome.Interface = v
	}
	if v := os.Getenv("GRAYLOGIC_MIHOME_KEY"); v != "" {
		for i := range cfg.MiHome.Gateways {
			if cfg.MiHome.Gateways[i].Key == "" {
				cfg.MiHome.Gateways[i].Key = v
			}
		}
	}
}

// applyGatewayDefaults fills in the default unicast port.
func (c *Config) applyGatewayDefaults() {
	for i := range c.MiHome.Gateways {
		if c.MiHome.Gateways[i].Port == 0 {
			c.MiHome.Gateways[i].Port = 9898
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The JWT secret guards gateway writes, which operate physical devices.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	errs = append(errs, c.MiHome.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (m *MiHomeConfig) validate() []string {
	var errs []string

	if ip := net.ParseIP(m.MulticastGroup).To4(); ip == nil || !ip.IsMulticast() {
		errs = append(errs, fmt.Sprintf("mihome.multicast_group %q is not an IPv4 multicast address", m.MulticastGroup))
	}
	if m.Port < 1 || m.Port > 65535 {
		errs = append(errs, "mihome.port must be between 1 and 65535")
	}
	if m.MulticastPort < 1 || m.MulticastPort > 65535 {
		errs = append(errs, "mihome.multicast_port must be between 1 and 65535")
	}

	seen := make(map[string]bool, len(m.Gateways))
	for i, gw := range m.Gateways {
		switch {
		case gw.SID == "":
			errs = append(errs, fmt.Sprintf("mihome.gateways[%d].sid is required", i))
		case seen[gw.SID]:
			errs = append(errs, fmt.Sprintf("mihome.gateways[%d].sid %q is duplicated", i, gw.SID))
		}
		seen[gw.SID] = true
		if gw.Host == "" {
			errs = append(errs, fmt.Sprintf("mihome.gateways[%d].host is required", i))
		}
		if gw.Port < 1 || gw.Port > 65535 {
			errs = append(errs, fmt.Sprintf("mihome.gateways[%d].port must be between 1 and 65535", i))
		}
		if gw.Key != "" && len(gw.Key) != 16 {
			errs = append(errs, fmt.Sprintf("mihome.gateways[%d].key must be 16 characters", i))
		}
	}

	if m.GatewayOnlineTimeout > 0 && m.LivenessInterval > 0 && m.GatewayOnlineTimeout < m.LivenessInterval {
		errs = append(errs, "mihome.gateway_online_timeout must not be shorter than mihome.liveness_interval")
	}
	if m.HistoryRetention < 0 {
		errs = append(errs, "mihome.history_retention must not be negative")
	}

	return errs
}

// ReadDuration returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadDuration() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteDuration returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteDuration() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleDuration returns the idle timeout as a Duration.
func (t APITimeoutConfig) IdleDuration() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// GetTokenTTL returns the default API token lifetime.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.TokenTTL) * time.Minute
}
