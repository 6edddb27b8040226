package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/praxis/a2a-router/pkg/utils"
)

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(path string, logger *logrus.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = logrus.New()
	}
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("Configuration file %s not found, using defaults", path)
		applyEnvironmentOverrides(config, logger)
		if err := validateConfig(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// ${VAR} references let secrets such as database URLs stay out of the file.
	configString := utils.ExpandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(config, logger)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Infof("Loaded configuration from %s", path)
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *AppConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// validateConfig checks if the configuration is valid
func validateConfig(config *AppConfig) error {
	if config.RouterID == "" {
		return fmt.Errorf("router_id cannot be empty")
	}

	if err := config.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if config.Router.MaxQueueSize < 0 {
		return fmt.Errorf("router.max_queue_size cannot be negative")
	}
	if config.Router.MaxFanOut < 0 {
		return fmt.Errorf("router.max_fan_out cannot be negative")
	}

	seen := make(map[string]bool, len(config.Rules.Custom))
	for i, rule := range config.Rules.Custom {
		if rule.ID == "" {
			return fmt.Errorf("rules.custom[%d]: id cannot be empty", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rules.custom[%d]: duplicate id %q", i, rule.ID)
		}
		seen[rule.ID] = true
		if !rule.Action.Kind.Valid() {
			return fmt.Errorf("rules.custom[%d]: unknown action kind %q", i, rule.Action.Kind)
		}
	}

	switch config.Security.ReplayStore {
	case "", "memory":
	case "redis":
		if config.Security.RedisURL == "" {
			return fmt.Errorf("security.redis_url must be set when replay_store is redis")
		}
	default:
		return fmt.Errorf("security.replay_store must be 'memory' or 'redis', got '%s'", config.Security.ReplayStore)
	}
	for i, key := range config.Security.LocalKeys {
		if key.AgentID == "" || key.PrivateKeyPath == "" {
			return fmt.Errorf("security.local_keys[%d]: agent_id and private_key_path are required", i)
		}
	}

	switch config.Discovery.Store {
	case "", "memory":
	case "postgres":
		if config.Discovery.PostgresURL == "" {
			return fmt.Errorf("discovery.postgres_url must be set when store is postgres")
		}
	default:
		return fmt.Errorf("discovery.store must be 'memory' or 'postgres', got '%s'", config.Discovery.Store)
	}
	for _, endpoint := range config.Discovery.ExternalEndpoints {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("discovery.external_endpoints: %q is not an http(s) URL", endpoint)
		}
	}

	if mqttCfg := config.Transports.MQTT; mqttCfg.Enabled {
		if mqttCfg.QoS > 2 {
			return fmt.Errorf("transports.mqtt.qos must be 0, 1 or 2")
		}
		for i, sub := range mqttCfg.Subscriptions {
			if sub.URL == "" && (sub.Broker == "" || sub.Topic == "") {
				return fmt.Errorf("transports.mqtt.subscriptions[%d]: url or broker and topic are required", i)
			}
		}
	}
	if config.Transports.P2P.Enabled && len(config.Transports.P2P.ListenAddrs) == 0 {
		return fmt.Errorf("transports.p2p.listen_addrs cannot be empty when p2p is enabled")
	}

	if config.HTTP.Enabled {
		if config.HTTP.Port <= 0 || config.HTTP.Port > 65535 {
			return fmt.Errorf("http.port must be between 1 and 65535, got %d", config.HTTP.Port)
		}
		if config.HTTP.RateLimit < 0 {
			return fmt.Errorf("http.rate_limit cannot be negative")
		}
	}

	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func applyEnvironmentOverrides(config *AppConfig, logger *logrus.Logger) {
	config.RouterID = utils.GetEnv("A2A_ROUTER_ID", config.RouterID)

	config.Router.RequireSignatures = utils.BoolFromEnv("A2A_REQUIRE_SIGNATURES", config.Router.RequireSignatures)
	config.Router.EnableEncryption = utils.BoolFromEnv("A2A_ENABLE_ENCRYPTION", config.Router.EnableEncryption)
	if d, ok := utils.DurationFromEnv("A2A_MESSAGE_TIMEOUT", config.Router.MessageTimeout); ok {
		config.Router.MessageTimeout = d
	} else {
		logger.Warnf("Invalid A2A_MESSAGE_TIMEOUT: %s", os.Getenv("A2A_MESSAGE_TIMEOUT"))
	}

	if url := os.Getenv("A2A_REDIS_URL"); url != "" {
		config.Security.RedisURL = url
		config.Security.ReplayStore = "redis"
	}
	if url := os.Getenv("A2A_POSTGRES_URL"); url != "" {
		config.Discovery.PostgresURL = url
		config.Discovery.Store = "postgres"
	}
	config.Discovery.ExternalEndpoints = utils.ListFromEnv("A2A_DISCOVERY_ENDPOINTS", config.Discovery.ExternalEndpoints)

	config.Transports.MQTT.Enabled = utils.BoolFromEnv("A2A_MQTT_ENABLED", config.Transports.MQTT.Enabled)
	config.Transports.P2P.Enabled = utils.BoolFromEnv("A2A_P2P_ENABLED", config.Transports.P2P.Enabled)
	if listen := os.Getenv("A2A_GRPC_LISTEN"); listen != "" {
		config.Transports.GRPC.Enabled = true
		config.Transports.GRPC.Listen = listen
	}

	config.HTTP.Host = utils.GetEnv("A2A_HTTP_HOST", config.HTTP.Host)
	if port, ok := utils.IntFromEnv("A2A_HTTP_PORT", config.HTTP.Port); ok {
		config.HTTP.Port = port
	} else {
		logger.Warnf("Invalid A2A_HTTP_PORT: %s", os.Getenv("A2A_HTTP_PORT"))
	}

	config.Logging.Level = utils.GetEnv("A2A_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = utils.GetEnv("A2A_LOG_FORMAT", config.Logging.Format)
}
