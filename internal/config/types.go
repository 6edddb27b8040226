package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxis/a2a-router/internal/router"
	"github.com/praxis/a2a-router/internal/security"
	"github.com/praxis/a2a-router/pkg/utils"
)

// AppConfig is the main configuration structure for the application
type AppConfig struct {
	RouterID   string           `yaml:"router_id" json:"router_id"`
	Router     router.Config    `yaml:"router" json:"router"`
	Rules      RulesConfig      `yaml:"rules" json:"rules"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
	Discovery  DiscoveryConfig  `yaml:"discovery" json:"discovery"`
	Transports TransportsConfig `yaml:"transports" json:"transports"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Logging    utils.LogConfig  `yaml:"logging" json:"logging"`
}

// RulesConfig lists routing rules added on top of (or instead of) the
// built-in ones.
type RulesConfig struct {
	IncludeDefaults bool          `yaml:"include_defaults" json:"include_defaults"`
	Custom          []router.Rule `yaml:"custom,omitempty" json:"custom,omitempty"`
}

type SecurityConfig struct {
	MaxClockSkew   time.Duration `yaml:"max_clock_skew" json:"max_clock_skew"`
	KeyCacheSize   int           `yaml:"key_cache_size" json:"key_cache_size"`
	ReplayWindow   time.Duration `yaml:"replay_window" json:"replay_window"`
	ReplayCapacity int           `yaml:"replay_capacity" json:"replay_capacity"`
	ReplayStore    string        `yaml:"replay_store" json:"replay_store"`
	RedisURL       string        `yaml:"redis_url" json:"redis_url"`
	DIDCacheTTL    time.Duration `yaml:"did_cache_ttl" json:"did_cache_ttl"`

	// LocalKeys are private keys of agents served by this router, used to
	// decrypt messages before local delivery.
	LocalKeys []LocalKeyConfig `yaml:"local_keys,omitempty" json:"local_keys,omitempty"`
}

type LocalKeyConfig struct {
	AgentID        string `yaml:"agent_id" json:"agent_id"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`
}

type DiscoveryConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheMaxSize      int           `yaml:"cache_max_size" json:"cache_max_size"`
	RefreshInterval   time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	ExternalEndpoints []string      `yaml:"external_endpoints,omitempty" json:"external_endpoints,omitempty"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" json:"http_timeout"`
	Store             string        `yaml:"store" json:"store"`
	PostgresURL       string        `yaml:"postgres_url" json:"postgres_url"`
}

type TransportsConfig struct {
	HTTPTimeout time.Duration   `yaml:"http_timeout" json:"http_timeout"`
	WebSocket   WebSocketConfig `yaml:"websocket" json:"websocket"`
	GRPC        GRPCConfig      `yaml:"grpc" json:"grpc"`
	MQTT        MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	P2P         P2PConfig       `yaml:"p2p" json:"p2p"`
}

type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

type GRPCConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Listen is the inbound server address; empty disables the server but
	// keeps the client.
	Listen string `yaml:"listen" json:"listen"`
}

type MQTTConfig struct {
	Enabled        bool               `yaml:"enabled" json:"enabled"`
	ClientIDPrefix string             `yaml:"client_id_prefix" json:"client_id_prefix"`
	QoS            byte               `yaml:"qos" json:"qos"`
	Username       string             `yaml:"username" json:"username"`
	Password       string             `yaml:"password" json:"password"`
	Timeout        time.Duration      `yaml:"timeout" json:"timeout"`
	Subscriptions  []MQTTSubscription `yaml:"subscriptions,omitempty" json:"subscriptions,omitempty"`
}

// MQTTSubscription is an inbound topic. Accepts either an endpoint string
// ("mqtt://broker:1883/a2a/inbox") or a mapping with broker and topic.
type MQTTSubscription struct {
	Broker string `yaml:"broker" json:"broker"`
	Topic  string `yaml:"topic" json:"topic"`
	URL    string `yaml:"url" json:"url"`
}

// UnmarshalYAML allows MQTTSubscription to accept scalar (URL) or mapping values.
func (s *MQTTSubscription) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = MQTTSubscription{URL: value.Value}
		return nil
	case yaml.MappingNode:
		type raw MQTTSubscription
		var r raw
		if err := value.Decode(&r); err != nil {
			return err
		}
		*s = MQTTSubscription(r)
		return nil
	default:
		return fmt.Errorf("invalid mqtt subscription entry: kind %d", value.Kind)
	}
}

type P2PConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	ListenAddrs []string `yaml:"listen_addrs" json:"listen_addrs"`
}

type HTTPConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	RateLimit   float64  `yaml:"rate_limit" json:"rate_limit"`
	Burst       int      `yaml:"burst" json:"burst"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		RouterID: "a2a-router",
		Router: router.Config{
			MaxQueueSize:      router.DefaultMaxQueueSize,
			MessageTimeout:    router.DefaultMessageTimeout,
			CleanupInterval:   router.DefaultCleanupInterval,
			SessionInactivity: router.DefaultSessionInactivity,
			DuplicateCapacity: router.DefaultDuplicateCapacity,
			SendTimeout:       router.DefaultSendTimeout,
			EnableEncryption:  true,
		},
		Rules: RulesConfig{
			IncludeDefaults: true,
		},
		Security: SecurityConfig{
			MaxClockSkew:   security.DefaultMaxClockSkew,
			KeyCacheSize:   security.DefaultKeyCacheSize,
			ReplayCapacity: security.DefaultReplayCapacity,
			ReplayStore:    "memory",
			DIDCacheTTL:    5 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			CacheTTL:        5 * time.Minute,
			CacheMaxSize:    1000,
			RefreshInterval: time.Minute,
			HTTPTimeout:     10 * time.Second,
			Store:           "memory",
		},
		Transports: TransportsConfig{
			HTTPTimeout: 30 * time.Second,
			WebSocket: WebSocketConfig{
				Enabled:          true,
				HandshakeTimeout: 10 * time.Second,
			},
			MQTT: MQTTConfig{
				ClientIDPrefix: "a2a-router",
				QoS:            1,
				Timeout:        10 * time.Second,
			},
			P2P: P2PConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001"},
			},
		},
		HTTP: HTTPConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8080,
			RateLimit:   100,
			Burst:       200,
			CORSOrigins: []string{"*"},
		},
		Logging: utils.DefaultLogConfig(),
	}
}
