package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string      `yaml:"port"`
	Environment    string      `yaml:"environment"`
	AllowedOrigins []string    `yaml:"allowed_origins"`
	JWTSecret      string      `yaml:"jwt_secret"`
	TextPort       string      `yaml:"text_port"`
	Redis          RedisConfig `yaml:"redis"`
	MQTT           MQTTConfig  `yaml:"mqtt"`
	Peer           PeerConfig  `yaml:"peer"`
}

type RedisConfig struct {
	// Enabled stores address claims in redis so several relays can share them.
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQTTConfig struct {
	// Broker enables the MQTT bridge when set, e.g. tcp://localhost:1883.
	Broker string `yaml:"broker"`
	Prefix string `yaml:"prefix"`
}

// PeerConfig is used by the rtcpeer client.
type PeerConfig struct {
	SignalingURL     string        `yaml:"signaling_url"`
	ICEServers       []string      `yaml:"ice_servers"`
	MaxICERestarts   int           `yaml:"max_ice_restarts"`
	SignalingTimeout time.Duration `yaml:"signaling_timeout"`
	UpdateInterval   time.Duration `yaml:"update_interval"`
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TextPort:       getEnv("TEXT_PORT", ""),
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		MQTT: MQTTConfig{
			Broker: getEnv("MQTT_BROKER", ""),
			Prefix: getEnv("MQTT_PREFIX", "rtcnet/relay"),
		},
		Peer: PeerConfig{
			SignalingURL:     getEnv("SIGNALING_URL", "ws://localhost:8080/ws/signal"),
			ICEServers:       splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
			MaxICERestarts:   getEnvInt("MAX_ICE_RESTARTS", 2),
			SignalingTimeout: getEnvDuration("SIGNALING_TIMEOUT", 60*time.Second),
			UpdateInterval:   getEnvDuration("UPDATE_INTERVAL", 50*time.Millisecond),
		},
	}
}

// LoadFile reads the environment like Load, then overlays the YAML file at
// path. Keys missing from the file keep their environment value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
