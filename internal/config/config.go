package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay process configuration. Values come from built-in
// defaults, then the optional YAML file named by RELAY_CONFIG, then the
// environment.
type Config struct {
	Server struct {
		Host           string   `yaml:"host"`
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Maps struct {
		// Store selects the backend: file, redis, postgres or s3.
		Store        string        `yaml:"store"`
		File         string        `yaml:"file"`
		SaveDebounce time.Duration `yaml:"save_debounce"`
		RedisKey     string        `yaml:"redis_key"`
	} `yaml:"maps"`

	Redis struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	S3 struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Object    string `yaml:"object"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"s3"`

	Rooms struct {
		ProbeWindow  time.Duration `yaml:"probe_window"`
		IdleTTL      time.Duration `yaml:"idle_ttl"`
		ReapInterval time.Duration `yaml:"reap_interval"`
	} `yaml:"rooms"`

	RateLimit struct {
		// ConnectPerMinute caps websocket handshakes per remote IP. 0 disables.
		ConnectPerMinute int `yaml:"connect_per_minute"`
	} `yaml:"rate_limit"`

	Legacy struct {
		Broadcast   bool `yaml:"broadcast"`
		Passthrough bool `yaml:"passthrough"`
	} `yaml:"legacy"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = "8080"

	cfg.Maps.Store = "file"
	cfg.Maps.File = "data/maps.json"
	cfg.Maps.SaveDebounce = 500 * time.Millisecond
	cfg.Maps.RedisKey = "lightrelay:maps"

	cfg.S3.Endpoint = "localhost:9000"
	cfg.S3.AccessKey = "minioadmin"
	cfg.S3.SecretKey = "minioadmin"
	cfg.S3.Bucket = "lightrelay"
	cfg.S3.Region = "us-east-1"
	cfg.S3.Object = "maps.json"

	cfg.Rooms.ProbeWindow = 800 * time.Millisecond
	cfg.Rooms.IdleTTL = 30 * time.Minute
	cfg.Rooms.ReapInterval = 5 * time.Minute

	cfg.MQTT.ClientID = "lightrelay"
	cfg.MQTT.TopicPrefix = "lightrelay"
	cfg.MQTT.QoS = 1

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load builds the configuration from defaults, RELAY_CONFIG and the
// environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Server.Host = getEnvOrDefault("HOST", c.Server.Host)
	c.Server.Port = getEnvOrDefault("PORT", c.Server.Port)
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = ParseOrigins(v)
	}

	c.Maps.Store = getEnvOrDefault("MAP_STORE", c.Maps.Store)
	c.Maps.File = getEnvOrDefault("MAP_FILE", c.Maps.File)
	c.Maps.RedisKey = getEnvOrDefault("MAP_REDIS_KEY", c.Maps.RedisKey)

	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Database.URL = getEnvOrDefault("DATABASE_URL", c.Database.URL)

	c.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Bucket = getEnvOrDefault("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnvOrDefault("S3_REGION", c.S3.Region)
	c.S3.Object = getEnvOrDefault("S3_OBJECT", c.S3.Object)

	c.MQTT.Broker = getEnvOrDefault("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnvOrDefault("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnvOrDefault("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnvOrDefault("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.TopicPrefix = getEnvOrDefault("MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)

	var err error
	if c.S3.UseSSL, err = getEnvBool("S3_USE_SSL", c.S3.UseSSL); err != nil {
		return err
	}
	if c.Legacy.Broadcast, err = getEnvBool("RELAY_LEGACY_BROADCAST", c.Legacy.Broadcast); err != nil {
		return err
	}
	if c.Legacy.Passthrough, err = getEnvBool("RELAY_LEGACY_PASSTHROUGH", c.Legacy.Passthrough); err != nil {
		return err
	}
	if c.Maps.SaveDebounce, err = getEnvDuration("MAP_SAVE_DEBOUNCE", c.Maps.SaveDebounce); err != nil {
		return err
	}
	if c.Rooms.ProbeWindow, err = getEnvDuration("PROBE_WINDOW", c.Rooms.ProbeWindow); err != nil {
		return err
	}
	if c.Rooms.IdleTTL, err = getEnvDuration("ROOM_IDLE_TTL", c.Rooms.IdleTTL); err != nil {
		return err
	}
	if c.Rooms.ReapInterval, err = getEnvDuration("ROOM_REAP_INTERVAL", c.Rooms.ReapInterval); err != nil {
		return err
	}
	if c.RateLimit.ConnectPerMinute, err = getEnvInt("CONNECT_RATE_LIMIT", c.RateLimit.ConnectPerMinute); err != nil {
		return err
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// ParseOrigins splits a single origin or a comma-separated list. Blank
// entries are dropped; an empty result allows every origin.
func ParseOrigins(v string) []string {
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}
