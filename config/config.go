package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket   = "websocket"
	TransportLongPolling = "longpolling"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ServerConfig points clients at a relay. URL is the http(s) base; the
// websocket address is derived from it.
type ServerConfig struct {
	URL string `yaml:"url" toml:"url"`
}

type AuthConfig struct {
	Token     string `yaml:"token" toml:"token"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
	Secret    string `yaml:"secret" toml:"secret"`
}

type ReconnectConfig struct {
	Delay          Duration `yaml:"delay" toml:"delay"`
	MaxDelay       Duration `yaml:"max_delay" toml:"max_delay"`
	Attempts       int      `yaml:"attempts" toml:"attempts"`
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

type QueueConfig struct {
	Capacity    int `yaml:"capacity" toml:"capacity"`
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
}

type TransportConfig struct {
	Kind         string   `yaml:"kind" toml:"kind"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval" toml:"ping_interval"`
	PollTimeout  Duration `yaml:"poll_timeout" toml:"poll_timeout"`
	Compression  bool     `yaml:"compression" toml:"compression"`
}

type RelayConfig struct {
	Addr           string     `yaml:"addr" toml:"addr"`
	Path           string     `yaml:"path" toml:"path"`
	SessionTimeout Duration   `yaml:"session_timeout" toml:"session_timeout"`
	PollTimeout    Duration   `yaml:"poll_timeout" toml:"poll_timeout"`
	PingInterval   Duration   `yaml:"ping_interval" toml:"ping_interval"`
	MaxConcurrency int        `yaml:"max_concurrency" toml:"max_concurrency"`
	BufferSize     int        `yaml:"buffer_size" toml:"buffer_size"`
	AMQP           AMQPConfig `yaml:"amqp" toml:"amqp"`
}

type AMQPConfig struct {
	URL      string   `yaml:"url" toml:"url"`
	Exchange string   `yaml:"exchange" toml:"exchange"`
	Queue    string   `yaml:"queue" toml:"queue"`
	Bindings []string `yaml:"bindings" toml:"bindings"`
}

type APIConfig struct {
	BaseURL    string   `yaml:"base_url" toml:"base_url"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
	Backoff    Duration `yaml:"backoff" toml:"backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// Duration reads "1s", "250ms" and friends from YAML and TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://localhost:8080/socket",
		},
		Reconnect: ReconnectConfig{
			Delay:          Duration{1 * time.Second},
			MaxDelay:       Duration{30 * time.Second},
			ConnectTimeout: Duration{10 * time.Second},
		},
		Queue: QueueConfig{
			Capacity:    256,
			MaxAttempts: 3,
		},
		Transport: TransportConfig{
			Kind:         TransportWebSocket,
			ReadTimeout:  Duration{60 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
			PingInterval: Duration{25 * time.Second},
			PollTimeout:  Duration{35 * time.Second},
		},
		Relay: RelayConfig{
			Addr:           ":8080",
			Path:           "/socket",
			SessionTimeout: Duration{60 * time.Second},
			PollTimeout:    Duration{25 * time.Second},
			PingInterval:   Duration{25 * time.Second},
			MaxConcurrency: 1000,
			BufferSize:     256,
			AMQP: AMQPConfig{
				Exchange: "courier.events",
				Bindings: []string{"#"},
			},
		},
		API: APIConfig{
			BaseURL:    "http://localhost:3000",
			Timeout:    Duration{10 * time.Second},
			MaxRetries: 3,
			Backoff:    Duration{500 * time.Millisecond},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML or TOML file (picked by extension) over the defaults and
// then applies COURIER_* environment overrides. An empty path or a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("unmarshaling yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("unmarshaling toml config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	getEnv := func(key, def string) string {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
		return def
	}

	getEnvInt := func(key string, def int) int {
		val, err := strconv.Atoi(os.Getenv(key))
		if err != nil {
			return def
		}
		return val
	}

	getEnvBool := func(key string, def bool) bool {
		val, err := strconv.ParseBool(os.Getenv(key))
		if err != nil {
			return def
		}
		return val
	}

	getEnvDuration := func(key string, def Duration) Duration {
		val, err := time.ParseDuration(os.Getenv(key))
		if err != nil {
			return def
		}
		return Duration{val}
	}

	c.Server.URL = getEnv("COURIER_SERVER_URL", c.Server.URL)

	c.Auth.Token = getEnv("COURIER_TOKEN", c.Auth.Token)
	c.Auth.TokenFile = getEnv("COURIER_TOKEN_FILE", c.Auth.TokenFile)
	c.Auth.Secret = getEnv("COURIER_JWT_SECRET", c.Auth.Secret)

	c.Reconnect.Delay = getEnvDuration("COURIER_RECONNECT_DELAY", c.Reconnect.Delay)
	c.Reconnect.MaxDelay = getEnvDuration("COURIER_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.Reconnect.Attempts = getEnvInt("COURIER_RECONNECT_ATTEMPTS", c.Reconnect.Attempts)
	c.Reconnect.ConnectTimeout = getEnvDuration("COURIER_CONNECT_TIMEOUT", c.Reconnect.ConnectTimeout)

	c.Queue.Capacity = getEnvInt("COURIER_QUEUE_CAPACITY", c.Queue.Capacity)
	c.Queue.MaxAttempts = getEnvInt("COURIER_QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)

	c.Transport.Kind = getEnv("COURIER_TRANSPORT", c.Transport.Kind)
	c.Transport.Compression = getEnvBool("COURIER_COMPRESSION", c.Transport.Compression)

	c.Relay.Addr = getEnv("COURIER_RELAY_ADDR", c.Relay.Addr)
	c.Relay.AMQP.URL = getEnv("COURIER_AMQP_URL", c.Relay.AMQP.URL)
	c.Relay.AMQP.Exchange = getEnv("COURIER_AMQP_EXCHANGE", c.Relay.AMQP.Exchange)
	c.Relay.AMQP.Queue = getEnv("COURIER_AMQP_QUEUE", c.Relay.AMQP.Queue)

	c.API.BaseURL = getEnv("COURIER_API_URL", c.API.BaseURL)
	c.API.MaxRetries = getEnvInt("COURIER_API_MAX_RETRIES", c.API.MaxRetries)

	c.Log.Level = getEnv("COURIER_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("COURIER_LOG_PRETTY", c.Log.Pretty)
}

func (c *Config) Validate() error {
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil {
			return fmt.Errorf("server.url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("server.url: unsupported scheme %q", u.Scheme)
		}
	}

	switch c.Transport.Kind {
	case TransportWebSocket, TransportLongPolling:
	default:
		return fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}

	if c.Reconnect.Delay.Duration <= 0 {
		return errors.New("reconnect.delay must be positive")
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.Delay.Duration {
		return errors.New("reconnect.max_delay must not be below reconnect.delay")
	}
	if c.Reconnect.ConnectTimeout.Duration <= 0 {
		return errors.New("reconnect.connect_timeout must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
