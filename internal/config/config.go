// Package config loads server settings from defaults, an optional YAML
// file, SCHOOLCHAT_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"schoolchat/pkg/database"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: SCHOOLCHAT_HTTP__PORT sets http.port.
const EnvPrefix = "SCHOOLCHAT_"

const codeConfigInvalid = "CONFIG_INVALID"

type Config struct {
	Store     StoreConfig     `koanf:"store"`
	HTTP      HTTPConfig      `koanf:"http"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Hub       HubConfig       `koanf:"hub"`
	Log       LogConfig       `koanf:"log"`
}

// StoreConfig is the backend selection plus message limits.
type StoreConfig struct {
	database.Config `koanf:",squash"`
	MaxBodyLength   int `koanf:"max_body_length" validate:"gt=0"`
}

type HTTPConfig struct {
	Host           string        `koanf:"host" validate:"required"`
	Port           int           `koanf:"port" validate:"min=0,max=65535"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration `koanf:"retry_after" validate:"gt=0"`
}

type WebSocketConfig struct {
	PingInterval  time.Duration `koanf:"ping_interval" validate:"gt=0,ltfield=PongWait"`
	PongWait      time.Duration `koanf:"pong_wait" validate:"gt=0"`
	WriteTimeout  time.Duration `koanf:"write_timeout" validate:"gt=0"`
	SendBuffer    int           `koanf:"send_buffer" validate:"gt=0"`
	MaxFrameBytes int64         `koanf:"max_frame_bytes" validate:"gt=0"`
}

type HubConfig struct {
	QueueSize         int           `koanf:"queue_size" validate:"gt=0"`
	WorkerQueueSize   int           `koanf:"worker_queue_size" validate:"gt=0"`
	WorkerIdleTimeout time.Duration `koanf:"worker_idle_timeout" validate:"gt=0"`
	MultiChannel      bool          `koanf:"multi_channel"`
	// RateLimit is the number of sends allowed per connection per minute.
	RateLimit int `koanf:"rate_limit" validate:"gt=0"`
}

type LogConfig struct {
	Format string `koanf:"format" validate:"oneof=json text"`
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Config:        *database.DefaultConfig(),
			MaxBodyLength: 4000,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RetryAfter:   5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:  30 * time.Second,
			PongWait:      60 * time.Second,
			WriteTimeout:  10 * time.Second,
			SendBuffer:    100,
			MaxFrameBytes: 64 * 1024,
		},
		Hub: HubConfig{
			QueueSize:         1000,
			WorkerQueueSize:   256,
			WorkerIdleTimeout: 30 * time.Second,
			RateLimit:         100,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and the store settings of the selected
// driver.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return oops.Code(codeConfigInvalid).Wrapf(err, "invalid configuration")
	}
	return c.Store.Config.Validate()
}

// Address is the listen address of the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"store-driver":  "store.driver",
	"store-path":    "store.path",
	"store-dsn":     "store.dsn",
	"host":          "http.host",
	"port":          "http.port",
	"multi-channel": "hub.multi_channel",
	"rate-limit":    "hub.rate_limit",
	"log-format":    "log.format",
	"log-level":     "log.level",
}

// RegisterFlags adds the overridable settings to fs. Only flags the user
// actually sets take precedence over file and environment values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("store-driver", d.Store.Driver, "message store driver: sqlite, postgres, badger or memory")
	fs.String("store-path", d.Store.Path, "sqlite file or badger directory")
	fs.String("store-dsn", "", "postgres connection string")
	fs.String("host", d.HTTP.Host, "HTTP listen host")
	fs.Int("port", d.HTTP.Port, "HTTP listen port")
	fs.Bool("multi-channel", d.Hub.MultiChannel, "allow a connection to join several channels")
	fs.Int("rate-limit", d.Hub.RateLimit, "sends per connection per minute")
	fs.String("log-format", d.Log.Format, "log format: json or text")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
}

// Load layers defaults, the YAML file at path (skipped when empty), the
// environment and the changed flags of fs (may be nil), then validates.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(codeConfigInvalid).With("path", path).Wrapf(err, "load config file")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code(codeConfigInvalid).Wrapf(err, "load environment")
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(codeConfigInvalid).Wrapf(err, "load flags")
		}
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code(codeConfigInvalid).Wrapf(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *Config) String() string {
	return fmt.Sprintf("store=%s http=%s multi_channel=%t log=%s/%s",
		c.Store.Driver, c.Address(), c.Hub.MultiChannel, c.Log.Format, c.Log.Level)
}
