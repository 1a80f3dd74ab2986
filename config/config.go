package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "20s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for YAML, TOML and JSON.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the server configuration
type Config struct {
	// Server identity and listener address
	Server struct {
		Name    string `yaml:"name" toml:"name" json:"name" env:"IRCD_SERVER_NAME" validate:"required,hostname"`
		Network string `yaml:"network" toml:"network" json:"network" env:"IRCD_NETWORK" validate:"required,excludesall= "`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRCD_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_PORT" validate:"gte=0,lte=65535"`
	} `yaml:"server" toml:"server" json:"server"`

	// Socket and framing settings
	Listener struct {
		BufferSize       int      `yaml:"buffer_size" toml:"buffer_size" json:"buffer_size" env:"IRCD_BUFFER_SIZE" validate:"gte=16,lte=65536"`
		ReadSize         int      `yaml:"read_size" toml:"read_size" json:"read_size" env:"IRCD_READ_SIZE" validate:"gte=1"`
		ProxyProtocol    bool     `yaml:"proxy_protocol" toml:"proxy_protocol" json:"proxy_protocol" env:"IRCD_PROXY_PROTOCOL"`
		ResolveHostnames bool     `yaml:"resolve_hostnames" toml:"resolve_hostnames" json:"resolve_hostnames" env:"IRCD_RESOLVE_HOSTNAMES"`
		LookupTimeout    Duration `yaml:"lookup_timeout" toml:"lookup_timeout" json:"lookup_timeout" env:"IRCD_LOOKUP_TIMEOUT" validate:"gt=0"`
		LookupWorkers    int64    `yaml:"lookup_workers" toml:"lookup_workers" json:"lookup_workers" env:"IRCD_LOOKUP_WORKERS" validate:"gte=1"`
		OutboundQueue    int      `yaml:"outbound_queue" toml:"outbound_queue" json:"outbound_queue" env:"IRCD_OUTBOUND_QUEUE" validate:"gte=1"`
	} `yaml:"listener" toml:"listener" json:"listener"`

	// Registration settings
	Registration struct {
		Timeout      Duration          `yaml:"timeout" toml:"timeout" json:"timeout" env:"IRCD_REGISTRATION_TIMEOUT" validate:"gt=0"`
		Capabilities map[string]string `yaml:"capabilities" toml:"capabilities" json:"capabilities"`
	} `yaml:"registration" toml:"registration" json:"registration"`

	// Keepalive settings
	Keepalive struct {
		Interval Duration `yaml:"interval" toml:"interval" json:"interval" env:"IRCD_PING_INTERVAL" validate:"gt=0"`
		Timeout  Duration `yaml:"timeout" toml:"timeout" json:"timeout" env:"IRCD_PING_TIMEOUT" validate:"gt=0"`
	} `yaml:"keepalive" toml:"keepalive" json:"keepalive"`

	Channels struct {
		Sigil string `yaml:"sigil" toml:"sigil" json:"sigil" env:"IRCD_CHANNEL_SIGIL" validate:"required,len=1,excludesall= :"`
	} `yaml:"channels" toml:"channels" json:"channels"`

	// Status HTTP endpoint settings
	Status struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRCD_STATUS_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRCD_STATUS_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_STATUS_PORT" validate:"gte=0,lte=65535"`
	} `yaml:"status" toml:"status" json:"status"`

	// Session audit trail
	Audit struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRCD_AUDIT_ENABLED"`
		Driver  string `yaml:"driver" toml:"driver" json:"driver" env:"IRCD_AUDIT_DRIVER" validate:"omitempty,oneof=sqlite postgres mysql"`
		DSN     string `yaml:"dsn" toml:"dsn" json:"dsn" env:"IRCD_AUDIT_DSN" validate:"required_if=Enabled true"`
		Queue   int    `yaml:"queue" toml:"queue" json:"queue" env:"IRCD_AUDIT_QUEUE" validate:"gte=1"`
	} `yaml:"audit" toml:"audit" json:"audit"`

	Logging struct {
		Level  string `yaml:"level" toml:"level" json:"level" env:"IRCD_LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
		Format string `yaml:"format" toml:"format" json:"format" env:"IRCD_LOG_FORMAT" validate:"oneof=text json"`
	} `yaml:"logging" toml:"logging" json:"logging"`

	// Configuration source for reloading
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns a configuration holding every default value.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Name = "irc.local"
	cfg.Server.Network = "IRCd"
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 6667

	cfg.Listener.BufferSize = 512
	cfg.Listener.ReadSize = 4096
	cfg.Listener.LookupTimeout = Duration(5 * time.Second)
	cfg.Listener.LookupWorkers = 4
	cfg.Listener.OutboundQueue = 128

	cfg.Registration.Timeout = Duration(20 * time.Second)
	cfg.Keepalive.Interval = Duration(30 * time.Second)
	cfg.Keepalive.Timeout = Duration(30 * time.Second)
	cfg.Channels.Sigil = "#"

	cfg.Status.Host = "127.0.0.1"
	cfg.Status.Port = 8080

	cfg.Audit.Driver = "sqlite"
	cfg.Audit.Queue = 256

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load loads configuration from a file or URL. An empty source yields the
// defaults. Environment overrides are applied last, then the result is
// validated.
func Load(source string) (*Config, error) {
	cfg := Default()

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Source = source
	return cfg, nil
}

// Reload reloads the configuration from the original source or a new source.
// On error the current configuration is left unchanged.
func (c *Config) Reload(newSource string) error {
	source := c.Source
	if newSource != "" {
		source = newSource
	}

	newCfg, err := Load(source)
	if err != nil {
		return err
	}

	*c = *newCfg
	return nil
}

var validate = validator.New()

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	// Check if the source is a URL
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %w", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Determine the format based on file extension
	path := source
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		// Default to YAML
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	return applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

var durationType = reflect.TypeOf(Duration(0))

func applyEnvOverridesRecursive(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)

		// Skip unexported fields
		if field.PkgPath != "" {
			continue
		}

		if envTag := field.Tag.Get("env"); envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				if err := setFieldFromEnv(fieldValue, envValue); err != nil {
					return fmt.Errorf("invalid %s: %w", envTag, err)
				}
			}
		} else if field.Type.Kind() == reflect.Struct {
			if err := applyEnvOverridesRecursive(fieldValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// setFieldFromEnv sets a field's value from an environment variable
func setFieldFromEnv(field reflect.Value, envValue string) error {
	if field.Type() == durationType {
		var d Duration
		if err := d.UnmarshalText([]byte(envValue)); err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(strings.TrimSpace(envValue), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Bool:
		field.SetBool(parseBool(envValue))
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "y"
}

// ListenAddress returns the IRC listener address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// StatusAddress returns the status endpoint address.
func (c *Config) StatusAddress() string {
	return net.JoinHostPort(c.Status.Host, strconv.Itoa(c.Status.Port))
}
