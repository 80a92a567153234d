package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	apisrv "github.com/compose-network/recordtap/server/api"
	"github.com/compose-network/recordtap/x/sink/natssink"
	"github.com/compose-network/recordtap/x/stream"
	"github.com/compose-network/recordtap/x/transport"
)

// Config holds the complete application configuration
type Config struct {
	Relay   transport.Config `mapstructure:"relay"   yaml:"relay"`
	Decoder DecoderConfig    `mapstructure:"decoder" yaml:"decoder"`
	Records RecordsConfig    `mapstructure:"records" yaml:"records"`
	NATS    natssink.Config  `mapstructure:"nats"    yaml:"nats"`
	API     apisrv.Config    `mapstructure:"api"     yaml:"api"`
	Metrics MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig        `mapstructure:"log"     yaml:"log"`
}

// DecoderConfig holds per-connection decoding configuration
type DecoderConfig struct {
	stream.Config `mapstructure:",squash" yaml:",inline"`

	Direction transport.DirectionFilter `mapstructure:"direction" yaml:"direction"`
}

// RecordsConfig selects the record decoders to register
type RecordsConfig struct {
	GuildMembers GuildMembersConfig `mapstructure:"guild_members" yaml:"guild_members"`
	// HexdumpTypes are payload types logged as hex at debug level, e.g. "0x1234".
	HexdumpTypes []string `mapstructure:"hexdump_types" yaml:"hexdump_types"`
}

// GuildMembersConfig holds guild-members export configuration
type GuildMembersConfig struct {
	Enabled   bool   `mapstructure:"enabled"    yaml:"enabled"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Publish   bool   `mapstructure:"publish"    yaml:"publish"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `mapstructure:"path"    yaml:"path"    env:"METRICS_PATH"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
	Output string `mapstructure:"output" yaml:"output" env:"LOG_OUTPUT"`
	File   string `mapstructure:"file"   yaml:"file"   env:"LOG_FILE"`
}

// Load loads configuration from file and environment. An empty configPath
// uses defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetEnvPrefix("RECORDTAP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("relay.listen_addr", d.Relay.ListenAddr)
	v.SetDefault("relay.upstream_addr", d.Relay.UpstreamAddr)
	v.SetDefault("relay.dial_timeout", d.Relay.DialTimeout.String())
	v.SetDefault("relay.idle_timeout", d.Relay.IdleTimeout.String())
	v.SetDefault("relay.max_connections", d.Relay.MaxConnections)
	v.SetDefault("relay.read_buffer_size", d.Relay.ReadBufferSize)

	v.SetDefault("decoder.mode", string(d.Decoder.Mode))
	v.SetDefault("decoder.header_underflow", string(d.Decoder.HeaderUnderflow))
	v.SetDefault("decoder.flush_on_close", d.Decoder.FlushOnClose)
	v.SetDefault("decoder.direction", string(d.Decoder.Direction))

	v.SetDefault("records.guild_members.enabled", d.Records.GuildMembers.Enabled)
	v.SetDefault("records.guild_members.output_dir", d.Records.GuildMembers.OutputDir)
	v.SetDefault("records.guild_members.publish", d.Records.GuildMembers.Publish)
	v.SetDefault("records.hexdump_types", []string{})

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("nats.timeout", d.NATS.Timeout.String())
	v.SetDefault("nats.client_name", d.NATS.ClientName)

	// API defaults (HTTP API server)
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout.String())
	v.SetDefault("api.read_timeout", d.API.ReadTimeout.String())
	v.SetDefault("api.write_timeout", d.API.WriteTimeout.String())
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout.String())
	v.SetDefault("api.max_header_bytes", d.API.MaxHeaderBytes)
	v.SetDefault("api.enable_cors", d.API.EnableCORS)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file", d.Log.File)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateRelay(); err != nil {
		return err
	}
	if err := c.Decoder.Validate(); err != nil {
		return err
	}
	if _, err := transport.ParseDirectionFilter(string(c.Decoder.Direction)); err != nil {
		return fmt.Errorf("decoder.direction: %w", err)
	}
	if _, err := c.Records.ParseHexdumpTypes(); err != nil {
		return err
	}
	if c.Records.GuildMembers.Publish && !c.NATS.Enabled {
		return fmt.Errorf("records.guild_members.publish requires nats.enabled")
	}
	if err := c.NATS.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}
	return nil
}

func (c *Config) validateRelay() error {
	if strings.TrimSpace(c.Relay.ListenAddr) == "" {
		return fmt.Errorf("relay.listen_addr is required")
	}
	if c.Relay.MaxConnections <= 0 {
		return fmt.Errorf("relay.max_connections must be positive, got %d", c.Relay.MaxConnections)
	}
	if c.Relay.ReadBufferSize <= 0 {
		return fmt.Errorf("relay.read_buffer_size must be positive, got %d", c.Relay.ReadBufferSize)
	}
	if c.Relay.DialTimeout < 0 || c.Relay.IdleTimeout < 0 {
		return fmt.Errorf("relay timeouts must not be negative")
	}
	return nil
}

// ParseHexdumpTypes converts HexdumpTypes to payload types. Entries accept
// decimal or 0x-prefixed hex.
func (r RecordsConfig) ParseHexdumpTypes() ([]uint16, error) {
	out := make([]uint16, 0, len(r.HexdumpTypes))
	for _, s := range r.HexdumpTypes {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("records.hexdump_types: invalid payload type %q: %w", s, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Relay: transport.DefaultConfig(),
		Decoder: DecoderConfig{
			Config:    stream.DefaultConfig(),
			Direction: transport.FilterServer,
		},
		Records: RecordsConfig{
			GuildMembers: GuildMembersConfig{
				Enabled:   true,
				OutputDir: ".",
			},
			HexdumpTypes: []string{},
		},
		NATS: natssink.DefaultConfig(),
		API:  apisrv.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
			Output: "stdout",
		},
	}
}
