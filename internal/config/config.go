// Package config provides Viper-based configuration loading for the room server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VRS_ROOM_TICK_INTERVAL.
const EnvPrefix = "VRS"

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds how long graceful shutdown may take.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// GameServerConfig holds the gRPC session endpoint settings.
type GameServerConfig struct {
	// GRPCHost is the bind/connect address for the game server gRPC service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the game server gRPC service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GameServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.GRPCHost, g.GRPCPort)
}

// HTTPConfig holds the HTTP API and WebSocket endpoint settings.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// WriteTimeout is the per-frame write deadline on WebSocket sessions.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadLimit caps one inbound WebSocket frame in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// Addr returns the "host:port" listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// RoomConfig holds state-sync and session liveness settings.
type RoomConfig struct {
	// TickInterval is the broadcast period shared by every room.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// FullSnapshotEvery sends a full snapshot every N ticks; 0 disables it.
	FullSnapshotEvery int `mapstructure:"full_snapshot_every"`
	// EchoToSource includes a member's own transform in snapshots it receives.
	EchoToSource bool `mapstructure:"echo_to_source"`
	// QueueSize bounds each room's inbound work queue.
	QueueSize int `mapstructure:"queue_size"`
	// OutboxSize bounds each session's outbound event queue.
	OutboxSize int `mapstructure:"outbox_size"`
	// HeartbeatTimeout is the idle period after which a session is reaped.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// ReapInterval is how often idle sessions are swept.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// MatchmakingConfig holds matchmaking pass settings.
type MatchmakingConfig struct {
	// Interval is the period between matchmaking passes.
	Interval time.Duration `mapstructure:"interval"`
	// DefaultMatchSize is the target group size for games with no template.
	DefaultMatchSize int `mapstructure:"default_match_size"`
	// PartialAfter is how long a ticket waits before a partial room may form.
	PartialAfter time.Duration `mapstructure:"partial_after"`
	// ExpireAfter is how long a ticket may wait in total; 0 disables expiry.
	ExpireAfter time.Duration `mapstructure:"expire_after"`
}

// VoiceConfig holds the default voice routing mode for games with no template.
type VoiceConfig struct {
	Proximity bool    `mapstructure:"proximity"`
	Threshold float64 `mapstructure:"threshold"`
}

// IdentityConfig holds token verification settings.
type IdentityConfig struct {
	// Secret is the HMAC key tokens are signed with.
	Secret string `mapstructure:"secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `mapstructure:"issuer"`
	// TokenTTL is the lifetime of tokens minted by roomctl.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// CatalogConfig locates the game templates.
type CatalogConfig struct {
	// Dir holds one YAML file per game. Empty means every game uses the defaults.
	Dir string `mapstructure:"dir"`
	// DefaultCapacity is the room capacity for games with no template.
	DefaultCapacity int `mapstructure:"default_capacity"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GameServer  GameServerConfig  `mapstructure:"gameserver"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Room        RoomConfig        `mapstructure:"room"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Voice       VoiceConfig       `mapstructure:"voice"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateServer(c.Server),
		validateLogging(c.Logging),
		validateGameServer(c.GameServer),
		validateHTTP(c.HTTP),
		validateRoom(c.Room),
		validateMatchmaking(c.Matchmaking),
		validateVoice(c.Voice),
		validateIdentity(c.Identity),
		validateCatalog(c.Catalog),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}

func validatePort(field string, port int) string {
	if port < 1 || port > 65535 {
		return fmt.Sprintf("%s must be 1-65535, got %d", field, port)
	}
	return ""
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateGameServer(g GameServerConfig) error {
	var errs []string
	if g.GRPCHost == "" {
		errs = append(errs, "gameserver.grpc_host must not be empty")
	}
	if msg := validatePort("gameserver.grpc_port", g.GRPCPort); msg != "" {
		errs = append(errs, msg)
	}
	return joinErrs(errs)
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if msg := validatePort("http.port", h.Port); msg != "" {
		errs = append(errs, msg)
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if h.ReadLimit < 0 {
		errs = append(errs, "http.read_limit must not be negative")
	}
	return joinErrs(errs)
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.TickInterval <= 0 {
		errs = append(errs, "room.tick_interval must be positive")
	}
	if r.FullSnapshotEvery < 0 {
		errs = append(errs, fmt.Sprintf("room.full_snapshot_every must be >= 0, got %d", r.FullSnapshotEvery))
	}
	if r.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("room.queue_size must be >= 1, got %d", r.QueueSize))
	}
	if r.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("room.outbox_size must be >= 1, got %d", r.OutboxSize))
	}
	if r.HeartbeatTimeout <= 0 {
		errs = append(errs, "room.heartbeat_timeout must be positive")
	}
	if r.ReapInterval <= 0 {
		errs = append(errs, "room.reap_interval must be positive")
	}
	return joinErrs(errs)
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if m.Interval <= 0 {
		errs = append(errs, "matchmaking.interval must be positive")
	}
	if m.DefaultMatchSize < 2 {
		errs = append(errs, fmt.Sprintf("matchmaking.default_match_size must be >= 2, got %d", m.DefaultMatchSize))
	}
	if m.PartialAfter < 0 {
		errs = append(errs, "matchmaking.partial_after must not be negative")
	}
	if m.ExpireAfter < 0 {
		errs = append(errs, "matchmaking.expire_after must not be negative")
	}
	if m.ExpireAfter > 0 && m.PartialAfter > 0 && m.ExpireAfter <= m.PartialAfter {
		errs = append(errs, "matchmaking.expire_after must exceed matchmaking.partial_after")
	}
	return joinErrs(errs)
}

func validateVoice(v VoiceConfig) error {
	if v.Proximity && v.Threshold <= 0 {
		return errors.New("voice.threshold must be positive when voice.proximity is enabled")
	}
	return nil
}

func validateIdentity(i IdentityConfig) error {
	var errs []string
	if i.Secret == "" {
		errs = append(errs, "identity.secret must not be empty")
	}
	if i.TokenTTL <= 0 {
		errs = append(errs, "identity.token_ttl must be positive")
	}
	return joinErrs(errs)
}

func validateCatalog(c CatalogConfig) error {
	if c.DefaultCapacity < 2 || c.DefaultCapacity > 32 {
		return fmt.Errorf("catalog.default_capacity must be 2-32, got %d", c.DefaultCapacity)
	}
	return nil
}

// NewViper returns a Viper instance with defaults and VRS_ environment
// overrides applied. A non-empty path is registered as the config file.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and
// environment overrides only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "vrserver")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gameserver.grpc_host", "127.0.0.1")
	v.SetDefault("gameserver.grpc_port", 50051)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.write_timeout", "5s")
	v.SetDefault("http.read_limit", 64*1024)

	v.SetDefault("room.tick_interval", "50ms")
	v.SetDefault("room.full_snapshot_every", 20)
	v.SetDefault("room.echo_to_source", false)
	v.SetDefault("room.queue_size", 256)
	v.SetDefault("room.outbox_size", 128)
	v.SetDefault("room.heartbeat_timeout", "8s")
	v.SetDefault("room.reap_interval", "1s")

	v.SetDefault("matchmaking.interval", "1s")
	v.SetDefault("matchmaking.default_match_size", 2)
	v.SetDefault("matchmaking.partial_after", "30s")
	v.SetDefault("matchmaking.expire_after", "2m")

	v.SetDefault("voice.proximity", false)
	v.SetDefault("voice.threshold", 10.0)

	v.SetDefault("identity.secret", "")
	v.SetDefault("identity.issuer", "")
	v.SetDefault("identity.token_ttl", "24h")

	v.SetDefault("catalog.dir", "")
	v.SetDefault("catalog.default_capacity", 8)
}
