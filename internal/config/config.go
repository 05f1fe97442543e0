// Package config loads binary configuration from RELAY_* environment
// variables, then lets command-line flags override them.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type HubConfig struct {
	ListenAddr    string        `env:"RELAY_LISTEN_ADDR"      envDefault:":3000"`
	Endpoint      string        `env:"RELAY_ENDPOINT"         envDefault:"/ws"`
	AllowAllHosts bool          `env:"RELAY_ALLOW_ALL_HOSTS"  envDefault:"true"`
	AllowedHosts  []string      `env:"RELAY_ALLOWED_HOSTS"`
	DeniedHosts   []string      `env:"RELAY_DENIED_HOSTS"`
	MaxReadBytes  int64         `env:"RELAY_MAX_READ_BYTES"   envDefault:"65536"`
	OutgoingQueue int           `env:"RELAY_OUTGOING_QUEUE"   envDefault:"16"`
	WriteTimeout  time.Duration `env:"RELAY_WRITE_TIMEOUT"    envDefault:"10s"`

	// Presence mirror; an empty RedisAddr disables it.
	NodeId        string        `env:"RELAY_NODE_ID"`
	RedisAddr     string        `env:"RELAY_REDIS_ADDR"`
	RedisPassword string        `env:"RELAY_REDIS_PASSWORD"`
	RedisDB       int           `env:"RELAY_REDIS_DB"         envDefault:"0"`
	PresenceTTL   time.Duration `env:"RELAY_PRESENCE_TTL"     envDefault:"60s"`
}

func (c HubConfig) PresenceEnabled() bool {
	return c.RedisAddr != ""
}

// ParseHubConfig parses env defaults and then flags into a HubConfig.
func ParseHubConfig(fs *flag.FlagSet, args []string) (HubConfig, error) {
	var cfg HubConfig
	if err := ParseEnv(&cfg); err != nil {
		return HubConfig{}, err
	}

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address the relay listens on")
	fs.StringVar(&cfg.Endpoint, "ws-endpoint", cfg.Endpoint, "HTTP path that accepts WebSocket upgrades")
	fs.BoolVar(&cfg.AllowAllHosts, "allow-all-hosts", cfg.AllowAllHosts, "accept upgrades from any Origin not explicitly denied")
	fs.Int64Var(&cfg.MaxReadBytes, "max-read-bytes", cfg.MaxReadBytes, "largest inbound frame in bytes")
	fs.IntVar(&cfg.OutgoingQueue, "outgoing-queue", cfg.OutgoingQueue, "frames buffered per connection before drops")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for writing one frame")
	fs.StringVar(&cfg.NodeId, "node-id", cfg.NodeId, "identifier of this relay node in presence entries")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the presence mirror (empty disables)")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database for the presence mirror")
	fs.DurationVar(&cfg.PresenceTTL, "presence-ttl", cfg.PresenceTTL, "TTL of presence entries")
	if err := fs.Parse(args); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

type ClientConfig struct {
	Origin         string        `env:"RELAY_ORIGIN"               envDefault:"http://localhost:3000"`
	Endpoint       string        `env:"RELAY_ENDPOINT"             envDefault:"/ws"`
	UserId         string        `env:"RELAY_USER_ID"`
	ReconnectBase  time.Duration `env:"RELAY_RECONNECT_BASE"       envDefault:"1s"`
	ReconnectMax   time.Duration `env:"RELAY_RECONNECT_MAX_DELAY"  envDefault:"30s"`
	ReconnectTries int           `env:"RELAY_RECONNECT_ATTEMPTS"   envDefault:"5"`
}

// ParseClientConfig parses env defaults and then flags into a ClientConfig.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := ParseEnv(&cfg); err != nil {
		return ClientConfig{}, err
	}

	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "origin of the relay server, http(s)://host[:port]")
	fs.StringVar(&cfg.Endpoint, "ws-endpoint", cfg.Endpoint, "relay WebSocket path")
	fs.StringVar(&cfg.UserId, "user", cfg.UserId, "user id to authenticate as")
	fs.DurationVar(&cfg.ReconnectBase, "reconnect-base", cfg.ReconnectBase, "delay before the first reconnect")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max-delay", cfg.ReconnectMax, "largest delay between reconnects")
	fs.IntVar(&cfg.ReconnectTries, "reconnect-attempts", cfg.ReconnectTries, "reconnects before giving up")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	if cfg.UserId == "" {
		return ClientConfig{}, errors.New("user id is required (-user or RELAY_USER_ID)")
	}
	return cfg, nil
}
