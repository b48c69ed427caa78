// Package config loads and validates environment configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds validated environment configuration.
type Config struct {
	SSHPort        int    `envconfig:"SSH_PORT" default:"2222"`
	SSHHostKeyPath string `envconfig:"SSH_HOST_KEY_PATH" default:"./keys/host.key"`

	P2PPort        int      `envconfig:"P2P_PORT" default:"4001"`
	BootstrapNodes []string `envconfig:"BOOTSTRAP_NODES"`
	BootstrapKey   string   `envconfig:"BOOTSTRAP_KEY_PATH"`
	IsBootstrap    bool     `envconfig:"IS_BOOTSTRAP" default:"false"`
	AdvertiseAddr  string   `envconfig:"ADVERTISE_ADDR"`
	MaxConnections int      `envconfig:"MAX_CONNECTIONS" default:"1000"`

	DefaultRoom       string `envconfig:"DEFAULT_ROOM" default:"lobby"`
	MaxMessageSize    int    `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	MaxMessagesInMem  int    `envconfig:"MAX_MESSAGES_IN_MEMORY" default:"100"`
	RateLimit         int    `envconfig:"RATE_LIMIT" default:"10"`
	MaxNickLength     int    `envconfig:"MAX_NICK_LENGTH" default:"32"`
	MaxRoomNameLength int    `envconfig:"MAX_ROOM_NAME_LENGTH" default:"32"`

	OpsPort           int    `envconfig:"OPS_PORT" default:"8080"`
	OpsRateLimit      string `envconfig:"OPS_RATE_LIMIT" default:"100-M"`
	AllowedOrigins    string `envconfig:"ALLOWED_ORIGINS"`
	OtelCollectorAddr string `envconfig:"OTEL_COLLECTOR_ADDR"`
	DevelopmentMode   bool   `envconfig:"DEVELOPMENT_MODE" default:"false"`
}

// Load binds environment variables into a Config and validates them.
// Returns an error if any variable is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var errs []string

	if cfg.SSHPort < 1 || cfg.SSHPort > 65535 {
		errs = append(errs, fmt.Sprintf("SSH_PORT must be between 1 and 65535 (got %d)", cfg.SSHPort))
	}
	if cfg.P2PPort < 1 || cfg.P2PPort > 65535 {
		errs = append(errs, fmt.Sprintf("P2P_PORT must be between 1 and 65535 (got %d)", cfg.P2PPort))
	}
	if cfg.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("MAX_MESSAGE_SIZE must be positive (got %d)", cfg.MaxMessageSize))
	}
	if cfg.MaxMessagesInMem < 1 {
		errs = append(errs, fmt.Sprintf("MAX_MESSAGES_IN_MEMORY must be positive (got %d)", cfg.MaxMessagesInMem))
	}
	if cfg.RateLimit < 1 {
		errs = append(errs, fmt.Sprintf("RATE_LIMIT must be positive (got %d)", cfg.RateLimit))
	}
	if cfg.MaxNickLength < 1 || cfg.MaxNickLength > 64 {
		errs = append(errs, fmt.Sprintf("MAX_NICK_LENGTH must be between 1 and 64 (got %d)", cfg.MaxNickLength))
	}
	if cfg.MaxRoomNameLength < 1 || cfg.MaxRoomNameLength > 64 {
		errs = append(errs, fmt.Sprintf("MAX_ROOM_NAME_LENGTH must be between 1 and 64 (got %d)", cfg.MaxRoomNameLength))
	}
	if cfg.DefaultRoom == "" {
		errs = append(errs, "DEFAULT_ROOM cannot be empty")
	}
	if cfg.MaxConnections < 10 || cfg.MaxConnections > 1000 {
		errs = append(errs, fmt.Sprintf("MAX_CONNECTIONS must be between 10 and 1000 (got %d)", cfg.MaxConnections))
	}
	for _, addr := range cfg.BootstrapNodes {
		if !isMultiaddr(addr) {
			errs = append(errs, fmt.Sprintf("BOOTSTRAP_NODES entry must be a /ip4 or /dns4 ws multiaddr (got '%s')", addr))
		}
	}
	if cfg.AdvertiseAddr != "" && !isMultiaddr(cfg.AdvertiseAddr) {
		errs = append(errs, fmt.Sprintf("ADVERTISE_ADDR must be a /ip4 or /dns4 ws multiaddr (got '%s')", cfg.AdvertiseAddr))
	}

	// Inbound routing lowercases room names, so the configured default must
	// match or its traffic would never be delivered.
	cfg.DefaultRoom = strings.ToLower(cfg.DefaultRoom)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// isMultiaddr accepts addresses of the form /ip4/<host>/tcp/<port>/ws.
func isMultiaddr(addr string) bool {
	parts := strings.Split(strings.TrimSpace(addr), "/")
	// Leading slash yields an empty first element.
	if len(parts) != 6 || parts[0] != "" {
		return false
	}
	if parts[1] != "ip4" && parts[1] != "dns4" {
		return false
	}
	if parts[3] != "tcp" || parts[5] != "ws" {
		return false
	}
	return parts[2] != "" && parts[4] != ""
}
