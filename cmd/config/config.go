package config

import (
	"fmt"
	"net"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay
type Config struct {
	// Port the relay binds; clients and the lifecycle supervisor discover a
	// running relay by probing this port.
	Port int `envconfig:"PORT" default:"19988"`

	// Host the relay binds. Loopback by default; a non-loopback host
	// requires AUTH_TOKEN so remote clients must authenticate.
	Host string `envconfig:"HOST" default:"127.0.0.1"`

	// Opaque token remote clients must present on upgrade, via the
	// x-playwriter-token header or the token query parameter.
	AuthToken string `envconfig:"AUTH_TOKEN" default:""`

	// Optional log file path. If empty the relay logs to stdout.
	LogFile string `envconfig:"LOG_FILE" default:""`

	// When true the extension is asked to open controlled pages in a
	// separate window. The relay only forwards the flag.
	SeparateWindow bool `envconfig:"SEPARATE_WINDOW" default:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if !IsLoopbackHost(config.Host) && config.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required when HOST is not loopback")
	}

	return nil
}

// IsLoopbackHost reports whether host names the local loopback interface.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
