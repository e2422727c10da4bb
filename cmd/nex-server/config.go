package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Link-3DS/nex/prudp"
)

// Config is the nex-server configuration file. Transport settings sit at the
// top level next to the binary's own listeners.
type Config struct {
	prudp.ServerConfig `yaml:",inline"`

	// WebSocketListen serves PRUDPLite over websockets when set.
	WebSocketListen string `yaml:"websocket_listen"`
	// HTTPListen serves /healthz and /metrics when set.
	HTTPListen string `yaml:"http_listen"`
	LogLevel   string `yaml:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: *prudp.DefaultServerConfig(),
		HTTPListen:   ":8080",
		LogLevel:     "info",
	}
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line.
func (cfg *Config) applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddress = flagListen
	}
	if flags.Changed("version") {
		cfg.ProtocolVersion = flagVersion
	}
	if flags.Changed("access-key") {
		cfg.AccessKey = flagAccessKey
	}
	if flags.Changed("kerberos-password") {
		cfg.KerberosPassword = flagKerberosPassword
	}
	if flags.Changed("websocket-listen") {
		cfg.WebSocketListen = flagWebSocketListen
	}
	if flags.Changed("http-listen") {
		cfg.HTTPListen = flagHTTPListen
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
}

func (cfg *Config) validate() error {
	var errs []string

	if err := cfg.ServerConfig.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		errs = append(errs, fmt.Sprintf("log_level: %v", err))
	}
	if cfg.WebSocketListen != "" && cfg.WebSocketListen == cfg.HTTPListen {
		errs = append(errs, "websocket_listen and http_listen must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
