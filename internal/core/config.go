package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/viper"
)

const (
	BaseDirName    = ".config/xpos"
	ConfigFileName = ".xpos.hcl"
	RecordFileName = ".xpos.pid"
	HistoryDBName  = "history.db"
)

// Config is the configuration of the current invocation, set by the root command.
var Config *Configuration

// Configuration represents the complete xpos configuration
type Configuration struct {
	ProjectPath string        // Project root; the record file lives here
	Verbose     int           // Verbosity level
	StopGrace   time.Duration // How long a child gets between SIGTERM and SIGKILL
	HistoryPath string        // SQLite session history, empty disables it
	Relay       RelayConfig
	Serve       ServeConfig
}

// RelayConfig describes how to reach the tunnel relay
type RelayConfig struct {
	Server         string        // Relay host
	SSHPort        int           // Relay ssh port
	SSHUser        string        // Relay ssh user
	URLDomain      string        // Public URLs are https://<label>.<URLDomain>
	ConnectTimeout int           // ssh ConnectTimeout in seconds
	URLTimeout     time.Duration // How long to wait for the URL announcement
	Options        []string      // Extra arguments passed to ssh before the destination
	Binary         string        // ssh client, resolved through PATH
	UsePTY         bool          // Run ssh on a pseudo-terminal
}

// ServeConfig describes the local development server
type ServeConfig struct {
	Command      []string      // argv with {host} and {port} placeholders
	Marker       string        // File that must exist in the project root
	Host         string        // Bind host
	DefaultPort  int           // First port to try
	PortAttempts int           // Consecutive ports to probe
	StartupGrace time.Duration // Wait before checking the server is still alive
}

// HCL parsing structs

type hclConfig struct {
	Verbose   int       `hcl:"verbose,optional"`
	StopGrace string    `hcl:"stop_grace,optional"`
	History   *string   `hcl:"history,optional"`
	Relay     *hclRelay `hcl:"relay,block"`
	Serve     *hclServe `hcl:"serve,block"`
}

type hclRelay struct {
	Server         string   `hcl:"server,optional"`
	SSHPort        int      `hcl:"ssh_port,optional"`
	SSHUser        string   `hcl:"ssh_user,optional"`
	URLDomain      string   `hcl:"url_domain,optional"`
	ConnectTimeout int      `hcl:"connect_timeout,optional"`
	URLTimeout     string   `hcl:"url_timeout,optional"`
	Options        []string `hcl:"options,optional"`
	Binary         string   `hcl:"binary,optional"`
	PTY            *bool    `hcl:"pty,optional"`
}

type hclServe struct {
	Command      []string `hcl:"command,optional"`
	Marker       string   `hcl:"marker,optional"`
	Host         string   `hcl:"host,optional"`
	Port         int      `hcl:"port,optional"`
	PortAttempts int      `hcl:"port_attempts,optional"`
	StartupGrace string   `hcl:"startup_grace,optional"`
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig(projectPath string) *Configuration {
	homeDir, _ := os.UserHomeDir()
	return &Configuration{
		ProjectPath: projectPath,
		StopGrace:   3 * time.Second,
		HistoryPath: filepath.Join(homeDir, BaseDirName, HistoryDBName),
		Relay: RelayConfig{
			Server:         "go.xpos.dev",
			SSHPort:        443,
			SSHUser:        "x",
			URLDomain:      "xpos.to",
			ConnectTimeout: 10,
			URLTimeout:     15 * time.Second,
			Binary:         "ssh",
			UsePTY:         true,
		},
		Serve: ServeConfig{
			Command:      []string{"php", "artisan", "serve", "--host={host}", "--port={port}", "--no-reload"},
			Marker:       "artisan",
			Host:         "127.0.0.1",
			DefaultPort:  8000,
			PortAttempts: 10,
			StartupGrace: 800 * time.Millisecond,
		},
	}
}

// LoadConfig reads <projectPath>/.xpos.hcl when present, fills in defaults and
// applies XPOS_* environment overrides.
func LoadConfig(projectPath string) (*Configuration, error) {
	cfg := GetDefaultConfig(projectPath)

	filename := filepath.Join(projectPath, ConfigFileName)
	if ConfigExists(filename) {
		var hclCfg hclConfig
		if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
			return nil, fmt.Errorf("failed to parse HCL config: %w", err)
		}
		if err := hclCfg.apply(cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", filename, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func (h *hclConfig) apply(cfg *Configuration) error {
	cfg.Verbose = h.Verbose
	if err := parseDuration(h.StopGrace, &cfg.StopGrace); err != nil {
		return fmt.Errorf("stop_grace: %w", err)
	}
	if h.History != nil {
		cfg.HistoryPath = *h.History
	}

	if r := h.Relay; r != nil {
		setString(&cfg.Relay.Server, r.Server)
		setInt(&cfg.Relay.SSHPort, r.SSHPort)
		setString(&cfg.Relay.SSHUser, r.SSHUser)
		setString(&cfg.Relay.URLDomain, r.URLDomain)
		setInt(&cfg.Relay.ConnectTimeout, r.ConnectTimeout)
		setString(&cfg.Relay.Binary, r.Binary)
		if err := parseDuration(r.URLTimeout, &cfg.Relay.URLTimeout); err != nil {
			return fmt.Errorf("relay.url_timeout: %w", err)
		}
		cfg.Relay.Options = append(cfg.Relay.Options, r.Options...)
		if r.PTY != nil {
			cfg.Relay.UsePTY = *r.PTY
		}
	}

	if s := h.Serve; s != nil {
		if len(s.Command) > 0 {
			cfg.Serve.Command = s.Command
		}
		setString(&cfg.Serve.Marker, s.Marker)
		setString(&cfg.Serve.Host, s.Host)
		setInt(&cfg.Serve.DefaultPort, s.Port)
		setInt(&cfg.Serve.PortAttempts, s.PortAttempts)
		if err := parseDuration(s.StartupGrace, &cfg.Serve.StartupGrace); err != nil {
			return fmt.Errorf("serve.startup_grace: %w", err)
		}
	}
	return nil
}

// applyEnv lets XPOS_SERVER, XPOS_SSH_PORT, XPOS_SSH_USER, XPOS_DEFAULT_PORT,
// XPOS_URL_DOMAIN and XPOS_HISTORY_PATH override whatever the file said.
func applyEnv(cfg *Configuration) {
	v := viper.New()
	v.SetEnvPrefix("xpos")
	v.AutomaticEnv()

	v.SetDefault("server", cfg.Relay.Server)
	v.SetDefault("ssh_port", cfg.Relay.SSHPort)
	v.SetDefault("ssh_user", cfg.Relay.SSHUser)
	v.SetDefault("url_domain", cfg.Relay.URLDomain)
	v.SetDefault("default_port", cfg.Serve.DefaultPort)
	v.SetDefault("history_path", cfg.HistoryPath)

	setString(&cfg.Relay.Server, v.GetString("server"))
	setInt(&cfg.Relay.SSHPort, v.GetInt("ssh_port"))
	setString(&cfg.Relay.SSHUser, v.GetString("ssh_user"))
	setString(&cfg.Relay.URLDomain, v.GetString("url_domain"))
	setInt(&cfg.Serve.DefaultPort, v.GetInt("default_port"))
	cfg.HistoryPath = v.GetString("history_path")
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// RecordPath returns where the server record for the project is kept
func (c *Configuration) RecordPath() string {
	return filepath.Join(c.ProjectPath, RecordFileName)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
