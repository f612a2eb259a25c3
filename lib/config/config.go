// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "DEVBRIDGE_CONFIG"

// Config is the configuration shared by both commands.
type Config struct {
	// Paths configures where state lives.
	Paths PathsConfig `yaml:"paths"`

	// Agent configures devbridge-agent.
	Agent AgentConfig `yaml:"agent"`

	// Controller configures the devbridge CLI.
	Controller ControllerConfig `yaml:"controller"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for devbridge state.
	Root string `yaml:"root"`

	// Identity is the directory holding the controller keypair.
	Identity string `yaml:"identity"`

	// Pairing is the agent's pairing store file or database.
	Pairing string `yaml:"pairing"`
}

// AgentConfig configures the agent daemon.
type AgentConfig struct {
	// Name is reported to controllers. Empty selects the hostname.
	Name string `yaml:"name"`

	// Listen is the TCP address to accept controllers on. Empty
	// disables the TCP listener.
	Listen string `yaml:"listen"`

	// Serial is a serial device to serve, such as /dev/ttyGS0 on a
	// USB gadget. Empty disables serial.
	Serial string `yaml:"serial"`

	// BaudRate applies to Serial. Default: 115200
	BaudRate int `yaml:"baud_rate"`

	// FileRoot confines push and pull. Empty disables file transfer.
	FileRoot string `yaml:"file_root"`

	// PairingBackend is one of memory, file, or sqlite.
	// Default: sqlite
	PairingBackend string `yaml:"pairing_backend"`

	// Approval decides pair requests: terminal (ask on the agent's
	// console), auto, or deny. Default: terminal
	Approval string `yaml:"approval"`

	// Shell runs shell-mode exec requests. Default: /bin/sh
	Shell string `yaml:"shell"`

	// MaxExecTimeout caps one-shot exec. Default: 10m
	MaxExecTimeout string `yaml:"max_exec_timeout"`

	// NonceTTL is the lifetime of an authentication challenge.
	// Default: 30s
	NonceTTL string `yaml:"nonce_ttl"`

	// Discovery configures the UDP discovery responder.
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig configures the discovery responder.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Listen is the UDP address. Default: :47800
	Listen string `yaml:"listen"`
}

// ControllerConfig configures the CLI.
type ControllerConfig struct {
	// DisplayName is sent in hello. Empty selects user@hostname.
	DisplayName string `yaml:"display_name"`

	// DefaultAgent is dialed when a command names no agent.
	DefaultAgent string `yaml:"default_agent"`

	// ConnectTimeout bounds connecting and the hello exchange.
	// Default: 10s
	ConnectTimeout string `yaml:"connect_timeout"`

	// CallTimeout bounds each one-shot request. Default: 10s
	CallTimeout string `yaml:"call_timeout"`

	// Compression is used for push and pull: none, lz4, or zstd.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// Default returns the default configuration. LoadFile decodes the file
// over it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:     "${HOME}/.local/state/devbridge",
			Identity: "${DEVBRIDGE_ROOT}/identity",
			Pairing:  "${DEVBRIDGE_ROOT}/pairing.db",
		},
		Agent: AgentConfig{
			Listen:         ":7800",
			BaudRate:       115200,
			PairingBackend: "sqlite",
			Approval:       "terminal",
			Shell:          "/bin/sh",
			MaxExecTimeout: "10m",
			NonceTTL:       "30s",
			Discovery: DiscoveryConfig{
				Listen: ":47800",
			},
		},
		Controller: ControllerConfig{
			ConnectTimeout: "10s",
			CallTimeout:    "10s",
			Compression:    "zstd",
		},
	}
}

// Load loads configuration from the file named by DEVBRIDGE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your devbridge.yaml, or use --config", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults and expands
// path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// Resolve returns the configuration from path if set, else from
// DEVBRIDGE_CONFIG if set, else the expanded defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvVar) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"DEVBRIDGE_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DEVBRIDGE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	c.Paths.Pairing = expandVars(c.Paths.Pairing, vars)
	c.Agent.FileRoot = expandVars(c.Agent.FileRoot, vars)
	c.Agent.Serial = expandVars(c.Agent.Serial, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}

	backends := []string{"memory", "file", "sqlite"}
	if !slices.Contains(backends, c.Agent.PairingBackend) {
		errs = append(errs, fmt.Errorf("agent.pairing_backend must be one of: %v", backends))
	}
	if c.Agent.PairingBackend != "memory" && c.Paths.Pairing == "" {
		errs = append(errs, errors.New("paths.pairing is required for a persistent pairing backend"))
	}
	approvals := []string{"terminal", "auto", "deny"}
	if !slices.Contains(approvals, c.Agent.Approval) {
		errs = append(errs, fmt.Errorf("agent.approval must be one of: %v", approvals))
	}
	if c.Agent.Serial != "" && c.Agent.BaudRate <= 0 {
		errs = append(errs, errors.New("agent.baud_rate must be positive"))
	}
	compressions := []string{"", "none", "lz4", "zstd"}
	if !slices.Contains(compressions, c.Controller.Compression) {
		errs = append(errs, fmt.Errorf("controller.compression must be one of: %v", compressions[1:]))
	}

	for _, field := range []struct{ name, value string }{
		{"agent.max_exec_timeout", c.Agent.MaxExecTimeout},
		{"agent.nonce_ttl", c.Agent.NonceTTL},
		{"controller.connect_timeout", c.Controller.ConnectTimeout},
		{"controller.call_timeout", c.Controller.CallTimeout},
	} {
		if _, err := parseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.Root, c.Paths.Identity}
	if c.Paths.Pairing != "" {
		paths = append(paths, filepath.Dir(c.Paths.Pairing))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// MaxExecTimeoutDuration returns MaxExecTimeout, zero when unset.
func (a AgentConfig) MaxExecTimeoutDuration() time.Duration {
	d, _ := parseDuration(a.MaxExecTimeout)
	return d
}

// NonceTTLDuration returns NonceTTL, zero when unset.
func (a AgentConfig) NonceTTLDuration() time.Duration {
	d, _ := parseDuration(a.NonceTTL)
	return d
}

// ConnectTimeoutDuration returns ConnectTimeout, zero when unset.
func (c ControllerConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.ConnectTimeout)
	return d
}

// CallTimeoutDuration returns CallTimeout, zero when unset.
func (c ControllerConfig) CallTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.CallTimeout)
	return d
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}
