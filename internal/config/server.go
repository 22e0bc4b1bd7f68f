// Package config holds the YAML-backed configuration for the DSS server
// and client, adapted from the teacher's WingConfig (internal/config/wing.go).
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ICEServer is a STUN/TURN server advertised to clients on SESSION_CREATED
// (spec §4.5, SPEC_FULL.md §12), carried over from the teacher's
// WingConfig.ICEServers verbatim.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// ServerConfig holds a dssd process's settings, persisted as dssd.yaml.
type ServerConfig struct {
	ListenAddr        string      `yaml:"listen_addr"`
	DatabasePath      string      `yaml:"database_path"`
	LogLevel          string      `yaml:"log_level,omitempty"`
	LogFile           string      `yaml:"log_file,omitempty"`
	MaxSessions       int         `yaml:"max_sessions,omitempty"`
	IdleTimeout       string      `yaml:"idle_timeout,omitempty"`
	RequireIdentity   bool        `yaml:"require_identity,omitempty"`
	SnapshotInterval  string      `yaml:"snapshot_interval,omitempty"`
	ICEServers        []ICEServer `yaml:"ice_servers,omitempty"`
	TURNSharedSecret  string      `yaml:"turn_shared_secret,omitempty"`
	TURNCredentialTTL string      `yaml:"turn_credential_ttl,omitempty"`
	AdminToken        string      `yaml:"admin_token,omitempty"`
}

// DefaultServerConfig returns the baseline values a fresh dssd.yaml expands
// from (spec §4.1, §4.6).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":7777",
		DatabasePath:      "dssd.db",
		LogLevel:          "info",
		MaxSessions:       0,
		IdleTimeout:       "2m",
		SnapshotInterval:  "10s",
		TURNCredentialTTL: "1h",
	}
}

// LoadServerConfig reads dssd.yaml from dir. A missing file yields the
// defaults, matching the teacher's LoadWingConfig "no file means zero value"
// behavior.
func LoadServerConfig(dir string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	path := filepath.Join(dir, "dssd.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveServerConfig writes dssd.yaml to dir.
func SaveServerConfig(dir string, cfg *ServerConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "dssd.yaml"), data, 0644)
}

// ClientConfig holds a dssc process's settings, persisted as dssc.yaml.
type ClientConfig struct {
	ServerAddr   string      `yaml:"server_addr"`
	LogLevel     string      `yaml:"log_level,omitempty"`
	LogFile      string      `yaml:"log_file,omitempty"`
	ICEServers   []ICEServer `yaml:"ice_servers,omitempty"`
	IdentityFile string      `yaml:"identity_file,omitempty"`
}

// DefaultClientConfig returns the baseline values a fresh dssc.yaml expands
// from (spec §4.8).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddr: "127.0.0.1:7777",
		LogLevel:   "info",
		ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}

// LoadClientConfig reads dssc.yaml from dir, defaulting if absent.
func LoadClientConfig(dir string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	path := filepath.Join(dir, "dssc.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveClientConfig writes dssc.yaml to dir.
func SaveClientConfig(dir string, cfg *ClientConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "dssc.yaml"), data, 0644)
}
