// Package config loads mesh node/hub configuration in three layers —
// hard-coded defaults, an optional YAML file, then environment variable
// overrides — grounded on the teacher's go-node/config.go+env.go
// envPort-style helper and on Ap3pp3rs94-Chartly2.0's loadConfig (YAML +
// env override), both reachable pack dependencies (SPEC_FULL §4.10).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is used by cmd/meshnode; cmd/meshhub reads its own flags and
// MESH_HUB_BIND instead.
type Config struct {
	HubAddr       string        `yaml:"hub_addr"`       // e.g. "127.0.0.1:3000"
	HubPath       string        `yaml:"hub_path"`       // default "/mesh"
	GatewayPath   string        `yaml:"gateway_path"`    // default "/gateway/submit"
	APIAddr       string        `yaml:"api_addr"`        // node's own HTTP API bind address
	DBPath        string        `yaml:"db_path"`
	NodeIDFile    string        `yaml:"node_id_file"`
	IsAdmin       bool          `yaml:"is_admin"`
	AdminPassword string        `yaml:"-"` // never serialised; env/flag only
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Default returns the hard-coded baseline (spec §6.4).
func Default() *Config {
	return &Config{
		HubAddr:       "127.0.0.1:3000",
		HubPath:       "/mesh",
		GatewayPath:   "/gateway/submit",
		APIAddr:       "127.0.0.1:7979",
		DBPath:        "./meshfabric.db",
		NodeIDFile:    "./node_id.txt",
		ReconnectWait: 3 * time.Second,
	}
}

// LoadFile merges an optional YAML config file into cfg.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv applies environment variable overrides, matching the teacher's
// envPort pattern (go-node/node.go).
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("MESH_HUB_ADDR")); v != "" {
		c.HubAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_API_ADDR")); v != "" {
		c.APIAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_DB_PATH")); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_NODE_ID_FILE")); v != "" {
		c.NodeIDFile = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_ADMIN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.IsAdmin = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("MESH_ADMIN_PASS")); v != "" {
		c.AdminPassword = v
	}
}

// HubURL builds the ws:// dial address for the hub's /mesh endpoint.
func (c *Config) HubURL() string {
	return "ws://" + c.HubAddr + c.HubPath
}
