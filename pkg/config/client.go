package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ClientConfig struct {
	ServerURL string `json:"server_url"`
	// Addresses are acquired on every (re)connect.
	Addresses []int `json:"addresses"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{ServerURL: "ws://127.0.0.1:4000/ws"}
}

// DefaultClientConfigPath is config/client.json relative to the working directory.
func DefaultClientConfigPath() string { return filepath.Join("config", "client.json") }

// LoadClientConfig reads JSON from path (default config/client.json) and applies env overrides
func LoadClientConfig(path string) (ClientConfig, error) {
	if path == "" {
		path = DefaultClientConfigPath()
	}
	cfg := DefaultClientConfig()
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("THROTTLE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("THROTTLE_ADDRESSES"); v != "" {
		cfg.Addresses = nil
		for _, p := range splitCSV(v) {
			if n, err := strconv.Atoi(p); err == nil {
				cfg.Addresses = append(cfg.Addresses, n)
			}
		}
	}
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	return cfg, nil
}
