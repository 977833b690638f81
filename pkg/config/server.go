package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Duration reads "3s"-style strings from JSON.
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ServerConfig configures the gateway process.
//
// The heartbeat period is fixed and a lost upstream connection is not
// re-established.
type ServerConfig struct {
	Addr              string   `json:"addr"`
	UpstreamAddr      string   `json:"upstream_addr"`
	ThrottleName      string   `json:"throttle_name"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	DialTimeout       Duration `json:"dial_timeout"`
	DNSServers        []string `json:"dns_servers"`
	// ReleaseSharedAddresses releases every address a departing session held,
	// even ones another session still uses.
	ReleaseSharedAddresses bool   `json:"release_shared_addresses"`
	Debug                  bool   `json:"debug"`
	LogDir                 string `json:"log_dir"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                   ":4000",
		UpstreamAddr:           "localhost:12090",
		ThrottleName:           "TestThrottleRs",
		HeartbeatInterval:      Duration{3 * time.Second},
		DialTimeout:            Duration{10 * time.Second},
		ReleaseSharedAddresses: true,
	}
}

// LoadServerConfig applies defaults, then the JSON file at path (optional,
// missing file is fine), then environment overrides.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".json" {
				return cfg, fmt.Errorf("unsupported config extension: %s", ext)
			}
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if v := os.Getenv("THROTTLE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("JMRI_SERVER"); v != "" {
		cfg.UpstreamAddr = v
	}
	if v := os.Getenv("JMRI_THROTTLE_NAME"); v != "" {
		cfg.ThrottleName = v
	}
	if v := os.Getenv("THROTTLE_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("THROTTLE_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = Duration{d}
	}
	if v := os.Getenv("THROTTLE_DIAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("THROTTLE_DIAL_TIMEOUT: %w", err)
		}
		cfg.DialTimeout = Duration{d}
	}
	if v := os.Getenv("THROTTLE_DNS_SERVERS"); v != "" {
		cfg.DNSServers = splitCSV(v)
	}
	if v := os.Getenv("THROTTLE_RELEASE_SHARED"); v != "" {
		cfg.ReleaseSharedAddresses = parseBool(v)
	}
	if v := os.Getenv("THROTTLE_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("THROTTLE_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	cfg.UpstreamAddr = strings.TrimSpace(cfg.UpstreamAddr)
	cfg.ThrottleName = strings.TrimSpace(cfg.ThrottleName)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	if c.UpstreamAddr == "" {
		return errors.New("upstream_addr is required")
	}
	if strings.ContainsAny(c.ThrottleName, "\r\n") {
		return errors.New("throttle_name must be a single line")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	return nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
