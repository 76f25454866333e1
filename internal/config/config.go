package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"rtkhub/internal/driver"
	"rtkhub/internal/ntrip"
)

// Config is the full hub configuration. Component-level defaults (baud
// rates, backoff windows, health tuning) are applied by the components
// themselves; Load only validates what cannot be defaulted.
type Config struct {
	Receivers      []driver.Config      `yaml:"receivers"`
	ReceiverLimits driver.ManagerConfig `yaml:"receiver_limits"`
	Mounts         []ntrip.MountConfig  `yaml:"mounts"`
	MountHealth    ntrip.ManagerConfig  `yaml:"mount_health"`

	// StatusInterval is the cadence of the periodic status log line.
	StatusInterval time.Duration `yaml:"status_interval"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Receivers {
		if r.ID == "" {
			return Config{}, fmt.Errorf("receivers[%d].id is required", i)
		}
		if seen[r.ID] {
			return Config{}, fmt.Errorf("receiver id %q is duplicated", r.ID)
		}
		seen[r.ID] = true

		switch r.Protocol {
		case "ubx", "unicore":
		default:
			return Config{}, fmt.Errorf("receiver %s: unknown protocol %q", r.ID, r.Protocol)
		}
		switch r.Transport {
		case "serial":
			if r.Device == "" {
				return Config{}, fmt.Errorf("receiver %s: device is required for serial transport", r.ID)
			}
		case "tcp":
			if r.Addr == "" {
				return Config{}, fmt.Errorf("receiver %s: addr is required for tcp transport", r.ID)
			}
		default:
			return Config{}, fmt.Errorf("receiver %s: unknown transport %q", r.ID, r.Transport)
		}
	}

	mountIDs := make(map[string]bool)
	for i, m := range cfg.Mounts {
		if m.Host == "" {
			return Config{}, fmt.Errorf("mounts[%d].host is required", i)
		}
		if m.Mountpoint == "" {
			return Config{}, fmt.Errorf("mounts[%d].mountpoint is required", i)
		}
		if m.ID != "" {
			if mountIDs[m.ID] {
				return Config{}, fmt.Errorf("mount id %q is duplicated", m.ID)
			}
			mountIDs[m.ID] = true
		}
	}

	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 30 * time.Second
	}

	return cfg, nil
}
