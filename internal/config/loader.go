package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/rinashim/internal/log"
)

// configRoot is the top-level wrapper matching the YAML structure `rinashim: ...`.
type configRoot struct {
	RinaShim GlobalConfig `mapstructure:"rinashim"`
}

// Load loads configuration from file.
// The YAML file uses `rinashim:` as root key; env vars map through the key
// replacer (e.g., key "rinashim.link.device" → env "RINASHIM_LINK_DEVICE").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.RinaShim

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "rinashim." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("rinashim.pool.capacity", 64)
	v.SetDefault("rinashim.pool.min_frame_size", 22)
	v.SetDefault("rinashim.pool.max_buffer_size", 1536)

	// Resolution cache defaults
	v.SetDefault("rinashim.arp.table_size", 6)
	v.SetDefault("rinashim.arp.max_age", 150)
	v.SetDefault("rinashim.arp.max_retransmissions", 5)
	v.SetDefault("rinashim.arp.reply_age", 3)
	v.SetDefault("rinashim.arp.aging_interval", "10s")
	v.SetDefault("rinashim.arp.request_limit", 50)
	v.SetDefault("rinashim.arp.request_window", "10s")

	// RMT defaults
	v.SetDefault("rinashim.rmt.port_id", 1)

	// Link defaults
	v.SetDefault("rinashim.link.type", "pipe")
	v.SetDefault("rinashim.link.device", "")
	v.SetDefault("rinashim.link.rx_queue", 64)

	// Task defaults
	v.SetDefault("rinashim.task.queue_size", 64)
	v.SetDefault("rinashim.task.send_wait", "50ms")

	// Metrics defaults
	v.SetDefault("rinashim.metrics.enabled", true)
	v.SetDefault("rinashim.metrics.listen", ":9091")
	v.SetDefault("rinashim.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("rinashim.log.level", "info")
	v.SetDefault("rinashim.log.pattern", log.DefaultPattern)
	v.SetDefault("rinashim.log.time", log.DefaultTime)
	v.SetDefault("rinashim.log.appenders", []map[string]interface{}{{"type": "console"}})
}
