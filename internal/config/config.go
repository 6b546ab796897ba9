// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/routed/internal/route"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `router:` root key in YAML.
type GlobalConfig struct {
	Interfaces []InterfaceConfig `mapstructure:"interfaces"`
	Routes     []RouteConfig     `mapstructure:"routes"`
	ARP        ARPConfig         `mapstructure:"arp"`
	ICMP       ICMPConfig        `mapstructure:"icmp"`
	Capture    CaptureConfig     `mapstructure:"capture"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Log        LogConfig         `mapstructure:"log"`
}

// ─── Interfaces & Routes ───

// InterfaceConfig declares one router port. HardwareAddr is optional; empty
// means read it from the NIC at startup.
type InterfaceConfig struct {
	Name         string `mapstructure:"name"`
	Address      string `mapstructure:"address"`
	HardwareAddr string `mapstructure:"hardware_addr"`
}

// RouteConfig declares one static routing table entry. Gateway may be empty
// or 0.0.0.0 for a directly connected subnet.
type RouteConfig struct {
	Destination string `mapstructure:"destination"`
	Mask        string `mapstructure:"mask"`
	Gateway     string `mapstructure:"gateway"`
	Interface   string `mapstructure:"interface"`
}

// ─── ARP ───

// ARPConfig tunes address-resolution retries and cache lifetime.
type ARPConfig struct {
	MaxRetries    int    `mapstructure:"max_retries"`
	RetryInterval string `mapstructure:"retry_interval"` // e.g. "1s"
	CacheTTL      string `mapstructure:"cache_ttl"`      // e.g. "15m"
}

// ─── ICMP ───

// ICMPConfig selects the source address policy for locally originated ICMP
// messages: "first-interface" (reference behavior) or "ingress-interface".
type ICMPConfig struct {
	SourcePolicy string `mapstructure:"source_policy"`
}

// ─── Capture ───

// CaptureConfig tunes the AF_PACKET ring on each interface.
type CaptureConfig struct {
	SnapLen      int    `mapstructure:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb"`
	PollTimeout  string `mapstructure:"poll_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `router: ...`.
type configRoot struct {
	Router GlobalConfig `mapstructure:"router"`
}

// Load loads configuration from file. The YAML file uses `router:` as root
// key; env vars use the ROUTER_ prefix via the key replacer (e.g., key
// "router.log.level" → env "ROUTER_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Router

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "router." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// ARP defaults
	v.SetDefault("router.arp.max_retries", 5)
	v.SetDefault("router.arp.retry_interval", "1s")
	v.SetDefault("router.arp.cache_ttl", "15m")

	// ICMP defaults
	v.SetDefault("router.icmp.source_policy", "first-interface")

	// Capture defaults
	v.SetDefault("router.capture.snap_len", 65536)
	v.SetDefault("router.capture.buffer_size_mb", 8)
	v.SetDefault("router.capture.poll_timeout", "100ms")

	// Log defaults
	v.SetDefault("router.log.level", "info")
	v.SetDefault("router.log.format", "json")
	v.SetDefault("router.log.outputs.file.enabled", false)
	v.SetDefault("router.log.outputs.file.path", "/var/log/routed/routed.log")
	v.SetDefault("router.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("router.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("router.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("router.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("router.metrics.enabled", true)
	v.SetDefault("router.metrics.listen", ":9092")
	v.SetDefault("router.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Interfaces ──
	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("at least one interface must be configured")
	}
	names := make(map[string]bool, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		if ic.Name == "" {
			return fmt.Errorf("interface with empty name")
		}
		if names[ic.Name] {
			return fmt.Errorf("duplicate interface name: %s", ic.Name)
		}
		names[ic.Name] = true
		if _, err := parseIPv4(ic.Address); err != nil {
			return fmt.Errorf("interface %s: invalid address %q: %w", ic.Name, ic.Address, err)
		}
		if ic.HardwareAddr != "" {
			if _, err := net.ParseMAC(ic.HardwareAddr); err != nil {
				return fmt.Errorf("interface %s: invalid hardware_addr %q: %w", ic.Name, ic.HardwareAddr, err)
			}
		}
	}

	// ── Routes ──
	for i, rc := range cfg.Routes {
		if _, err := parseIPv4(rc.Destination); err != nil {
			return fmt.Errorf("route %d: invalid destination %q: %w", i, rc.Destination, err)
		}
		if _, err := parseIPv4(rc.Mask); err != nil {
			return fmt.Errorf("route %d: invalid mask %q: %w", i, rc.Mask, err)
		}
		if rc.Gateway != "" {
			if _, err := parseIPv4(rc.Gateway); err != nil {
				return fmt.Errorf("route %d: invalid gateway %q: %w", i, rc.Gateway, err)
			}
		}
		if !names[rc.Interface] {
			return fmt.Errorf("route %d: unknown interface %q", i, rc.Interface)
		}
	}

	// ── ARP ──
	if cfg.ARP.MaxRetries < 1 {
		return fmt.Errorf("arp.max_retries must be at least 1")
	}
	if _, err := time.ParseDuration(cfg.ARP.RetryInterval); err != nil {
		return fmt.Errorf("invalid arp.retry_interval: %w", err)
	}
	if _, err := time.ParseDuration(cfg.ARP.CacheTTL); err != nil {
		return fmt.Errorf("invalid arp.cache_ttl: %w", err)
	}

	// ── ICMP ──
	switch cfg.ICMP.SourcePolicy {
	case "first-interface", "ingress-interface":
	default:
		return fmt.Errorf("invalid icmp.source_policy: %s (must be first-interface/ingress-interface)", cfg.ICMP.SourcePolicy)
	}

	// ── Capture ──
	if _, err := time.ParseDuration(cfg.Capture.PollTimeout); err != nil {
		return fmt.Errorf("invalid capture.poll_timeout: %w", err)
	}

	return nil
}

// RouteEntries converts the validated route configuration into the routing
// table rows the forwarding engine consumes.
func (cfg *GlobalConfig) RouteEntries() ([]route.Entry, error) {
	entries := make([]route.Entry, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		dest, err := parseIPv4(rc.Destination)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		mask, err := parseIPv4(rc.Mask)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		gw := netip.AddrFrom4([4]byte{}) // 0.0.0.0: directly connected
		if rc.Gateway != "" {
			if gw, err = parseIPv4(rc.Gateway); err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
		}
		entries = append(entries, route.Entry{
			Destination: dest,
			Mask:        mask,
			Gateway:     gw,
			Interface:   rc.Interface,
		})
	}
	return entries, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("not an IPv4 address: %s", s)
	}
	return addr, nil
}
