// Package config loads the irrigation controller configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file (if
// any), then IRRIGATION_* environment variables. The result is validated
// before it is returned.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // site timezone must resolve on minimal images

	"gopkg.in/yaml.v3"

	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/relay"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IRRIGATION_"

// Config is the root of config.yaml.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Poll      PollConfig      `yaml:"poll"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Feed      FeedConfig      `yaml:"feed"`
	Relay     RelayConfig     `yaml:"relay"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	Name string `yaml:"name"`
	// Timezone is the zone schedule records are authored in.
	Timezone string `yaml:"timezone"`
}

// PollConfig sets the state machine tick.
type PollConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// HeartbeatConfig sets the system heartbeat period. Zero disables it.
type HeartbeatConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// FeedConfig points at the cloud feed service.
type FeedConfig struct {
	BaseURL        string `yaml:"base_url"`
	Username       string `yaml:"username"`
	Key            string `yaml:"key"`
	ScheduleFeed   string `yaml:"schedule_feed"`
	ManagementFeed string `yaml:"management_feed"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// WindowSeconds is how recent a schedule record must be to run.
	WindowSeconds int `yaml:"window_seconds"`
}

// RelayConfig selects the relay backend and wiring.
type RelayConfig struct {
	Backend string       `yaml:"backend"`
	Layout  LayoutConfig `yaml:"layout"`
	GPIO    GPIOConfig   `yaml:"gpio"`
	Modbus  ModbusConfig `yaml:"modbus"`
}

// LayoutConfig assigns relay IDs to plant functions.
type LayoutConfig struct {
	Mixers  []int `yaml:"mixers"`
	Areas   []int `yaml:"areas"`
	PumpIn  int   `yaml:"pump_in"`
	PumpOut int   `yaml:"pump_out"`
}

// GPIOConfig maps relay IDs to GPIO lines.
type GPIOConfig struct {
	Chip      string      `yaml:"chip"`
	ActiveLow bool        `yaml:"active_low"`
	Pins      map[int]int `yaml:"pins"`
}

// ModbusConfig configures the RS-485 relay bus.
type ModbusConfig struct {
	Device    string `yaml:"device"`
	BaudRate  int    `yaml:"baud_rate"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// MQTTConfig configures the broker connection. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPConfig configures the status server. An empty addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig configures the cycle log. An empty path disables it.
type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration. An empty path uses defaults and the environment.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadRelaysOnly is Load without the feed credential checks, for maintenance
// actions that only drive the relay bus.
func LoadRelaysOnly(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, requireFeed bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(requireFeed); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	l := logic.DefaultLayout()
	return &Config{
		Site: SiteConfig{
			Name:     "irrigation",
			Timezone: "Asia/Ho_Chi_Minh",
		},
		Poll:      PollConfig{IntervalMs: 100},
		Heartbeat: HeartbeatConfig{IntervalMs: 900000},
		Feed: FeedConfig{
			ScheduleFeed:   "schedule",
			ManagementFeed: "management",
			TimeoutSeconds: 5,
			WindowSeconds:  60,
		},
		Relay: RelayConfig{
			Backend: relay.BackendFake,
			Layout: LayoutConfig{
				Mixers:  l.Mixers[:],
				Areas:   l.Areas,
				PumpIn:  l.PumpIn,
				PumpOut: l.PumpOut,
			},
			GPIO: GPIOConfig{Chip: relay.DefaultGPIOChip},
			Modbus: ModbusConfig{
				Device:    relay.DefaultModbusDevice,
				BaudRate:  relay.DefaultModbusBaud,
				TimeoutMs: int(relay.DefaultModbusTimeout / time.Millisecond),
			},
		},
		MQTT:    MQTTConfig{ClientID: "irrigation-controller"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		History: HistoryConfig{Path: "./data/history.db", RetentionDays: 90},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"SITE_TIMEZONE":        &cfg.Site.Timezone,
		"FEED_BASE_URL":        &cfg.Feed.BaseURL,
		"FEED_USERNAME":        &cfg.Feed.Username,
		"FEED_KEY":             &cfg.Feed.Key,
		"FEED_SCHEDULE_FEED":   &cfg.Feed.ScheduleFeed,
		"FEED_MANAGEMENT_FEED": &cfg.Feed.ManagementFeed,
		"RELAY_BACKEND":        &cfg.Relay.Backend,
		"RELAY_MODBUS_DEVICE":  &cfg.Relay.Modbus.Device,
		"MQTT_BROKER":          &cfg.MQTT.Broker,
		"MQTT_CLIENT_ID":       &cfg.MQTT.ClientID,
		"MQTT_USERNAME":        &cfg.MQTT.Username,
		"MQTT_PASSWORD":        &cfg.MQTT.Password,
		"HTTP_ADDR":            &cfg.HTTP.Addr,
		"HISTORY_PATH":         &cfg.History.Path,
		"LOGGING_LEVEL":        &cfg.Logging.Level,
		"LOGGING_FORMAT":       &cfg.Logging.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"POLL_INTERVAL_MS":      &cfg.Poll.IntervalMs,
		"HEARTBEAT_INTERVAL_MS": &cfg.Heartbeat.IntervalMs,
		"FEED_WINDOW_SECONDS":   &cfg.Feed.WindowSeconds,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return c.validate(true)
}

// ValidateRelaysOnly is Validate without the feed credential checks.
func (c *Config) ValidateRelaysOnly() error {
	return c.validate(false)
}

func (c *Config) validate(requireFeed bool) error {
	var errs []string

	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q: %v", c.Site.Timezone, err))
	}
	if c.Poll.IntervalMs <= 0 {
		errs = append(errs, "poll.interval_ms must be positive")
	}
	if c.Heartbeat.IntervalMs < 0 {
		errs = append(errs, "heartbeat.interval_ms must not be negative")
	}

	if requireFeed && c.Feed.Username == "" {
		errs = append(errs, "feed.username is required (set "+EnvPrefix+"FEED_USERNAME)")
	}
	if requireFeed && c.Feed.Key == "" {
		errs = append(errs, "feed.key is required (set "+EnvPrefix+"FEED_KEY)")
	}
	if c.Feed.ScheduleFeed == "" || c.Feed.ManagementFeed == "" {
		errs = append(errs, "feed.schedule_feed and feed.management_feed are required")
	}
	if c.Feed.WindowSeconds <= 0 {
		errs = append(errs, "feed.window_seconds must be positive")
	}

	layoutOK := true
	if len(c.Relay.Layout.Mixers) != logic.MixerCount {
		errs = append(errs, fmt.Sprintf("relay.layout.mixers must list %d relays", logic.MixerCount))
		layoutOK = false
	} else if err := c.Layout().Validate(); err != nil {
		errs = append(errs, "relay.layout: "+err.Error())
		layoutOK = false
	}

	switch c.Relay.Backend {
	case relay.BackendFake:
	case relay.BackendGPIO:
		if layoutOK {
			for _, id := range c.Layout().All() {
				if _, ok := c.Relay.GPIO.Pins[id]; !ok {
					errs = append(errs, fmt.Sprintf("relay.gpio.pins has no line for relay %d", id))
				}
			}
		}
	case relay.BackendModbus:
		if c.Relay.Modbus.Device == "" {
			errs = append(errs, "relay.modbus.device is required")
		}
		if layoutOK {
			for _, id := range c.Layout().All() {
				if id > 247 {
					errs = append(errs, fmt.Sprintf("relay %d is not a valid modbus slave id", id))
				}
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.backend %q must be fake, gpio or modbus", c.Relay.Backend))
	}

	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Layout returns the relay assignment.
func (c *Config) Layout() logic.Layout {
	l := logic.Layout{
		Areas:   append([]int(nil), c.Relay.Layout.Areas...),
		PumpIn:  c.Relay.Layout.PumpIn,
		PumpOut: c.Relay.Layout.PumpOut,
	}
	copy(l.Mixers[:], c.Relay.Layout.Mixers)
	return l
}

// RelayDriverConfig returns the backend settings for relay.Open.
func (c *Config) RelayDriverConfig() relay.Config {
	return relay.Config{
		Backend: c.Relay.Backend,
		GPIO: relay.GPIOConfig{
			Chip:      c.Relay.GPIO.Chip,
			Pins:      c.Relay.GPIO.Pins,
			ActiveLow: c.Relay.GPIO.ActiveLow,
		},
		Modbus: relay.ModbusConfig{
			Device:   c.Relay.Modbus.Device,
			BaudRate: c.Relay.Modbus.BaudRate,
			Timeout:  time.Duration(c.Relay.Modbus.TimeoutMs) * time.Millisecond,
		},
	}
}

// Location returns the site timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return logic.ReferenceZone
	}
	return loc
}

// PollInterval returns the state machine tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period, zero when disabled.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond
}

// FeedTimeout returns the per-request feed timeout.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutSeconds) * time.Second
}

// AcceptanceWindow returns how recent a schedule record must be.
func (c *Config) AcceptanceWindow() time.Duration {
	return time.Duration(c.Feed.WindowSeconds) * time.Second
}

// HistoryRetention returns how long finished cycles are kept, zero for forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}
