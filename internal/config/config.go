package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"roomwatch/internal/logging"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/threshold"
)

// Config materialises application configuration.
type Config struct {
	App            AppConfig          `mapstructure:"app"`
	Logging        logging.Config     `mapstructure:"logging"`
	Locations      []LocationConfig   `mapstructure:"locations"`
	ActiveLocation string             `mapstructure:"active_location"`
	Probe          ProbeConfig        `mapstructure:"probe"`
	Feed           FeedConfig         `mapstructure:"feed"`
	Window         WindowConfig       `mapstructure:"window"`
	Thresholds     map[string]float64 `mapstructure:"thresholds"`
	Alerting       AlertingConfig     `mapstructure:"alerting"`
	History        HistoryConfig      `mapstructure:"history"`
	Refresh        RefreshConfig      `mapstructure:"refresh"`
	Usage          UsageConfig        `mapstructure:"usage"`
	Storage        StorageConfig      `mapstructure:"storage"`
	Database       DatabaseConfig     `mapstructure:"database"`
	API            APIConfig          `mapstructure:"api"`
	Export         ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LocationConfig describes one monitored room.
type LocationConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	FeedURL string `mapstructure:"feed_url"`
	// Polling disables the push feed; the refresh timer polls the 1h range instead.
	Polling bool `mapstructure:"polling"`
}

// ProbeConfig tunes the liveness probe.
type ProbeConfig struct {
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// FeedConfig tunes push subscriptions.
type FeedConfig struct {
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BufferSize       int           `mapstructure:"buffer_size"`
	MQTTTopic        string        `mapstructure:"mqtt_topic"`
	MQTTQoS          int           `mapstructure:"mqtt_qos"`
	MQTTClientPrefix string        `mapstructure:"mqtt_client_prefix"`
}

// WindowConfig sizes the rolling live series.
type WindowConfig struct {
	Size int `mapstructure:"size"`
}

// AlertingConfig defines alert policy and routing.
type AlertingConfig struct {
	Policy    string         `mapstructure:"policy"`
	Audit     bool           `mapstructure:"audit"`
	Retention time.Duration  `mapstructure:"retention"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	SNS       SNSConfig      `mapstructure:"sns"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SNSConfig describes the AWS SNS channel.
type SNSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	TopicARN string `mapstructure:"topic_arn"`
	Region   string `mapstructure:"region"`
}

// HistoryConfig tunes historical range fetching.
type HistoryConfig struct {
	PathPrefix string        `mapstructure:"path_prefix"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	TimeZone   string        `mapstructure:"time_zone"`
}

// RefreshConfig governs the periodic re-probe and polling timer.
type RefreshConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// UsageConfig prices device on-time.
type UsageConfig struct {
	RatePerUnit float64                 `mapstructure:"rate_per_unit"`
	Classes     map[string]ClassConfig  `mapstructure:"classes"`
	Devices     map[string]DeviceConfig `mapstructure:"devices"`
}

// ClassConfig is the power rating of a device class.
type ClassConfig struct {
	PowerWatts float64 `mapstructure:"power_watts"`
}

// DeviceConfig declares a known device.
type DeviceConfig struct {
	Class         string  `mapstructure:"class"`
	BaselineHours float64 `mapstructure:"baseline_hours"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	UsageLockKey int64  `mapstructure:"usage_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROOMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "roomwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("locations", []map[string]any{
		{"id": "1", "name": "Room 1", "address": "http://192.168.1.160:5000"},
		{"id": "2", "name": "Room 2", "address": "http://192.168.1.161:5000"},
	})
	v.SetDefault("active_location", "1")

	v.SetDefault("probe.path", "/get-ip")
	v.SetDefault("probe.timeout", "5s")
	v.SetDefault("probe.user_agent", "")

	v.SetDefault("feed.reconnect_delay", "3s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.buffer_size", 16)
	v.SetDefault("feed.mqtt_topic", "home/state")
	v.SetDefault("feed.mqtt_qos", 0)
	v.SetDefault("feed.mqtt_client_prefix", "roomwatch")

	v.SetDefault("window.size", 10)

	v.SetDefault("thresholds", map[string]float64{
		telemetry.MetricTemperature: 29,
		telemetry.MetricHumidity:    85,
	})

	v.SetDefault("alerting.policy", string(threshold.SuppressUntilDrop))
	v.SetDefault("alerting.audit", true)
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.sns.enabled", false)

	v.SetDefault("history.path_prefix", "/api/data")
	v.SetDefault("history.timeout", "15s")
	v.SetDefault("history.cache_ttl", "30s")
	v.SetDefault("history.time_zone", "Local")

	v.SetDefault("refresh.interval", "30s")
	v.SetDefault("refresh.startup_delay", "0s")

	v.SetDefault("usage.rate_per_unit", 7.15)
	v.SetDefault("usage.classes", map[string]any{
		"fan":   map[string]any{"power_watts": 75.0},
		"light": map[string]any{"power_watts": 40.0},
	})
	devices := map[string]any{"fan": map[string]any{"class": "fan", "baseline_hours": 3.0}}
	for i := 1; i <= 4; i++ {
		devices[fmt.Sprintf("light%d", i)] = map[string]any{"class": "light", "baseline_hours": 3.0}
	}
	v.SetDefault("usage.devices", devices)

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.path", "roomwatch-state.json")
	v.SetDefault("storage.usage_lock_key", int64(0x726d7761))

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("export.width", 1280)
	v.SetDefault("export.height", 480)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one location must be configured")
	}
	seen := make(map[string]bool, len(c.Locations))
	for i, loc := range c.Locations {
		if strings.TrimSpace(loc.ID) == "" {
			return fmt.Errorf("locations[%d].id is required", i)
		}
		if seen[loc.ID] {
			return fmt.Errorf("duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true
	}
	if c.ActiveLocation != "" && !seen[c.ActiveLocation] {
		return fmt.Errorf("active_location %q is not a configured location", c.ActiveLocation)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be greater than zero")
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be greater than zero")
	}
	if c.Feed.MQTTQoS < 0 || c.Feed.MQTTQoS > 2 {
		return fmt.Errorf("feed.mqtt_qos must be 0, 1 or 2")
	}
	if c.Window.Size < 1 || c.Window.Size > 500 {
		return fmt.Errorf("window.size must be between 1 and 500")
	}
	if _, err := threshold.ParsePolicy(c.Alerting.Policy); err != nil {
		return fmt.Errorf("alerting.policy: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention cannot be negative")
	}
	if c.Alerting.SNS.Enabled && c.Alerting.SNS.TopicARN == "" {
		return fmt.Errorf("alerting.sns.topic_arn is required")
	}
	if c.History.CacheTTL < 0 {
		return fmt.Errorf("history.cache_ttl cannot be negative")
	}
	if _, err := c.HistoryTimeZone(); err != nil {
		return err
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be greater than zero")
	}
	if c.Usage.RatePerUnit < 0 {
		return fmt.Errorf("usage.rate_per_unit cannot be negative")
	}
	for name, class := range c.Usage.Classes {
		if class.PowerWatts < 0 {
			return fmt.Errorf("usage.classes.%s.power_watts cannot be negative", name)
		}
	}
	for id, dev := range c.Usage.Devices {
		if dev.BaselineHours < 0 {
			return fmt.Errorf("usage.devices.%s.baseline_hours cannot be negative", id)
		}
		if dev.Class != "" {
			if _, ok := c.Usage.Classes[dev.Class]; !ok {
				return fmt.Errorf("usage.devices.%s.class %q is not a configured class", id, dev.Class)
			}
		}
	}
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendFile, BackendPostgres)
	}
	return nil
}

// LocationList converts configured locations in declaration order.
func (c *Config) LocationList() []telemetry.Location {
	out := make([]telemetry.Location, 0, len(c.Locations))
	for _, l := range c.Locations {
		name := l.Name
		if name == "" {
			name = "Room " + l.ID
		}
		out = append(out, telemetry.Location{ID: l.ID, Name: name, Address: l.Address, FeedURL: l.FeedURL})
	}
	return out
}

// PollingLocations lists locations that use the polling fallback.
func (c *Config) PollingLocations() map[string]bool {
	out := make(map[string]bool)
	for _, l := range c.Locations {
		if l.Polling {
			out[l.ID] = true
		}
	}
	return out
}

// AlertPolicy returns the validated acknowledgement policy.
func (c *Config) AlertPolicy() threshold.Policy {
	p, err := threshold.ParsePolicy(c.Alerting.Policy)
	if err != nil {
		return threshold.SuppressUntilDrop
	}
	return p
}

// HistoryTimeZone resolves history.time_zone.
func (c *Config) HistoryTimeZone() (*time.Location, error) {
	switch c.History.TimeZone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.History.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("history.time_zone: %w", err)
		}
		return loc, nil
	}
}

// Baselines returns the configured baseline hours per device.
func (c *Config) Baselines() map[string]float64 {
	out := make(map[string]float64, len(c.Usage.Devices))
	for id, dev := range c.Usage.Devices {
		out[id] = dev.BaselineHours
	}
	return out
}

// DeviceIDs lists configured devices in order.
func (c *Config) DeviceIDs() []string {
	ids := make([]string, 0, len(c.Usage.Devices))
	for id := range c.Usage.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
