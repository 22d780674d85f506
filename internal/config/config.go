package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/heitortanoue/reckon/pkg/exchange"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/pdr"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix is prepended to environment overrides, e.g. RECKON_HTTP_PORT
const EnvPrefix = "RECKON"

// Motion sample rates the step detector is tuned for, in Hz
const (
	MinSampleRate = 20
	MaxSampleRate = 200
)

// Config is the node configuration
type Config struct {
	// Identification
	NodeID      string `json:"node_id" mapstructure:"node_id"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`

	// Network
	BindAddr   string   `json:"bind_addr" mapstructure:"bind_addr"`
	HTTPPort   int      `json:"http_port" mapstructure:"http_port"`
	GossipPort int      `json:"gossip_port" mapstructure:"gossip_port"`
	Seeds      []string `json:"seeds" mapstructure:"seeds"`

	// Runtime settings, reloadable
	StepLength              float64 `json:"step_length" mapstructure:"step_length"`
	DistanceBetweenMeetings float64 `json:"distance_between_meetings" mapstructure:"distance_between_meetings"`
	BeaconMode              bool    `json:"beacon_mode" mapstructure:"beacon_mode"`
	ExchangeEnabled         bool    `json:"exchange_enabled" mapstructure:"exchange_enabled"`

	// Where the walk starts, or where the beacon stands
	StartLatitude  float64 `json:"start_latitude" mapstructure:"start_latitude"`
	StartLongitude float64 `json:"start_longitude" mapstructure:"start_longitude"`
	StartDeviation float64 `json:"start_deviation" mapstructure:"start_deviation"`

	// Exchange
	Reconciler       string        `json:"reconciler" mapstructure:"reconciler"`
	SoundChannel     uint8         `json:"sound_channel" mapstructure:"sound_channel"`
	AckTimeout       time.Duration `json:"ack_timeout" mapstructure:"ack_timeout"`
	StaleAfter       time.Duration `json:"stale_after" mapstructure:"stale_after"`
	ExchangeInterval time.Duration `json:"exchange_interval" mapstructure:"exchange_interval"`
	Cooldown         time.Duration `json:"cooldown" mapstructure:"cooldown"`
	HistorySize      int           `json:"history_size" mapstructure:"history_size"`

	// Liveness
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `json:"heartbeat_jitter" mapstructure:"heartbeat_jitter"`

	// Simulated sensors
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`
	Cadence    float64 `json:"cadence" mapstructure:"cadence"`
	Heading    float64 `json:"heading" mapstructure:"heading"`
	TurnRate   float64 `json:"turn_rate" mapstructure:"turn_rate"`
	Seed       int64   `json:"seed" mapstructure:"seed"`

	// Recording, empty disables
	RecordPath string `json:"record_path" mapstructure:"record_path"`
}

// DefaultConfig returns the configuration of a walker node on localhost ports
func DefaultConfig() *Config {
	settings := pdr.DefaultSettings()
	exch := exchange.DefaultConfig()

	return &Config{
		NodeID:                  "node-1",
		BindAddr:                "0.0.0.0",
		HTTPPort:                8080,
		GossipPort:              7946,
		StepLength:              settings.StepLength,
		DistanceBetweenMeetings: settings.DistanceBetweenMeetings,
		BeaconMode:              settings.BeaconMode,
		ExchangeEnabled:         settings.ExchangeEnabled,
		StartLatitude:           48.137154,
		StartLongitude:          11.576124,
		StartDeviation:          5,
		Reconciler:              exch.Reconciler.Name(),
		AckTimeout:              exch.AckTimeout,
		StaleAfter:              exch.StaleAfter,
		ExchangeInterval:        exch.ExchangeInterval,
		Cooldown:                exch.Cooldown,
		HistorySize:             exch.HistorySize,
		HeartbeatInterval:       5 * time.Second,
		HeartbeatJitter:         time.Second,
		SampleRate:              50,
		Cadence:                 1.8,
		Seed:                    1,
	}
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is empty", ErrInvalid)
	}
	for name, port := range map[string]int{"http_port": c.HTTPPort, "gossip_port": c.GossipPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
		}
	}
	if c.HTTPPort == c.GossipPort {
		return fmt.Errorf("%w: http_port and gossip_port are both %d", ErrInvalid, c.HTTPPort)
	}
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.Start().Position().Valid() {
		return fmt.Errorf("%w: start position (%f, %f)", ErrInvalid, c.StartLatitude, c.StartLongitude)
	}
	if c.StartDeviation < 0 {
		return fmt.Errorf("%w: start_deviation is negative", ErrInvalid)
	}
	if _, err := exchange.ReconcilerByName(c.Reconciler); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.AckTimeout <= 0 || c.ExchangeInterval <= 0 {
		return fmt.Errorf("%w: ack_timeout and exchange_interval must be positive", ErrInvalid)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	}
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample_rate %.1f outside [%d, %d] Hz", ErrInvalid, c.SampleRate, MinSampleRate, MaxSampleRate)
	}
	return nil
}

// Settings returns the reloadable part
func (c *Config) Settings() pdr.SettingsValues {
	return pdr.SettingsValues{
		StepLength:              c.StepLength,
		DistanceBetweenMeetings: c.DistanceBetweenMeetings,
		BeaconMode:              c.BeaconMode,
		ExchangeEnabled:         c.ExchangeEnabled,
	}
}

// Start returns the configured start (or beacon) position
func (c *Config) Start() location.Absolute {
	return location.At(float64(time.Now().UnixNano())/1e9,
		location.Coordinate{Latitude: c.StartLatitude, Longitude: c.StartLongitude}, c.StartDeviation)
}

// Exchange returns the engine configuration. The reconciler name must have
// passed Validate.
func (c *Config) Exchange() exchange.Config {
	reconciler, err := exchange.ReconcilerByName(c.Reconciler)
	if err != nil {
		reconciler = exchange.PreferLowerDeviation{}
	}
	name := c.DisplayName
	if name == "" {
		name = c.NodeID
	}

	cfg := exchange.DefaultConfig()
	cfg.DisplayName = name
	cfg.Reconciler = reconciler
	cfg.AckTimeout = c.AckTimeout
	cfg.StaleAfter = c.StaleAfter
	cfg.ExchangeInterval = c.ExchangeInterval
	cfg.Cooldown = c.Cooldown
	cfg.HistorySize = c.HistorySize
	return cfg
}

// Loader reads the configuration from defaults, an optional file and
// RECKON_* environment variables, in increasing priority.
type Loader struct {
	v       *viper.Viper
	path    string
	current *Config
	mutex   sync.RWMutex
}

func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Load is NewLoader(path).Load()
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads and validates the configuration
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", l.path, err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mutex.Lock()
	l.current = cfg
	l.mutex.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the last valid configuration
func (l *Loader) Current() *Config {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.current
}

// Watch calls onChange with every valid version of the file written after
// Load. Invalid versions are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Printf("[CONFIG] Ignoring change in %s: %v", e.Name, err)
			return
		}

		l.mutex.Lock()
		l.current = cfg
		l.mutex.Unlock()

		log.Printf("[CONFIG] Reloaded %s (%s)", e.Name, e.Op)
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("display_name", d.DisplayName)
	v.SetDefault("bind_addr", d.BindAddr)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("gossip_port", d.GossipPort)
	v.SetDefault("seeds", d.Seeds)
	v.SetDefault("step_length", d.StepLength)
	v.SetDefault("distance_between_meetings", d.DistanceBetweenMeetings)
	v.SetDefault("beacon_mode", d.BeaconMode)
	v.SetDefault("exchange_enabled", d.ExchangeEnabled)
	v.SetDefault("start_latitude", d.StartLatitude)
	v.SetDefault("start_longitude", d.StartLongitude)
	v.SetDefault("start_deviation", d.StartDeviation)
	v.SetDefault("reconciler", d.Reconciler)
	v.SetDefault("sound_channel", d.SoundChannel)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("stale_after", d.StaleAfter)
	v.SetDefault("exchange_interval", d.ExchangeInterval)
	v.SetDefault("cooldown", d.Cooldown)
	v.SetDefault("history_size", d.HistorySize)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("heartbeat_jitter", d.HeartbeatJitter)
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("cadence", d.Cadence)
	v.SetDefault("heading", d.Heading)
	v.SetDefault("turn_rate", d.TurnRate)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("record_path", d.RecordPath)
}
