package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full startup configuration. It is loaded once before any
// task starts and treated as immutable afterwards; the only runtime
// reconfiguration path is the validated command intake.
type Config struct {
	Pack      PackConfig      `yaml:"pack" json:"pack"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Timing    TimingConfig    `yaml:"timing" json:"timing"`
	Balancing BalancingConfig `yaml:"balancing" json:"balancing"`
	Sensors   SensorsConfig   `yaml:"sensors" json:"sensors"`
	Net       NetConfig       `yaml:"net" json:"net"`
	Serial    SerialConfig    `yaml:"serial" json:"serial"`
	Console   ConsoleConfig   `yaml:"console" json:"console"`
	Uplink    UplinkConfig    `yaml:"uplink" json:"uplink"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
}

type PackConfig struct {
	Cells      int `yaml:"cells" json:"cells"`
	TempProbes int `yaml:"temp_probes" json:"tempProbes"`
}

// LimitsConfig thresholds use the acquisition units: mV, mA, m°C.
type LimitsConfig struct {
	CellOVWarnMV  int32 `yaml:"cell_ov_warn_mv" json:"cellOvWarnMv"`
	CellOVFaultMV int32 `yaml:"cell_ov_fault_mv" json:"cellOvFaultMv"`
	CellOVLatchMV int32 `yaml:"cell_ov_latch_mv" json:"cellOvLatchMv"`
	CellUVWarnMV  int32 `yaml:"cell_uv_warn_mv" json:"cellUvWarnMv"`
	CellUVFaultMV int32 `yaml:"cell_uv_fault_mv" json:"cellUvFaultMv"`

	OverTempWarnMC  int32 `yaml:"over_temp_warn_mc" json:"overTempWarnMc"`
	OverTempFaultMC int32 `yaml:"over_temp_fault_mc" json:"overTempFaultMc"`

	CurrentWarnMA  int32 `yaml:"current_warn_ma" json:"currentWarnMa"`
	CurrentFaultMA int32 `yaml:"current_fault_ma" json:"currentFaultMa"`

	// Rate-of-change bound for any single cell, in mV per second.
	RateLimitMVPerS int32 `yaml:"rate_limit_mv_per_s" json:"rateLimitMvPerS"`

	// Fraction of invalid channels in one snapshot that raises
	// sensor_fault.
	InvalidFraction float64 `yaml:"invalid_fraction" json:"invalidFraction"`
}

type TimingConfig struct {
	AcquirePeriod   time.Duration `yaml:"acquire_period" json:"acquirePeriod"`
	ControlPeriod   time.Duration `yaml:"control_period" json:"controlPeriod"`
	NetTelemetry    time.Duration `yaml:"net_telemetry_period" json:"netTelemetryPeriod"`
	SerialTelemetry time.Duration `yaml:"serial_telemetry_period" json:"serialTelemetryPeriod"`

	// Staleness is the maximum snapshot age before the supervisor raises
	// communication_loss. Zero derives 5 × AcquirePeriod.
	Staleness time.Duration `yaml:"staleness" json:"staleness"`

	// LatchDebounce is how long a fault-tier condition must persist
	// before the machine latches.
	LatchDebounce time.Duration `yaml:"latch_debounce" json:"latchDebounce"`

	// HistoryWindow sizes the supervisor's snapshot ring for the
	// rate-of-change rule.
	HistoryWindow int `yaml:"history_window" json:"historyWindow"`
}

type BalancingConfig struct {
	Enabled   bool  `yaml:"enabled" json:"enabled"`
	EpsilonMV int32 `yaml:"epsilon_mv" json:"epsilonMv"`
}

type SensorsConfig struct {
	// Type selects the sensor front end: "sim" or "serial".
	Type     string `yaml:"type" json:"type"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type NetConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type ConsoleConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type UplinkConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Topic    string `yaml:"topic" json:"topic"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// Default returns the configuration matching the reference 12s pack.
func Default() *Config {
	return &Config{
		Pack: PackConfig{Cells: 12, TempProbes: 2},
		Limits: LimitsConfig{
			CellOVWarnMV:    4150,
			CellOVFaultMV:   4200,
			CellOVLatchMV:   4450,
			CellUVWarnMV:    3300,
			CellUVFaultMV:   3200,
			OverTempWarnMC:  55_000,
			OverTempFaultMC: 60_000,
			CurrentWarnMA:   80_000,
			CurrentFaultMA:  100_000,
			RateLimitMVPerS: 250,
			InvalidFraction: 0.25,
		},
		Timing: TimingConfig{
			AcquirePeriod:   100 * time.Millisecond,
			ControlPeriod:   50 * time.Millisecond,
			NetTelemetry:    500 * time.Millisecond,
			SerialTelemetry: 500 * time.Millisecond,
			LatchDebounce:   5 * time.Second,
			HistoryWindow:   16,
		},
		Balancing: BalancingConfig{Enabled: true, EpsilonMV: 5},
		Sensors:   SensorsConfig{Type: "sim", PortPath: "/dev/ttyAMA1", BaudRate: 115200},
		Net:       NetConfig{Enabled: true, ListenAddr: ":9220"},
		Serial:    SerialConfig{Enabled: false, PortPath: "/dev/ttyGS0", BaudRate: 115200},
		Console:   ConsoleConfig{Enabled: false, PortPath: "/dev/ttyGS1", BaudRate: 115200},
		Uplink:    UplinkConfig{Broker: "tcp://localhost:1883", ClientID: "bmsd", Topic: "bms/telemetry"},
		Dashboard: DashboardConfig{ListenAddr: ":8080"},
	}
}

// Load reads YAML from path over the defaults. A missing file keeps the
// defaults; a malformed file is an error, not a silent fallback.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[config] no config at %s, using defaults", path)
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	log.Printf("[config] loaded from %s", path)
	return cfg, cfg.Validate()
}

// Validate rejects inconsistent limits before any task starts.
func (c *Config) Validate() error {
	if c.Pack.Cells < 1 || c.Pack.Cells > 32 {
		return fmt.Errorf("pack.cells %d outside 1..32", c.Pack.Cells)
	}
	if c.Pack.TempProbes < 1 {
		return fmt.Errorf("pack.temp_probes must be >= 1")
	}
	l := c.Limits
	if !(l.CellUVFaultMV < l.CellUVWarnMV) {
		return fmt.Errorf("undervoltage limits out of order: fault %d must be below warn %d", l.CellUVFaultMV, l.CellUVWarnMV)
	}
	if !(l.CellOVWarnMV < l.CellOVFaultMV && l.CellOVFaultMV < l.CellOVLatchMV) {
		return fmt.Errorf("overvoltage limits out of order: warn %d < fault %d < latch %d required", l.CellOVWarnMV, l.CellOVFaultMV, l.CellOVLatchMV)
	}
	if !(l.CellUVWarnMV < l.CellOVWarnMV) {
		return fmt.Errorf("voltage band empty: uv warn %d >= ov warn %d", l.CellUVWarnMV, l.CellOVWarnMV)
	}
	if !(l.CurrentWarnMA > 0 && l.CurrentWarnMA < l.CurrentFaultMA) {
		return fmt.Errorf("current limits out of order")
	}
	if !(l.OverTempWarnMC < l.OverTempFaultMC) {
		return fmt.Errorf("temperature limits out of order")
	}
	if l.InvalidFraction <= 0 || l.InvalidFraction > 1 {
		return fmt.Errorf("invalid_fraction %v outside (0,1]", l.InvalidFraction)
	}
	t := c.Timing
	if t.AcquirePeriod <= 0 || t.ControlPeriod <= 0 {
		return fmt.Errorf("acquire and control periods must be positive")
	}
	if t.ControlPeriod >= t.NetTelemetry || t.ControlPeriod >= t.SerialTelemetry {
		return fmt.Errorf("control period must be shorter than telemetry periods")
	}
	if t.HistoryWindow < 2 {
		return fmt.Errorf("history_window %d too small for rate checks", t.HistoryWindow)
	}
	if c.Balancing.EpsilonMV < 0 {
		return fmt.Errorf("balancing epsilon must be >= 0")
	}
	return nil
}

// StalenessBound returns the configured staleness limit, deriving the
// default of five acquisition periods when unset.
func (c *Config) StalenessBound() time.Duration {
	if c.Timing.Staleness > 0 {
		return c.Timing.Staleness
	}
	return 5 * c.Timing.AcquirePeriod
}
