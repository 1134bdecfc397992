package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ulugris/orthosis/internal/sensorlink"
	"github.com/ulugris/orthosis/internal/trajectory"
	"github.com/ulugris/orthosis/internal/units"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/orthosis.defaults.json"

// Config is the runtime configuration of the orthosis. Every field is
// optional; the Get* methods supply the fitted system's values for fields
// the file leaves out, so partial configs are safe.
type Config struct {
	// Control loop
	SampleRateHz       *float64 `json:"sample_rate_hz,omitempty"`
	TelemetryOffsetDeg *float64 `json:"telemetry_offset_deg,omitempty"`
	LeftAngleSign      *float64 `json:"left_angle_sign,omitempty"`

	// Operator protocol
	ListenAddr             *string  `json:"listen_addr,omitempty"`
	TelemetryPort          *int     `json:"telemetry_port,omitempty"`
	TelemetryRateHz        *float64 `json:"telemetry_rate_hz,omitempty"`
	AndroidTelemetryRateHz *float64 `json:"android_telemetry_rate_hz,omitempty"`

	// Sensors
	SerialPorts []string `json:"serial_ports,omitempty"` // right, left
	BaudRate    *int     `json:"baud_rate,omitempty"`

	// Actuation
	PositionRateHz     *float64 `json:"position_rate_hz,omitempty"`
	MaxVelocityRPM     *float64 `json:"max_velocity_rpm,omitempty"`
	MaxAccelerationRPM *float64 `json:"max_acceleration_rpm,omitempty"`
	GearRatio          *float64 `json:"gear_ratio,omitempty"`
	EncoderCounts      *int     `json:"encoder_counts,omitempty"`
	TrajectorySteps    *int     `json:"trajectory_steps,omitempty"`
	HomingTimeout      *string  `json:"homing_timeout,omitempty"` // duration string like "30s"
	ActuatorDriver     *string  `json:"actuator_driver,omitempty"`

	// Storage and admin
	ParamsPath  *string `json:"params_path,omitempty"`
	LogDir      *string `json:"log_dir,omitempty"`
	DBPath      *string `json:"db_path,omitempty"` // empty disables the session catalog
	AdminListen *string `json:"admin_listen,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The path must have a .json
// extension and the file must be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"sample_rate_hz", c.SampleRateHz},
		{"telemetry_rate_hz", c.TelemetryRateHz},
		{"android_telemetry_rate_hz", c.AndroidTelemetryRateHz},
		{"position_rate_hz", c.PositionRateHz},
		{"max_velocity_rpm", c.MaxVelocityRPM},
		{"max_acceleration_rpm", c.MaxAccelerationRPM},
		{"gear_ratio", c.GearRatio},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.LeftAngleSign != nil && *c.LeftAngleSign != 1 && *c.LeftAngleSign != -1 {
		return fmt.Errorf("left_angle_sign must be 1 or -1, got %f", *c.LeftAngleSign)
	}
	if c.TelemetryPort != nil && (*c.TelemetryPort <= 0 || *c.TelemetryPort > 65535) {
		return fmt.Errorf("telemetry_port out of range: %d", *c.TelemetryPort)
	}
	if c.SerialPorts != nil && len(c.SerialPorts) != 2 {
		return fmt.Errorf("serial_ports needs one port per limb (right, left), got %d", len(c.SerialPorts))
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.EncoderCounts != nil && *c.EncoderCounts <= 0 {
		return fmt.Errorf("encoder_counts must be positive, got %d", *c.EncoderCounts)
	}
	if c.TrajectorySteps != nil && *c.TrajectorySteps < 2 {
		return fmt.Errorf("trajectory_steps must be at least 2, got %d", *c.TrajectorySteps)
	}
	if c.HomingTimeout != nil && *c.HomingTimeout != "" {
		if _, err := time.ParseDuration(*c.HomingTimeout); err != nil {
			return fmt.Errorf("invalid homing_timeout '%s': %w", *c.HomingTimeout, err)
		}
	}
	if c.ActuatorDriver != nil && *c.ActuatorDriver != "simulated" {
		return fmt.Errorf("unsupported actuator_driver %q", *c.ActuatorDriver)
	}
	return nil
}

func (c *Config) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return 100
	}
	return *c.SampleRateHz
}

func (c *Config) GetTelemetryOffsetDeg() float64 {
	if c.TelemetryOffsetDeg == nil {
		return 35
	}
	return *c.TelemetryOffsetDeg
}

// GetLeftAngleSign returns the sign applied to the left sensor's pitch. The
// left sensor is mounted mirrored on the fitted system.
func (c *Config) GetLeftAngleSign() float64 {
	if c.LeftAngleSign == nil {
		return -1
	}
	return *c.LeftAngleSign
}

func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8888"
	}
	return *c.ListenAddr
}

func (c *Config) GetTelemetryPort() int {
	if c.TelemetryPort == nil {
		return 8889
	}
	return *c.TelemetryPort
}

func (c *Config) GetTelemetryRateHz() float64 {
	if c.TelemetryRateHz == nil {
		return 25
	}
	return *c.TelemetryRateHz
}

func (c *Config) GetAndroidTelemetryRateHz() float64 {
	if c.AndroidTelemetryRateHz == nil {
		return 25
	}
	return *c.AndroidTelemetryRateHz
}

// GetSerialPorts returns the right and left sensor ports.
func (c *Config) GetSerialPorts() [2]string {
	if len(c.SerialPorts) != 2 {
		return [2]string{"/dev/ttyO2", "/dev/ttyO4"}
	}
	return [2]string{c.SerialPorts[0], c.SerialPorts[1]}
}

func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return sensorlink.DefaultBaudRate
	}
	return *c.BaudRate
}

func (c *Config) GetPositionRateHz() float64 {
	if c.PositionRateHz == nil {
		return 25
	}
	return *c.PositionRateHz
}

func (c *Config) GetMaxVelocityRPM() float64 {
	if c.MaxVelocityRPM == nil {
		return trajectory.DefaultMaxVelocity
	}
	return *c.MaxVelocityRPM
}

func (c *Config) GetMaxAccelerationRPM() float64 {
	if c.MaxAccelerationRPM == nil {
		return trajectory.DefaultMaxAcceleration
	}
	return *c.MaxAccelerationRPM
}

func (c *Config) GetGearRatio() float64 {
	if c.GearRatio == nil {
		return units.DefaultGearRatio
	}
	return *c.GearRatio
}

func (c *Config) GetEncoderCounts() int {
	if c.EncoderCounts == nil {
		return units.DefaultEncoderCounts
	}
	return *c.EncoderCounts
}

func (c *Config) GetTrajectorySteps() int {
	if c.TrajectorySteps == nil {
		return trajectory.DefaultSteps
	}
	return *c.TrajectorySteps
}

// GetHomingTimeout parses and returns the HomingTimeout as a time.Duration.
func (c *Config) GetHomingTimeout() time.Duration {
	if c.HomingTimeout == nil || *c.HomingTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.HomingTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c *Config) GetActuatorDriver() string {
	if c.ActuatorDriver == nil {
		return "simulated"
	}
	return *c.ActuatorDriver
}

func (c *Config) GetParamsPath() string {
	if c.ParamsPath == nil {
		return "Control.ini"
	}
	return *c.ParamsPath
}

func (c *Config) GetLogDir() string {
	if c.LogDir == nil {
		return "log"
	}
	return *c.LogDir
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "orthosis.db"
	}
	return *c.DBPath
}

func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil {
		return ""
	}
	return *c.AdminListen
}

// Gearing returns the drive train described by the config.
func (c *Config) Gearing() units.Gearing {
	return units.Gearing{Ratio: c.GetGearRatio(), EncoderCounts: c.GetEncoderCounts()}
}
