package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestGetterDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetSampleRateHz(); got != 100 {
		t.Errorf("GetSampleRateHz() = %v, want 100", got)
	}
	if got := cfg.GetListenAddr(); got != ":8888" {
		t.Errorf("GetListenAddr() = %q, want :8888", got)
	}
	if got := cfg.GetTelemetryPort(); got != 8889 {
		t.Errorf("GetTelemetryPort() = %d, want 8889", got)
	}
	if got := cfg.GetLeftAngleSign(); got != -1 {
		t.Errorf("GetLeftAngleSign() = %v, want -1", got)
	}
	if got := cfg.GetTelemetryOffsetDeg(); got != 35 {
		t.Errorf("GetTelemetryOffsetDeg() = %v, want 35", got)
	}
	if got := cfg.GetSerialPorts(); got != [2]string{"/dev/ttyO2", "/dev/ttyO4"} {
		t.Errorf("GetSerialPorts() = %v", got)
	}
	if got := cfg.GetBaudRate(); got != 57600 {
		t.Errorf("GetBaudRate() = %d, want 57600", got)
	}
	if got := cfg.GetHomingTimeout(); got != 30*time.Second {
		t.Errorf("GetHomingTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetTrajectorySteps(); got != 6 {
		t.Errorf("GetTrajectorySteps() = %d, want 6", got)
	}
	if got := cfg.GetAdminListen(); got != "" {
		t.Errorf("GetAdminListen() = %q, want empty", got)
	}
	if got := cfg.GetActuatorDriver(); got != "simulated" {
		t.Errorf("GetActuatorDriver() = %q, want simulated", got)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "orthosis.json", `{
  "sample_rate_hz": 200,
  "serial_ports": ["/dev/ttyUSB0", "/dev/ttyUSB1"],
  "homing_timeout": "5s",
  "left_angle_sign": 1,
  "db_path": ""
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.GetSampleRateHz(); got != 200 {
		t.Errorf("GetSampleRateHz() = %v, want 200", got)
	}
	if got := cfg.GetSerialPorts(); got[1] != "/dev/ttyUSB1" {
		t.Errorf("GetSerialPorts() = %v", got)
	}
	if got := cfg.GetHomingTimeout(); got != 5*time.Second {
		t.Errorf("GetHomingTimeout() = %v, want 5s", got)
	}
	if got := cfg.GetLeftAngleSign(); got != 1 {
		t.Errorf("GetLeftAngleSign() = %v, want 1", got)
	}
	if got := cfg.GetDBPath(); got != "" {
		t.Errorf("GetDBPath() = %q, want empty", got)
	}
	// Unset fields keep their defaults.
	if got := cfg.GetTelemetryPort(); got != 8889 {
		t.Errorf("GetTelemetryPort() = %d, want 8889", got)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadRejectsNonJSON(t *testing.T) {
	path := writeConfig(t, "orthosis.yaml", "{}")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), ".json") {
		t.Errorf("Expected extension error, got %v", err)
	}
}

func TestLoadRejectsLargeFile(t *testing.T) {
	path := writeConfig(t, "big.json", `{"log_dir": "`+strings.Repeat("a", 1024*1024)+`"}`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected size error, got %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, "bad.json", `{"sample_rate_hz": }`)
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }
	s := func(v string) *string { return &v }

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"zero sample rate", Config{SampleRateHz: f(0)}, true},
		{"negative gear ratio", Config{GearRatio: f(-1)}, true},
		{"bad sign", Config{LeftAngleSign: f(0.5)}, true},
		{"mirrored", Config{LeftAngleSign: f(1)}, false},
		{"port out of range", Config{TelemetryPort: i(70000)}, true},
		{"one serial port", Config{SerialPorts: []string{"/dev/ttyO2"}}, true},
		{"two serial ports", Config{SerialPorts: []string{"/dev/a", "/dev/b"}}, false},
		{"bad duration", Config{HomingTimeout: s("soon")}, true},
		{"one step", Config{TrajectorySteps: i(1)}, true},
		{"unknown driver", Config{ActuatorDriver: s("maxon")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("Failed to load %s: %v", DefaultConfigPath, err)
	}

	// The defaults file and the getters must agree.
	empty := Empty()
	if cfg.GetSampleRateHz() != empty.GetSampleRateHz() {
		t.Errorf("sample_rate_hz mismatch: %v vs %v", cfg.GetSampleRateHz(), empty.GetSampleRateHz())
	}
	if cfg.Gearing() != empty.Gearing() {
		t.Errorf("gearing mismatch: %+v vs %+v", cfg.Gearing(), empty.Gearing())
	}
	if cfg.GetMaxAccelerationRPM() != empty.GetMaxAccelerationRPM() {
		t.Errorf("max_acceleration_rpm mismatch")
	}
	if cfg.GetSerialPorts() != empty.GetSerialPorts() {
		t.Errorf("serial_ports mismatch")
	}
	if cfg.GetDBPath() != empty.GetDBPath() || cfg.GetParamsPath() != empty.GetParamsPath() {
		t.Errorf("storage paths mismatch")
	}
}
