package phantom_probe

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.viam.com/rdk/logging"
)

// stepsPerRevolution for STS3215 servos.
const stepsPerRevolution = 4096

var so101JointNames = []string{"shoulder_pan", "shoulder_lift", "elbow_flex", "wrist_flex", "wrist_roll", "gripper"}

// ServoBusConfig configures a joint-space controller on a Feetech bus.
type ServoBusConfig struct {
	Port     string `json:"port"`               // Required: serial port path (e.g., "/dev/ttyUSB0")
	Baudrate int    `json:"baudrate,omitempty"` // default: 1000000

	ServoIDs []int `json:"servo_ids,omitempty"` // default: [1,2,3,4,5]

	Timeout time.Duration `json:"timeout,omitempty"` // bus read timeout (default: 1s)

	ToleranceDegs float64       `json:"tolerance_degs,omitempty"` // position error that counts as arrived (default: 2)
	PollInterval  time.Duration `json:"poll_interval,omitempty"`  // default: 50ms
	StallTimeout  time.Duration `json:"stall_timeout,omitempty"`  // abort when no joint moves for this long (default: 3s)

	CalibrationFile string `json:"calibration_file,omitempty"`

	// Not serialized
	Logger logging.Logger `json:"-"`
}

// Validate ensures all parts of the config are valid
func (cfg *ServoBusConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}

	if len(cfg.ServoIDs) == 0 {
		cfg.ServoIDs = []int{1, 2, 3, 4, 5}
	}
	if len(cfg.ServoIDs) > len(so101JointNames) {
		return nil, nil, fmt.Errorf("expected at most %d servo IDs, got %d", len(so101JointNames), len(cfg.ServoIDs))
	}
	seen := map[int]bool{}
	for _, id := range cfg.ServoIDs {
		if id < 1 || id > 253 {
			return nil, nil, fmt.Errorf("servo id must be between 1 and 253, got %d", id)
		}
		if seen[id] {
			return nil, nil, fmt.Errorf("duplicate servo id %d", id)
		}
		seen[id] = true
	}

	if cfg.Baudrate == 0 {
		cfg.Baudrate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.ToleranceDegs == 0 {
		cfg.ToleranceDegs = 2
	}
	if cfg.ToleranceDegs < 0 {
		return nil, nil, fmt.Errorf("tolerance_degs must be positive, got %v", cfg.ToleranceDegs)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = 3 * time.Second
	}

	return nil, nil, nil
}

// MotorCalibration maps raw servo steps to joint degrees.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

func (mc MotorCalibration) Validate() error {
	if mc.RangeMin < 0 || mc.RangeMax >= stepsPerRevolution || mc.RangeMin >= mc.RangeMax {
		return fmt.Errorf("range [%d, %d] is not within [0, %d)", mc.RangeMin, mc.RangeMax, stepsPerRevolution)
	}
	if mc.DriveMode != 0 && mc.DriveMode != 1 {
		return fmt.Errorf("drive_mode must be 0 or 1, got %d", mc.DriveMode)
	}
	return nil
}

func (mc MotorCalibration) mid() float64 {
	return float64(mc.RangeMin+mc.RangeMax) / 2
}

// Degrees converts a raw position to degrees from the middle of the range.
func (mc MotorCalibration) Degrees(raw int) float64 {
	deg := (float64(raw) - mc.mid()) * 360 / stepsPerRevolution
	if mc.DriveMode == 1 {
		deg = -deg
	}
	return deg
}

// Raw converts degrees to a raw position clamped to the calibrated range.
func (mc MotorCalibration) Raw(deg float64) int {
	if mc.DriveMode == 1 {
		deg = -deg
	}
	raw := int(math.Round(deg*stepsPerRevolution/360 + mc.mid()))
	if raw < mc.RangeMin {
		raw = mc.RangeMin
	}
	if raw > mc.RangeMax {
		raw = mc.RangeMax
	}
	return raw
}

// ServoCalibration is keyed by joint name.
type ServoCalibration map[string]MotorCalibration

// DefaultServoCalibration covers the SO-101 joints with a wide symmetric range.
func DefaultServoCalibration() ServoCalibration {
	cal := make(ServoCalibration, len(so101JointNames))
	for i, name := range so101JointNames {
		cal[name] = MotorCalibration{ID: i + 1, RangeMin: 500, RangeMax: 3500}
	}
	return cal
}

// ByID returns the calibration for a servo ID.
func (c ServoCalibration) ByID(id int) (MotorCalibration, bool) {
	for _, mc := range c {
		if mc.ID == id {
			return mc, true
		}
	}
	return MotorCalibration{}, false
}

func (c ServoCalibration) Validate(ids []int) error {
	for _, id := range ids {
		mc, ok := c.ByID(id)
		if !ok {
			return fmt.Errorf("no calibration for servo %d", id)
		}
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
	}
	return nil
}

// LoadCalibration loads the configured calibration file, or returns the
// default when none is configured. fromFile reports which one was used. A
// configured file that is missing or does not cover every servo is an error.
func (cfg *ServoBusConfig) LoadCalibration(logger logging.Logger) (cal ServoCalibration, fromFile bool, err error) {
	if cfg.CalibrationFile == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return DefaultServoCalibration(), false, nil
	}

	path := moduleDataPath(cfg.CalibrationFile)
	cal, err = LoadCalibrationFile(path)
	if err == nil {
		err = cal.Validate(cfg.ServoIDs)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load calibration from %s: %w", path, err)
	}

	logger.Infof("Successfully loaded calibration from %s", path)
	return cal, true, nil
}

// moduleDataPath resolves relative paths against VIAM_MODULE_DATA.
func moduleDataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, p)
}

func LoadCalibrationFile(path string) (ServoCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	var cal ServoCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}
	return cal, nil
}

func SaveCalibrationFile(path string, cal ServoCalibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}
