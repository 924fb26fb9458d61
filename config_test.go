package phantom_probe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestServoBusConfigValidate(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		cfg := &ServoBusConfig{Port: "/dev/ttyUSB0"}
		_, _, err := cfg.Validate("servo_bus")
		require.NoError(t, err)
		assert.Equal(t, 1000000, cfg.Baudrate)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, cfg.ServoIDs)
		assert.Equal(t, 2.0, cfg.ToleranceDegs)
		assert.NotZero(t, cfg.PollInterval)
		assert.NotZero(t, cfg.StallTimeout)
	})

	tests := []struct {
		name string
		cfg  ServoBusConfig
	}{
		{"missing port", ServoBusConfig{}},
		{"servo id out of range", ServoBusConfig{Port: "p", ServoIDs: []int{0, 1}}},
		{"duplicate servo id", ServoBusConfig{Port: "p", ServoIDs: []int{1, 1}}},
		{"too many servos", ServoBusConfig{Port: "p", ServoIDs: []int{1, 2, 3, 4, 5, 6, 7}}},
		{"negative tolerance", ServoBusConfig{Port: "p", ToleranceDegs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.cfg.Validate("servo_bus")
			assert.Error(t, err)
		})
	}
}

func TestMotorCalibrationConversion(t *testing.T) {
	mc := MotorCalibration{ID: 1, RangeMin: 500, RangeMax: 3500}
	assert.Equal(t, 0.0, mc.Degrees(2000))
	assert.InDelta(t, 90.0, mc.Degrees(3024), 1e-9)
	assert.Equal(t, 3024, mc.Raw(90))

	t.Run("round trip stays within one step", func(t *testing.T) {
		for _, deg := range []float64{-80, -12.5, 0, 3.3, 45, 80} {
			assert.InDelta(t, deg, mc.Degrees(mc.Raw(deg)), 360.0/stepsPerRevolution)
		}
	})

	t.Run("drive mode inverts", func(t *testing.T) {
		inv := mc
		inv.DriveMode = 1
		assert.Equal(t, 976, inv.Raw(90))
		assert.InDelta(t, 90.0, inv.Degrees(976), 1e-9)
	})

	t.Run("clamps to range", func(t *testing.T) {
		assert.Equal(t, 3500, mc.Raw(170))
		assert.Equal(t, 500, mc.Raw(-170))
	})
}

func TestMotorCalibrationValidate(t *testing.T) {
	assert.NoError(t, MotorCalibration{RangeMin: 0, RangeMax: 4095}.Validate())
	assert.Error(t, MotorCalibration{RangeMin: 3000, RangeMax: 1000}.Validate())
	assert.Error(t, MotorCalibration{RangeMin: 0, RangeMax: 4096}.Validate())
	assert.Error(t, MotorCalibration{RangeMin: 0, RangeMax: 100, DriveMode: 2}.Validate())
}

func TestLoadCalibrationFromFile(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("returns fromFile=true when file exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		calibFile := filepath.Join(tmpDir, "test_calibration.json")
		custom := DefaultServoCalibration()
		custom["elbow_flex"] = MotorCalibration{ID: 3, DriveMode: 1, RangeMin: 800, RangeMax: 3200}
		if err := SaveCalibrationFile(calibFile, custom); err != nil {
			t.Fatalf("Failed to create test calibration file: %v", err)
		}

		cfg := &ServoBusConfig{Port: "p", CalibrationFile: calibFile}
		cfg.Validate("")
		cal, fromFile, err := cfg.LoadCalibration(logger)
		require.NoError(t, err)

		if !fromFile {
			t.Error("Expected fromFile=true when loading from existing file")
		}
		assert.Equal(t, custom, cal)
	})

	t.Run("returns fromFile=false when no file configured", func(t *testing.T) {
		cfg := &ServoBusConfig{}
		cal, fromFile, err := cfg.LoadCalibration(logger)
		require.NoError(t, err)

		if fromFile {
			t.Error("Expected fromFile=false when no file configured")
		}
		assert.Equal(t, DefaultServoCalibration(), cal)
	})

	t.Run("fails when the configured file doesn't exist", func(t *testing.T) {
		cfg := &ServoBusConfig{CalibrationFile: "/nonexistent/path/calibration.json"}
		_, fromFile, err := cfg.LoadCalibration(logger)

		if err == nil {
			t.Error("Expected an error when the configured file doesn't exist")
		}
		assert.False(t, fromFile)
	})

	t.Run("fails when a servo is missing", func(t *testing.T) {
		calibFile := filepath.Join(t.TempDir(), "partial.json")
		partial := ServoCalibration{"shoulder_pan": {ID: 1, RangeMin: 500, RangeMax: 3500}}
		require.NoError(t, SaveCalibrationFile(calibFile, partial))

		cfg := &ServoBusConfig{Port: "p", CalibrationFile: calibFile}
		cfg.Validate("")
		_, fromFile, err := cfg.LoadCalibration(logger)
		assert.Error(t, err)
		assert.False(t, fromFile)
	})

	t.Run("relative paths resolve against VIAM_MODULE_DATA", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("VIAM_MODULE_DATA", dir)
		require.NoError(t, SaveCalibrationFile(filepath.Join(dir, "so101_calibration.json"), DefaultServoCalibration()))

		cfg := &ServoBusConfig{Port: "p", CalibrationFile: "so101_calibration.json"}
		cfg.Validate("")
		_, fromFile, err := cfg.LoadCalibration(logger)
		require.NoError(t, err)
		assert.True(t, fromFile)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
		_, err := LoadCalibrationFile(path)
		assert.Error(t, err)
	})
}
