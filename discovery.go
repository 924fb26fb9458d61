// discovery.go
package phantom_probe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var SequencerDiscoveryModel = resource.NewModel("devrel", "probe", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		SequencerDiscoveryModel,
		resource.Registration[discovery.Service, *SequencerDiscoveryConfig]{
			Constructor: newSequencerDiscovery,
		})
}

// SequencerDiscoveryConfig is the configuration for the discovery service
type SequencerDiscoveryConfig struct{}

// Validate ensures the config is valid
func (cfg *SequencerDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type sequencerDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
}

func newSequencerDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	if _, err := resource.NativeConfig[*SequencerDiscoveryConfig](conf); err != nil {
		return nil, err
	}
	return &sequencerDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
	}, nil
}

// DiscoveredBus is an SO-101 servo bus found on a serial port.
type DiscoveredBus struct {
	Port            string
	Suffix          string
	CalibrationFile string
}

// DiscoverResources proposes one probe sequencer per SO-101 bus.
func (dis *sequencerDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	buses, err := DiscoverServoBuses(ctx, dis.logger)
	var configs []resource.Config
	for _, b := range buses {
		configs = append(configs, sequencerConfigFor(b))
	}
	return configs, err
}

func sequencerConfigFor(b DiscoveredBus) resource.Config {
	bus := map[string]interface{}{"port": b.Port}
	if b.CalibrationFile != "" {
		bus["calibration_file"] = b.CalibrationFile
	}
	return resource.Config{
		Name:       "probe-sequencer-" + b.Suffix,
		API:        generic.API,
		Model:      SequencerModel,
		Attributes: map[string]interface{}{"servo_bus": bus},
	}
}

// DiscoverServoBuses pings servo 1 on every candidate serial port.
func DiscoverServoBuses(ctx context.Context, logger logging.Logger) ([]DiscoveredBus, error) {
	allPorts := enumerateSerialPorts()
	candidates := filterCandidatePorts(allPorts)
	logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}

	var found []DiscoveredBus
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		if !pingArm(ctx, portPath, logger) {
			logger.Debugf("No SO-101 servos detected on %s", portPath)
			continue
		}
		suffix := extractPortSuffix(portPath)
		logger.Infof("Discovered SO-101 on %s", portPath)
		found = append(found, DiscoveredBus{
			Port:            portPath,
			Suffix:          suffix,
			CalibrationFile: findCalibrationFile(moduleDataDir, suffix, logger),
		})
	}
	return found, nil
}

func pingArm(ctx context.Context, portPath string, logger logging.Logger) bool {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: 1000000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer bus.Close()

	servo := feetech.NewServo(bus, 1, &feetech.ModelSTS3215)
	_, err = servo.Ping(ctx)
	return err == nil
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	for _, prefix := range []string{
		"/dev/ttyUSB", "/dev/ttyACM", // Linux
		"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial", // macOS
		"COM", // Windows
	} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile tries a port-specific file first, then the default.
// Returns just the filename or empty string if not found.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", "so101_calibration.json"} {
		if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
			logger.Debugf("Found calibration file: %s", name)
			return name
		}
	}
	logger.Debug("No calibration file found")
	return ""
}

func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}
	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
