package main

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/robot/client"
	"go.viam.com/utils/rpc"

	probe "phantom_probe"
)

// BackendOptions selects what the probe moves. Exactly one of --simulate,
// --port or --robot is used.
type BackendOptions struct {
	Simulate    bool   `long:"simulate" description:"Drive an in-memory arm instead of hardware"`
	Port        string `long:"port" description:"Serial port of an SO-101 servo bus (joint-space moves only)"`
	Calibration string `long:"calibration" description:"Calibration file for --port"`
	Robot       string `long:"robot" description:"Address of a Viam machine that owns the arm"`
	APIKeyID    string `long:"api-key-id" env:"VIAM_API_KEY_ID" description:"API key ID for --robot"`
	APIKey      string `long:"api-key" env:"VIAM_API_KEY" description:"API key for --robot"`
	Arm         string `long:"arm" default:"arm" description:"Arm component name on --robot"`
	Debug       bool   `long:"debug" description:"Log every action event"`
}

type backend interface {
	probe.Controller
	Close(ctx context.Context) error
}

func (o *BackendOptions) logger() logging.Logger {
	logger := logging.NewLogger("probe")
	if o.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

func (o *BackendOptions) open(ctx context.Context, logger logging.Logger) (backend, error) {
	selected := 0
	for _, set := range []bool{o.Simulate, o.Port != "", o.Robot != ""} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return nil, fmt.Errorf("choose exactly one of --simulate, --port or --robot")
	}

	switch {
	case o.Simulate:
		return probe.NewSimController(probe.SimConfig{MoveDuration: 300 * time.Millisecond}, logger), nil

	case o.Port != "":
		cfg := &probe.ServoBusConfig{Port: o.Port, CalibrationFile: o.Calibration}
		if _, _, err := cfg.Validate("servo_bus"); err != nil {
			return nil, err
		}
		return probe.NewServoController(ctx, cfg, logger)

	default:
		machine, err := client.New(ctx, o.Robot, logger.Sublogger("client"),
			client.WithDialOptions(rpc.WithEntityCredentials(o.APIKeyID, rpc.Credentials{
				Type:    rpc.CredentialsTypeAPIKey,
				Payload: o.APIKey,
			})),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", o.Robot, err)
		}
		res, err := machine.ResourceByName(arm.Named(o.Arm))
		if err != nil {
			machine.Close(ctx)
			return nil, err
		}
		a, ok := res.(arm.Arm)
		if !ok {
			machine.Close(ctx)
			return nil, fmt.Errorf("%q is not an arm", o.Arm)
		}
		ac, err := probe.NewArmController(ctx, a, probe.ArmControllerConfig{}, logger)
		if err != nil {
			machine.Close(ctx)
			return nil, err
		}
		return &remoteArm{ArmController: ac, machine: machine}, nil
	}
}

// remoteArm closes the machine connection along with the controller.
type remoteArm struct {
	*probe.ArmController
	machine *client.RobotClient
}

func (r *remoteArm) Close(ctx context.Context) error {
	err := r.ArmController.Close(ctx)
	if cerr := r.machine.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// stopOnCancel halts the arm as soon as ctx is cancelled, typically by Ctrl-C.
// The returned func ends the watch.
func stopOnCancel(ctx context.Context, c probe.Controller, logger logging.Logger) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		stopper, ok := c.(probe.Stopper)
		if !ok {
			return
		}
		logger.Warn("interrupted, stopping the arm")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopper.Stop(stopCtx); err != nil {
			logger.Errorf("stop failed: %v", err)
		}
	}()
	return func() { close(done) }
}
