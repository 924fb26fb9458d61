package main

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"

	probe "phantom_probe"
)

type PortsCommand struct {
	Timeout time.Duration `long:"timeout" default:"10s" description:"Give up scanning after this long"`
}

func (c *PortsCommand) Execute(args []string) error {
	logger := logging.NewLogger("probe")
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	fmt.Println("Scanning for SO-101 servo buses...")
	buses, err := probe.DiscoverServoBuses(ctx, logger)
	if err != nil {
		return err
	}
	if len(buses) == 0 {
		fmt.Println("No SO-101 arms found.")
		fmt.Println(dimStyle.Render("Make sure the arm is connected and powered on."))
		return nil
	}

	for _, b := range buses {
		line := successStyle.Render("✓ ") + b.Port
		if b.CalibrationFile != "" {
			line += dimStyle.Render(" (calibration: " + b.CalibrationFile + ")")
		}
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Println("Run a plan with: " + headerStyle.Render("probe run --port "+buses[0].Port))
	return nil
}
