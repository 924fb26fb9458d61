package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	probe "phantom_probe"
)

type GotoCommand struct {
	BackendOptions `group:"Motion backend"`

	Orientation string        `long:"orientation" default:"down" choice:"down" choice:"sideways" description:"Tool orientation for typed poses"`
	Timeout     time.Duration `long:"timeout" default:"180s" description:"Time allowed per move"`
	Once        bool          `long:"once" description:"Exit after the first move"`
}

func (c *GotoCommand) Execute(args []string) error {
	logger := c.logger()
	orientation, err := probe.OrientationByName(c.Orientation)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	controller, err := c.open(ctx, logger)
	if err != nil {
		return err
	}
	defer controller.Close(context.Background())
	defer stopOnCancel(ctx, controller, logger)()

	seq := probe.NewSequencer(controller, logger)
	in := bufio.NewScanner(os.Stdin)
	failed := false

	fmt.Println(headerStyle.Render("Go to pose"))
	fmt.Println(dimStyle.Render("Enter X Y Z in centimeters, blank line to quit"))
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" || line == "q" || line == "quit" {
			break
		}
		point, err := parsePoint(line)
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			continue
		}

		target := probe.PoseAt(point.Mul(0.01), orientation)
		queue := []probe.Waypoint{
			probe.RelativeWaypoint("hold", probe.Pose{}, c.Timeout),
			probe.PoseWaypoint("goto "+target.String(), target, c.Timeout),
		}
		result := seq.Run(ctx, queue, probe.Policy{HaltOnFailure: true})
		if err := report(result); err != nil {
			failed = true
		}
		if c.Once || ctx.Err() != nil {
			break
		}
	}

	if failed {
		return errSequenceFailed
	}
	return in.Err()
}

func parsePoint(line string) (r3.Vector, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(fields) != 3 {
		return r3.Vector{}, fmt.Errorf("expected 3 coordinates, got %d", len(fields))
	}
	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		v[i] = n
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}
