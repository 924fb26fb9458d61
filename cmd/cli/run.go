package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	probe "phantom_probe"
)

type RunCommand struct {
	BackendOptions `group:"Motion backend"`

	Plan     string `long:"plan" short:"p" description:"YAML plan (default: the soft/hard phantom plan)"`
	NoHalt   bool   `long:"no-halt" description:"Keep going after a waypoint fails"`
	Attempts int    `long:"attempts" description:"Tries per waypoint, overrides the plan"`
	History  string `long:"history" description:"sqlite file to record the run in"`
	Metrics  string `long:"metrics" description:"Write run metrics in Prometheus text format to this file"`
}

func (c *RunCommand) Execute(args []string) error {
	logger := c.logger()

	plan, err := loadPlan(c.Plan)
	if err != nil {
		return err
	}
	queue, err := plan.Queue()
	if err != nil {
		return err
	}
	policy := plan.Policy()
	if c.NoHalt {
		policy.HaltOnFailure = false
	}
	if c.Attempts > 0 {
		policy.MaxAttempts = c.Attempts
	}

	var store *probe.RunStore
	if c.History != "" {
		path, err := filepath.Abs(c.History)
		if err != nil {
			return err
		}
		if store, err = probe.OpenRunStore(path); err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	controller, err := c.open(ctx, logger)
	if err != nil {
		return err
	}
	defer controller.Close(context.Background())
	defer stopOnCancel(ctx, controller, logger)()

	fmt.Println(headerStyle.Render(fmt.Sprintf("Probing %d sites, %d waypoints", len(plan.Sites), len(queue))))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))

	seq := probe.NewSequencer(controller, logger)
	step := 0
	seq.OnStep = func(r probe.StepResult) {
		step++
		fmt.Println(stepLine(step, len(queue), r))
	}

	result := seq.Run(ctx, queue, policy)

	if store != nil {
		if err := store.Record(context.Background(), result); err != nil {
			logger.Warnf("failed to record run: %v", err)
		}
	}
	if c.Metrics != "" {
		path, err := filepath.Abs(c.Metrics)
		if err == nil {
			err = probe.WriteRunMetricsFile(path, result)
		}
		if err != nil {
			logger.Warnf("failed to write metrics: %v", err)
		}
	}

	fmt.Println()
	return report(result)
}

func loadPlan(path string) (*probe.Plan, error) {
	if path == "" {
		return probe.DefaultPhantomPlan(), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return probe.LoadPlan(abs)
}

func stepLine(i, n int, r probe.StepResult) string {
	prefix := dimStyle.Render(fmt.Sprintf("[%d/%d]", i, n))
	elapsed := dimStyle.Render(r.Elapsed.Round(time.Millisecond).String())
	switch r.Outcome {
	case probe.Completed:
		return fmt.Sprintf("%s %s %s %s", prefix, successStyle.Render("✓"), r.Waypoint.Name, elapsed)
	case probe.TimedOut:
		return fmt.Sprintf("%s %s %s %s", prefix, warnStyle.Render("⏱ "+r.Outcome.String()), r.Waypoint.Name, elapsed)
	default:
		return fmt.Sprintf("%s %s %s %s", prefix, errorStyle.Render("✗ "+r.Outcome.String()), r.Waypoint.Name, elapsed)
	}
}

// report prints the run summary and turns failure into errSequenceFailed.
func report(result probe.SequenceResult) error {
	if result.Success {
		fmt.Println(successStyle.Render(fmt.Sprintf("Run %s completed: %d/%d waypoints", result.RunID, len(result.Steps), result.Planned)))
		return nil
	}

	if result.Err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Run %s rejected: %v", result.RunID, result.Err)))
		return errSequenceFailed
	}
	if failed, ok := result.Failed(); ok {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Run %s %s at %q: %s", result.RunID, result.State, failed.Waypoint.Name, failed.Outcome)))
		if failed.Err != nil {
			fmt.Println(dimStyle.Render("  " + failed.Err.Error()))
		}
	}
	fmt.Printf("%d of %d waypoints attempted\n", len(result.Steps), result.Planned)
	return errSequenceFailed
}
