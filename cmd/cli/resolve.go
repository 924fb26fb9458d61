package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	probe "phantom_probe"
)

type ResolveCommand struct {
	Plan string `long:"plan" short:"p" description:"YAML plan (default: the soft/hard phantom plan)"`
}

func (c *ResolveCommand) Execute(args []string) error {
	plan, err := loadPlan(c.Plan)
	if err != nil {
		return err
	}
	queue, err := plan.Queue()
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(queue))
	for i, wp := range queue {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			wp.Name,
			wp.Kind.String(),
			describeTarget(wp),
			wp.Timeout.String(),
		})
	}

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("#", "Waypoint", "Kind", "Target", "Timeout").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})

	fmt.Println(headerStyle.Render(fmt.Sprintf("%d waypoints (%s, poses in meters)", len(queue), plan.Orientation)))
	fmt.Println(t.Render())
	return nil
}

func describeTarget(wp probe.Waypoint) string {
	switch wp.Kind {
	case probe.TargetPose:
		return wp.Pose.String()
	case probe.TargetCurrent:
		return "current + " + wp.Delta.String()
	case probe.TargetJoints:
		parts := make([]string, len(wp.Joints))
		for i, v := range wp.Joints {
			parts[i] = fmt.Sprintf("%.1f°", v)
		}
		return strings.Join(parts, " ")
	default:
		return wp.Action
	}
}
