package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	probe "phantom_probe"
)

type HistoryCommand struct {
	DB    string `long:"db" required:"true" description:"sqlite file written by run --history"`
	Limit int    `long:"limit" short:"n" default:"10" description:"Number of runs to show"`
	Run   string `long:"run" description:"Show the steps of one run"`
}

func (c *HistoryCommand) Execute(args []string) error {
	path, err := filepath.Abs(c.DB)
	if err != nil {
		return err
	}
	store, err := probe.OpenRunStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	var t *table.Table

	if c.Run != "" {
		steps, err := store.Steps(ctx, c.Run)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(steps))
		for _, st := range steps {
			rows = append(rows, []string{
				fmt.Sprintf("%d", st.Seq+1), st.Waypoint, st.Outcome,
				fmt.Sprintf("%d", st.Attempts), st.Elapsed.String(), st.Error,
			})
		}
		t = table.New().Headers("#", "Waypoint", "Outcome", "Attempts", "Elapsed", "Error").Rows(rows...)
		fmt.Println(headerStyle.Render("Run " + c.Run))
	} else {
		runs, err := store.Recent(ctx, c.Limit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			result := errorStyle.Render("failed")
			if r.Success {
				result = successStyle.Render("ok")
			}
			rows = append(rows, []string{
				r.ID, r.StartedAt.Format(time.DateTime), result, r.State,
				fmt.Sprintf("%d/%d", r.Attempted, r.Planned),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			})
		}
		t = table.New().Headers("Run", "Started", "Result", "State", "Steps", "Duration").Rows(rows...)
		fmt.Println(headerStyle.Render(fmt.Sprintf("Last %d runs", len(runs))))
	}

	t = t.Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Println(t.Render())
	return nil
}
