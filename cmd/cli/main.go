package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"
)

type Options struct {
	Run     RunCommand     `command:"run" description:"Run a probing plan and exit non-zero if any waypoint fails"`
	Resolve ResolveCommand `command:"resolve" description:"Print the waypoint queue a plan resolves to"`
	Goto    GotoCommand    `command:"goto" description:"Interactively move the probe to typed poses"`
	Ports   PortsCommand   `command:"ports" description:"Scan serial ports for SO-101 servo buses"`
	History HistoryCommand `command:"history" description:"Show recorded runs"`
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// errSequenceFailed is returned when a run ended without every waypoint
// completing. Its message is printed by the command itself.
var errSequenceFailed = errors.New("probe sequence failed")

var opts Options
var parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

func main() {
	parser.LongDescription = "probe - phantom probing sequencer for SO-101 and Viam arms"

	_, err := parser.Parse()
	os.Exit(exitCode(err))
}

// exitCode prints err where the command has not already and maps it to the
// process status: 0 only for help or a run where every waypoint completed.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		os.Stdout.WriteString(err.Error() + "\n")
		return 0
	}
	if !errors.Is(err, errSequenceFailed) {
		os.Stderr.WriteString(errorStyle.Render(err.Error()) + "\n")
	}
	return 1
}
