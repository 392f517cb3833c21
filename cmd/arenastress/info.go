package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/vmem"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the effective geometry of the default policy",
		Long: `The info command reports the host page size and the derived layout of a
resource built with the default policy: granularity, pool block size, and the
pool/large-block capacity threshold.

Example:
  arenastress info`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo()
		},
	}
}

func runInfo() error {
	r, err := arena.New(arena.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("building resource: %w", err)
	}
	defer r.Close()
	lay := r.Layout()

	pr := message.NewPrinter(language.English)
	rows := [][2]string{
		{"Page size", pr.Sprintf("%d B", vmem.PageSize())},
		{"Granularity", pr.Sprintf("%d B", lay.Granularity)},
		{"Pool block size", pr.Sprintf("%d B", lay.PoolBlockSize)},
		{"Pool block capacity", pr.Sprintf("%d B", lay.PoolBlockCapacity)},
		{"Garbage search depth", pr.Sprintf("%d nodes", lay.GarbageSearchDepth)},
		{"Spin limit", pr.Sprintf("%d spins", lay.SpinLimit)},
	}

	label := lipgloss.NewStyle().Bold(true).Width(22)
	if noColor {
		label = label.UnsetBold()
	}
	for _, row := range rows {
		printInfo("%s %s\n", label.Render(row[0]), row[1])
	}
	return nil
}
