package qaforge

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/qaforge/qaforge/types"
)

// printExecutionSummary renders a run-once batch result to the console
func printExecutionSummary(record *types.ExecutionRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Execution %s (%s)", record.ID, formatDuration(record.Duration)))

	t.AppendHeader(table.Row{"Unit", "Outcome", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Unit", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, u := range record.Units {
		name := u.Name
		if name == "" {
			name = u.UnitID
		}
		t.AppendRow(table.Row{
			name,
			outcomeString(u.Outcome),
			formatDuration(u.Duration),
			firstLine(u.Error),
		})
	}

	switch record.Status {
	case types.StatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.StatusSkipped, types.StatusAborted:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("TOTAL %d", record.Counts.Total),
		statusString(record.Status),
		formatDuration(record.Duration),
		fmt.Sprintf("%d passed, %d failed, %d skipped, %d errored",
			record.Counts.Passed, record.Counts.Failed,
			record.Counts.Skipped, record.Counts.Errored),
	})

	t.Render()
}

func outcomeString(outcome types.UnitOutcome) string {
	switch outcome {
	case types.OutcomePassed:
		return "✓ pass"
	case types.OutcomeSkipped:
		return "- skip"
	case types.OutcomeError:
		return "! error"
	default:
		return "✗ fail"
	}
}

func statusString(status types.ExecutionStatus) string {
	switch status {
	case types.StatusPassed:
		return "✓ passed"
	case types.StatusSkipped:
		return "- skipped"
	case types.StatusAborted:
		return "◼ aborted"
	case types.StatusError:
		return "! error"
	default:
		return "✗ failed"
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:70] + "..."
	}
	return s
}

// formatDuration formats a duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
