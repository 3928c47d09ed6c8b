package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/unitctl/unitctl/pkg/engine"
	"github.com/unitctl/unitctl/pkg/engine/runner"
)

// renderRunResult prints a run's per-unit outcomes in the requested format.
// Units are listed in execution order.
func renderRunResult(w io.Writer, result *runner.RunResult, cat *engine.Catalog, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Record())
	case "yaml":
		return yaml.NewEncoder(w).Encode(result.Record())
	default:
		return renderRunTable(w, result, cat)
	}
}

func renderRunTable(w io.Writer, result *runner.RunResult, cat *engine.Catalog) error {
	order, err := cat.Graph.Order()
	if err != nil {
		order = cat.Store.IDs()
	}

	units := result.Units()
	width := terminalWidth()

	fmt.Fprintf(w, "Run %s (%s)\n\n", result.ID, result.Mode)
	fmt.Fprintf(w, "%-24s %-14s %s\n", "UNIT", "STATUS", "DETAIL")

	for _, id := range order {
		ur, ok := units[id]
		if !ok {
			continue
		}

		detail := ""
		switch {
		case ur.Err != nil:
			detail = ur.Err.Error()
		case ur.SkipReason != "":
			detail = ur.SkipReason
		case ur.Status == runner.StatusDone && !ur.StartedAt.IsZero():
			detail = ur.FinishedAt.Sub(ur.StartedAt).Round(1e7).String()
		}
		detail = truncate(detail, width-42)

		fmt.Fprintf(w, "%-24s %-14s %s\n", truncate(id, 24), ur.Status, detail)

		for _, warning := range ur.Warnings {
			fmt.Fprintf(w, "%-24s %-14s warning: %s\n", "", "", truncate(warning, width-52))
		}
	}

	if result.Canceled() {
		fmt.Fprintln(w, "\nRun was canceled; unstarted units were skipped.")
	}

	return nil
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max < 8 {
		max = 8
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
