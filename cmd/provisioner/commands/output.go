package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

const shutdownTimeout = 30 * time.Second

// shutdownContext outlives the command context, which is already cancelled
// after an interrupt.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printView(w io.Writer, v engine.View) error {
	if jsonOutput {
		return printJSON(w, v)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	if v.Operation != "" {
		fmt.Fprintf(tw, "Operation:\t%s\n", v.Operation)
	}
	if v.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", v.Reason)
	}
	if v.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", v.Error)
	}
	fmt.Fprintf(tw, "Resource group base:\t%s\n", v.Parameters.ResourceGroupBase)
	fmt.Fprintf(tw, "Location:\t%s\n", v.Parameters.Location)
	if v.AccountID != "" {
		fmt.Fprintf(tw, "Subscription:\t%s\n", v.AccountID)
	}
	fmt.Fprintf(tw, "Workspace:\t%s\n", v.WorkspacePath)
	fmt.Fprintf(tw, "Created:\t%s\n", v.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", v.UpdatedAt.Format(time.RFC3339))
	if v.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", v.CompletedAt.Format(time.RFC3339))
	}

	if len(v.Outputs) > 0 || len(v.Sensitive) > 0 {
		fmt.Fprintln(tw, "Outputs:\t")
		keys := make([]string, 0, len(v.Outputs))
		for k := range v.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%v\n", k, v.Outputs[k])
		}
		for _, k := range v.Sensitive {
			fmt.Fprintf(tw, "  %s\t%s\n", k, engine.RedactedValue)
		}
	}
	return tw.Flush()
}

func printViews(w io.Writer, views []engine.View) error {
	if jsonOutput {
		if views == nil {
			views = []engine.View{}
		}
		return printJSON(w, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(w, "No deployments")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBASE\tLOCATION\tCREATED\tREASON")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Status, v.Parameters.ResourceGroupBase, v.Parameters.Location,
			v.CreatedAt.Format(time.RFC3339), v.Reason)
	}
	return tw.Flush()
}

// logWriter is where streamed tool output goes: stdout, or stderr when
// stdout carries JSON.
func logWriter() io.Writer {
	if jsonOutput {
		return os.Stderr
	}
	return os.Stdout
}

func trimLine(s string) string {
	return strings.TrimRight(s, "\r\n")
}
