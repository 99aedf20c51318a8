package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayboard/internal/archive"
	"github.com/agentworkforce/relayboard/internal/boardsync"
)

// ValidationResult describes an export that passed validation.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Events int            `json:"events"`
	First  string         `json:"first,omitempty"`
	Last   string         `json:"last,omitempty"`
	Boards []string       `json:"boards,omitempty"`
	Media  int            `json:"media"`
	Error  string         `json:"error,omitempty"`
	Counts map[string]int `json:"perBoard,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <events.json>",
		Short: "Check an event export without contacting the Kanban API",
		Long: `Validate a JSON event export against the export schema and report
which boards a sync would touch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("board-prefix", boardsync.DefaultBoardPrefix, "prefix for board names")
	return cmd
}

func runValidate(rootOpts *RootOptions, path string, out io.Writer) error {
	v := rootOpts.Config
	format := v.GetString("format")

	events, err := archive.LoadJSON(path)
	if err != nil {
		if format == "json" {
			if writeErr := writeValidation(out, format, ValidationResult{Error: err.Error()}); writeErr != nil {
				return writeErr
			}
		}
		return err
	}
	archive.SortEvents(events)

	result := ValidationResult{Valid: true, Events: len(events), Counts: map[string]int{}}
	prefix := v.GetString("board-prefix")
	for _, ev := range events {
		name := boardsync.BoardName(prefix, boardsync.WindowFor(ev.Timestamp))
		if result.Counts[name] == 0 {
			result.Boards = append(result.Boards, name)
		}
		result.Counts[name]++
		result.Media += len(ev.Media)
	}
	if len(events) > 0 {
		result.First = archive.FormatTimestamp(events[0].Timestamp)
		result.Last = archive.FormatTimestamp(events[len(events)-1].Timestamp)
	}
	rootOpts.logger().WithField("events", result.Events).Debug("export validated")
	return writeValidation(out, format, result)
}

func writeValidation(out io.Writer, format string, result ValidationResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if _, err := fmt.Fprintf(out, "%d events valid, %d media\n", result.Events, result.Media); err != nil {
		return err
	}
	if result.Events > 0 {
		if _, err := fmt.Fprintf(out, "range: %s .. %s\n", result.First, result.Last); err != nil {
			return err
		}
	}
	for _, board := range result.Boards {
		if _, err := fmt.Fprintf(out, "  %s: %d\n", board, result.Counts[board]); err != nil {
			return err
		}
	}
	return nil
}
