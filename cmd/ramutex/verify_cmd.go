package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/sharedlog"
	"pkt.systems/ramutex/internal/svcfields"
)

var errExclusionViolated = errors.New("mutual exclusion violated")

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	var follow bool
	var asJSON bool
	cmd := &cobra.Command{
		Use:          "verify <shared-log>",
		Short:        "Audit a shared log for overlapping critical sections",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# One-shot audit after a run
ramutex verify ./shared.log

# Watch the log while peers are running; Ctrl-C prints the summary
ramutex verify --follow ./shared.log
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var report sharedlog.Report
			if follow {
				verifyLogger := svcfields.WithSubsystem(logger, "cli.verify")
				auditor := sharedlog.NewAuditor()
				err := sharedlog.Follow(cmd.Context(), path, logger, func(line []byte) error {
					if v, _ := auditor.Line(line); v != nil {
						verifyLogger.Error("sharedlog.violation", "line", v.Line, "peer_id", v.Entry.Peer, "episode", v.Entry.Episode, "reason", v.Reason)
					}
					return nil
				})
				if err != nil {
					return err
				}
				report = auditor.Report()
			} else {
				var err error
				report, err = sharedlog.Verify(path)
				if err != nil {
					return err
				}
			}
			if err := writeReport(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%s: %w", path, errExclusionViolated)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep reading as peers append until interrupted")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, report sharedlog.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if _, err := fmt.Fprintln(w, report.String()); err != nil {
		return err
	}
	for _, v := range report.Violations {
		if _, err := fmt.Fprintf(w, "  %s\n", v.String()); err != nil {
			return err
		}
	}
	return nil
}
