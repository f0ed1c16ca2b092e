package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpu-queue/internal/journal"
)

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
		Long:  "Replay or verify the checksummed event journal written by serve (plain or .gz rotated files).",
	}
	cmd.AddCommand(buildJournalReplayCommand())
	cmd.AddCommand(buildJournalVerifyCommand())
	return cmd
}

func buildJournalReplayCommand() *cobra.Command {
	var (
		eventType string
		jobID     string
	)
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Print journal entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return journal.ReplayFile(args[0], func(e journal.Entry) error {
				if eventType != "" && e.Type != eventType {
					return nil
				}
				if jobID != "" && e.JobID != jobID {
					return nil
				}
				ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano)
				_, err := fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", e.Seq, ts, e.Type, e.JobID, e.Data)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only show this event type")
	cmd.Flags().StringVar(&jobID, "job", "", "only show events of this job")
	return cmd
}

func buildJournalVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify journal checksums and sequence numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				count   int
				lastSeq uint64
			)
			err := journal.ReplayFile(args[0], func(e journal.Entry) error {
				if count > 0 && e.Seq <= lastSeq {
					return fmt.Errorf("sequence went backwards at %d (previous %d)", e.Seq, lastSeq)
				}
				lastSeq = e.Seq
				count++
				return nil
			})
			if err != nil {
				var ce *journal.ChecksumError
				if errors.As(err, &ce) {
					return fmt.Errorf("journal corrupted at seq %d: %w", ce.Seq, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries, last seq %d\n", count, lastSeq)
			return nil
		},
	}
}
