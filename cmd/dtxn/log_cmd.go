package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
)

func newLogCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect participant update logs",
	}
	cmd.AddCommand(newLogHeaderCommand(c))
	cmd.AddCommand(newLogDumpCommand(c))
	return cmd
}

func parseParticipant(raw string) (routing.ParticipantID, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("participant %q: %w", raw, err)
	}
	return routing.ParticipantID(n), nil
}

func openReadOnly(cmd *cobra.Command, c *cli, rawURL, participant string) (updatelog.Log, error) {
	p, err := parseParticipant(participant)
	if err != nil {
		return nil, err
	}
	return updatelog.Open(cmd.Context(), updatelog.ParticipantURL(rawURL, p), updatelog.Options{
		Participant: p,
		ReadOnly:    true,
		Logger:      c.commandLogger("cli.log"),
	})
}

func newLogHeaderCommand(c *cli) *cobra.Command {
	var participant string
	cmd := &cobra.Command{
		Use:   "header <log-url>",
		Short: "Print a log header without scanning records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openReadOnly(cmd, c, args[0], participant)
			if err != nil {
				return err
			}
			defer l.Close()
			hdr, err := l.ReadHeader(cmd.Context())
			if err != nil {
				return err
			}
			return writeHeader(cmd.OutOrStdout(), hdr)
		},
	}
	cmd.Flags().StringVarP(&participant, "participant", "p", "", "participant id used to expand {participant} in the URL")
	return cmd
}

func writeHeader(w io.Writer, hdr updatelog.Header) error {
	_, err := fmt.Fprintf(w, "participant:  %s\nwriter:       %s\ncreated:      %s (%s)\nrecords:      %s\nfirst offset: %d\nnext offset:  %d\n",
		hdr.Participant,
		hdr.WriterID,
		hdr.Created.Format("2006-01-02T15:04:05Z07:00"),
		humanize.Time(hdr.Created),
		humanize.Comma(int64(hdr.Records)),
		hdr.FirstOffset,
		hdr.NextOffset,
	)
	return err
}

func newLogDumpCommand(c *cli) *cobra.Command {
	var participant string
	var batchID uint64
	cmd := &cobra.Command{
		Use:   "dump <log-url>",
		Short: "List every batch recorded in a log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openReadOnly(cmd, c, args[0], participant)
			if err != nil {
				return err
			}
			defer l.Close()
			w := cmd.OutOrStdout()
			var records, bytes int
			err = updatelog.Scan(cmd.Context(), l, func(rec updatelog.Record) error {
				if batchID != 0 && rec.Batch.ID != batchID {
					return nil
				}
				records++
				size := rec.Batch.EncodedSize()
				bytes += size
				role := "secondary"
				switch {
				case rec.Aborted:
					role = "abort"
				case rec.Primary:
					role = "primary"
				}
				if _, err := fmt.Fprintf(w, "@%d %s %s transno=%d %s\n", rec.Offset, rec.Participant, role, rec.Transno, humanizeBytes(int64(size))); err != nil {
					return err
				}
				return update.Format(w, rec.Batch)
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s records, %s\n", humanize.Comma(int64(records)), humanizeBytes(int64(bytes)))
			return err
		},
	}
	cmd.Flags().StringVarP(&participant, "participant", "p", "", "participant id used to expand {participant} in the URL")
	cmd.Flags().Uint64Var(&batchID, "batch", 0, "only list this batch id")
	return cmd
}
