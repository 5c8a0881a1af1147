package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/dtxn"
)

func newReplayCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recover batches from participant update logs",
	}
	cmd.AddCommand(newReplayPlanCommand(c))
	cmd.AddCommand(newReplayRunCommand(c))
	return cmd
}

// withNode opens a node from the CLI configuration, runs fn and closes it.
func withNode(cmd *cobra.Command, c *cli, subsystem string, fn func(*dtxn.Node) error) error {
	cfg, err := c.nodeConfig(subsystem)
	if err != nil {
		return err
	}
	node, err := dtxn.NewNode(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := node.Close(ctx); err != nil {
			cfg.Logger.Warn("cli.node.close_failed", "error", err)
		}
	}()
	return fn(node)
}

func newReplayPlanCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "List the batches recovery would drive, in order, without executing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, c, "cli.replay.plan", func(node *dtxn.Node) error {
				plan, err := node.Plan(cmd.Context())
				if err != nil {
					return err
				}
				return writePlan(cmd.OutOrStdout(), plan)
			})
		},
	}
}

func writePlan(w io.Writer, plan []dtxn.PlanEntry) error {
	if len(plan) == 0 {
		_, err := fmt.Fprintln(w, "nothing to replay")
		return err
	}
	for i, entry := range plan {
		parts := make([]string, 0, len(entry.Participants))
		for _, pp := range entry.Participants {
			if pp.Committed {
				parts = append(parts, fmt.Sprintf("%s=committed@%d", pp.Participant, pp.Cookie))
			} else {
				parts = append(parts, fmt.Sprintf("%s=pending", pp.Participant))
			}
		}
		line := fmt.Sprintf("%3d batch=%d master_seq=%d ops=%d %s", i, entry.BatchID, entry.MasterSeq, entry.Ops, strings.Join(parts, " "))
		if entry.Err != nil {
			line += " error=" + entry.Err.Error()
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func newReplayRunCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Redrive every batch some participant did not commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, c, "cli.replay.run", func(node *dtxn.Node) error {
				rep, runErr := node.Recover(cmd.Context())
				if err := writeReport(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func writeReport(w io.Writer, rep dtxn.ReplayReport) error {
	_, err := fmt.Fprintf(w, "run %s: records=%d retired=%d redriven=%d already_committed=%d remaining=%d\n",
		rep.RunID, rep.Records, rep.Retired, rep.Redriven, rep.AlreadyCommitted, rep.Remaining)
	if err != nil || rep.Failed == nil {
		return err
	}
	_, err = fmt.Fprintf(w, "failed batch=%d master_seq=%d attempts=%d: %v\n",
		rep.Failed.BatchID, rep.Failed.MasterSeq, rep.Failed.Attempts, rep.Failed.Err)
	return err
}
