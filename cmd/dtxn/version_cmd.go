package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/dtxn/internal/version"
)

func newVersionCommand() *cobra.Command {
	var bare, semver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dtxn version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case bare && semver:
				return fmt.Errorf("--version and --semver are mutually exclusive")
			case bare:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			case semver:
				_, err := fmt.Fprintln(out, version.Semver())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&bare, "version", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the semantic version")
	return cmd
}
