package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/BBlag/mp2stix/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mp2stix",
		// The root pre-run loads configuration, which a version check does not need.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mp2stix %s (%s %s/%s)\n",
				config.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
