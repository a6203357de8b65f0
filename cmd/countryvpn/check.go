package main

import (
	"github.com/spf13/cobra"
)

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Show the current public IP address and its location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, err := c.openRuntime(cmd.Context(), runtimeOptions{tail: c.out})
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.app.CheckIP(cmd.Context()); err != nil {
				return &exitError{code: 4, err: err}
			}
			return nil
		},
	}
}
