package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the servers of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, loadErr, err := c.openRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			if loadErr != nil {
				printLog(rt.app.Log(), c.out)
				return catalogRequired(loadErr)
			}

			selected, _ := rt.app.Selected()
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tCOUNTRY\tADDRESS\tDESCRIPTION")
			for _, e := range rt.app.Catalog().Endpoints() {
				mark := " "
				if e.ID == selected.ID {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, e.ID, e.Label(), e.Address(), e.DisplayDescription())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "\nCatalog: %s\n", rt.app.ServersFile())
			return nil
		},
	}
}
