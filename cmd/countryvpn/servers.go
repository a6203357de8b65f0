package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"countryvpn/internal/catalog"
)

func newServersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Edit the server catalog",
	}
	cmd.AddCommand(newServersSetCmd(c), newServersRemoveCmd(c))
	return cmd
}

func newServersSetCmd(c *cli) *cobra.Command {
	var e catalog.Endpoint

	cmd := &cobra.Command{
		Use:   "set <server-id>",
		Short: "Add a server or change some of its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := c.openRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			// Fields not given on the command line keep their current value
			merged := e
			merged.ID = args[0]
			if cur, ok := rt.app.Catalog().Get(args[0]); ok {
				flags := cmd.Flags()
				if !flags.Changed("host") {
					merged.Host = cur.Host
				}
				if !flags.Changed("port") {
					merged.Port = cur.Port
				}
				if !flags.Changed("country") {
					merged.Country = cur.Country
				}
				if !flags.Changed("description") {
					merged.Description = cur.Description
				}
			}

			saved, err := rt.app.UpdateServer(merged)
			if err != nil {
				return err
			}
			status := "configured"
			if !saved.Configured {
				status = "not configured"
			}
			fmt.Fprintf(c.out, "Saved %s: %s (%s, %s) in %s\n",
				saved.ID, saved.Label(), saved.Address(), status, rt.app.ServersFile())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&e.Host, "host", "", "server host name or address")
	flags.IntVar(&e.Port, "port", catalog.DefaultPort, "server port")
	flags.StringVar(&e.Country, "country", "", "country name shown in menus (default: the id)")
	flags.StringVar(&e.Description, "description", "", "free text, e.g. the city")
	return cmd
}

func newServersRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <server-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a server from the catalog",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, loadErr, err := c.openRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()
			if loadErr != nil {
				return catalogRequired(loadErr)
			}

			if err := rt.app.RemoveServer(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Removed %s from %s\n", args[0], rt.app.ServersFile())
			return nil
		},
	}
}
