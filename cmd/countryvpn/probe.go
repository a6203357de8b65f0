package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"countryvpn/internal/probe"
)

func newProbeCmd(c *cli) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "probe [server-id...]",
		Short: "Test whether servers are reachable",
		Long: `Sends an echo request and, if answered, opens a TCP connection to each
server. Without arguments the first configured server is tested, as the
Test button did; --all tests every configured server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, loadErr, err := c.openRuntime(cmd.Context(), runtimeOptions{tail: c.out})
			if err != nil {
				return err
			}
			defer rt.close()
			if loadErr != nil {
				return catalogRequired(loadErr)
			}

			ctx := cmd.Context()
			failed := 0
			switch {
			case all:
				for _, r := range rt.app.TestAll(ctx) {
					if r != probe.Reachable {
						failed++
					}
				}
			case len(args) == 0:
				_, r, err := rt.app.TestFirstConfigured(ctx)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				if r != probe.Reachable {
					failed++
				}
			default:
				for _, id := range args {
					_, r, err := rt.app.TestServer(ctx, id)
					if err != nil || r != probe.Reachable {
						failed++
					}
				}
			}

			if failed > 0 {
				return &exitError{code: 5, err: fmt.Errorf("%d server(s) unreachable", failed)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "probe every configured server")
	return cmd
}
