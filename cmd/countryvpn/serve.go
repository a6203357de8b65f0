package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"countryvpn/internal/server"
	"countryvpn/internal/shutdown"
)

// defaultListen is used by serve when api.listen is not set.
const defaultListen = "127.0.0.1:8771"

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run headless with the local control API",
		Long: `Runs without a user interface. The control API accepts connect,
disconnect and check requests and streams events over a websocket at /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, _, err := c.openRuntime(ctx, runtimeOptions{owner: true, tail: c.out})
			if err != nil {
				return err
			}
			defer rt.close()

			listen := c.cfg.API.Listen
			if listen == "" {
				listen = defaultListen
			}
			if err := startAPI(rt, listen); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Control API listening on http://%s\n", listen)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("listen", "", "control API address (default "+defaultListen+")")
	_ = c.v.BindPFlag("api.listen", cmd.Flags().Lookup("listen"))
	return cmd
}

// startAPI serves the control API until the runtime shuts down.
func startAPI(rt *runtime, listen string) error {
	srv := server.New(rt.app, listen, rt.logger)
	if err := srv.Start(); err != nil {
		return err
	}
	rt.coordinator.RegisterFunc("control-api", shutdown.PhaseAPI, func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	return nil
}
