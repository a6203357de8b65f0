package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"countryvpn/internal/config"
	"countryvpn/internal/tray"
)

var errNoTray = errors.New(`this build has no system tray; use "countryvpn serve" instead`)

func newTrayCmd(c *cli) *cobra.Command {
	var (
		password string
		prompt   bool
	)

	cmd := &cobra.Command{
		Use:   "tray",
		Short: "Run the system tray menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := resolveSecret(password, prompt, c.cfg.DataDir, os.Stdin, c.errOut)
			if err != nil {
				return err
			}
			return c.runTray(cmd.Context(), secret)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "proxy password (or set "+config.PasswordEnv+")")
	cmd.Flags().BoolVarP(&prompt, "prompt", "p", false, "read the proxy password from the terminal")
	return cmd
}

func (c *cli) runTray(ctx context.Context, secret string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, _, err := c.openRuntime(ctx, runtimeOptions{owner: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if c.cfg.API.Listen != "" {
		if err := startAPI(rt, c.cfg.API.Listen); err != nil {
			return err
		}
	}

	err = tray.New(rt.app, secret, c.logger, cancel).Run(ctx)
	switch {
	case errors.Is(err, tray.ErrUnavailable):
		return errNoTray
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
