// Command countryvpn routes local traffic through a SOCKS5 proxy in a chosen
// country. It starts the proxy script, reports its state and checks the
// resulting public IP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"countryvpn/internal/config"
	"countryvpn/internal/logs"
)

var version = "dev"

// cli carries what every subcommand needs once the root pre-run has loaded
// the configuration.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
	out        io.Writer
	errOut     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		code := 1
		var ec exitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

type exitCoder interface {
	ExitCode() int
}

// exitError ends the process with a specific status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: config.NewViper(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "countryvpn",
		Short:         "Route traffic through a SOCKS5 proxy in another country",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
		// Without a subcommand the tray runs when enabled
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.cfg.EnableTray {
				return cmd.Help()
			}
			secret, err := resolveSecret("", false, c.cfg.DataDir, os.Stdin, c.errOut)
			if err != nil {
				return err
			}
			err = c.runTray(cmd.Context(), secret)
			if errors.Is(err, errNoTray) {
				fmt.Fprintln(c.errOut, err)
				return cmd.Help()
			}
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "settings file (default: config.json in the data dir or working directory)")
	flags.String("data-dir", "", "data directory (default ~/.countryvpn)")
	flags.String("servers-file", "", "server catalog document (default: servers.json search)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-to-file", false, "also write logs to a rotating file")
	_ = c.v.BindPFlag("data-dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("servers-file", flags.Lookup("servers-file"))
	_ = c.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("logging.enable-file", flags.Lookup("log-to-file"))

	root.AddCommand(
		newListCmd(c),
		newConnectCmd(c),
		newCheckCmd(c),
		newProbeCmd(c),
		newServersCmd(c),
		newHistoryCmd(c),
		newTrayCmd(c),
		newServeCmd(c),
	)
	return root
}

// load reads the settings and builds the logger.
func (c *cli) load() error {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return err
	}
	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}
