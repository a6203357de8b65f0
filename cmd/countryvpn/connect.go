package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"countryvpn/internal/config"
	"countryvpn/internal/events"
	"countryvpn/internal/session"
)

func newConnectCmd(c *cli) *cobra.Command {
	var (
		password  string
		prompt    bool
		localPort int
	)

	cmd := &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Start the proxy and stay connected until interrupted",
		Long: `Starts the SOCKS5 proxy for the given server, or for the remembered
selection when no id is given, and keeps it running until Ctrl+C.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("local-port") {
				c.cfg.Proxy.LocalPort = localPort
			}

			secret, err := resolveSecret(password, prompt, c.cfg.DataDir, os.Stdin, c.errOut)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, loadErr, err := c.openRuntime(ctx, runtimeOptions{owner: true, tail: c.out})
			if err != nil {
				return err
			}
			defer rt.close()
			if loadErr != nil {
				return catalogRequired(loadErr)
			}

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runConnected(ctx, rt, id, secret)
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "proxy password (or set "+config.PasswordEnv+")")
	cmd.Flags().BoolVarP(&prompt, "prompt", "p", false, "read the proxy password from the terminal")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "local SOCKS5 port (default from settings, else 1080)")
	return cmd
}

// runConnected starts the session and waits for ctx or a failure.
func runConnected(ctx context.Context, rt *runtime, id, secret string) error {
	phases := rt.app.Bus().Subscribe(events.SessionPhaseChanged)

	if err := rt.app.Connect(ctx, id, secret); err != nil {
		return &exitError{code: 2, err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return rt.app.Disconnect(context.Background())
		case ev, ok := <-phases:
			if !ok {
				return nil
			}
			switch ev.NewState {
			case session.Failed.String():
				data, _ := ev.Data.(events.PhaseChangeData)
				return &exitError{code: 3, err: errors.New(data.Reason)}
			case session.Disconnected.String():
				return nil
			}
		}
	}
}

// resolveSecret picks the password from the flag, an interactive prompt,
// the environment or a .env file, in that order. An empty password is allowed.
func resolveSecret(flagValue string, prompt bool, dataDir string, in *os.File, out io.Writer) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if prompt {
		return readPassword(in, out)
	}
	if v := os.Getenv(config.PasswordEnv); v != "" {
		return v, nil
	}
	v, _, err := config.DotEnvPassword(dataDir)
	if err != nil {
		return "", fmt.Errorf("failed to read .env: %w", err)
	}
	return v, nil
}

func readPassword(in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	defer fmt.Fprintln(out)

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
