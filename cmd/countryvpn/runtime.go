package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"countryvpn/internal/app"
	"countryvpn/internal/config"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/processlock"
	"countryvpn/internal/shutdown"
	"countryvpn/internal/storage"
)

// runtime is one started application plus its teardown.
type runtime struct {
	app         *app.App
	history     *storage.Manager
	coordinator *shutdown.Coordinator
	logger      *zap.Logger
	stopTail    func()
}

type runtimeOptions struct {
	// owner commands run a session and take the pid lock
	owner bool
	// tail prints event log lines to w as they are appended
	tail io.Writer
}

// openRuntime builds and starts the application. A missing or unreadable
// catalog is reported through the event log and returned as loadErr; the
// runtime is usable either way.
func (c *cli) openRuntime(ctx context.Context, opts runtimeOptions) (rt *runtime, loadErr error, err error) {
	rt = &runtime{
		coordinator: shutdown.NewCoordinator(c.logger),
		logger:      c.logger,
	}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	history, hErr := storage.NewManager(c.cfg.HistoryPath(), c.logger.Sugar())
	if hErr != nil {
		// another instance may hold the database
		c.logger.Warn("Connection history unavailable", zap.Error(hErr))
	}
	rt.history = history

	var appOpts []app.Option
	if history != nil {
		appOpts = append(appOpts, app.WithHistory(history))
	}
	if !opts.owner {
		appOpts = append(appOpts, app.WithoutWatch())
	}
	a, err := app.New(c.cfg, c.logger, appOpts...)
	if err != nil {
		if history != nil {
			_ = history.Close()
		}
		return nil, nil, err
	}
	rt.app = a
	a.RegisterShutdown(rt.coordinator)
	rt.coordinator.OnStep(func(s shutdown.Step) {
		if s.Err != nil {
			a.Log().Append(fmt.Sprintf("Shutdown step %s (%s) failed: %v", s.Name, s.Phase, s.Err))
		}
	})

	if opts.tail != nil {
		rt.stopTail = tailLog(a.Log(), opts.tail)
	}

	if opts.owner {
		lock := processlock.New(c.cfg.DataDir, c.logger)
		if err := lock.Acquire(0); err != nil {
			return rt, nil, err
		}
		rt.coordinator.RegisterFunc("pid-lock", shutdown.PhaseCleanup, func(context.Context) error {
			return lock.Release()
		})
	}

	loadErr = a.Start(ctx)
	return rt, loadErr, nil
}

// close runs the shutdown phases.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	err := rt.coordinator.Shutdown(ctx)
	if rt.stopTail != nil {
		rt.stopTail()
	}
	return err
}

// tailLog copies new event log lines to w until the returned func is called.
func tailLog(log *eventlog.Log, w io.Writer) func() {
	ch, unsubscribe := log.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fmt.Fprintln(w, e.String())
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// printLog writes the whole event log, for commands that do not tail it.
func printLog(log *eventlog.Log, w io.Writer) {
	for _, line := range log.Lines() {
		fmt.Fprintln(w, line)
	}
}

// catalogRequired turns a catalog load failure into the command error.
func catalogRequired(loadErr error) error {
	if loadErr == nil {
		return nil
	}
	return &exitError{code: 2, err: fmt.Errorf("server catalog unavailable: %w", loadErr)}
}
