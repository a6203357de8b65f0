//go:build nogui || headless || linux

package tray

import (
	"context"

	"go.uber.org/zap"

	"countryvpn/internal/app"
)

// App is a placeholder in builds without a system tray.
type App struct {
	logger *zap.Logger
}

// New returns a tray that cannot run.
func New(_ *app.App, _ string, logger *zap.Logger, _ func()) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("tray")}
}

// Run always returns ErrUnavailable.
func (t *App) Run(context.Context) error {
	t.logger.Debug("System tray requested in a headless build")
	return ErrUnavailable
}
