// Package shutdown runs the ordered teardown of the application: the control
// API first, then the proxy session, file watchers, storage and final cleanup.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"countryvpn/internal/config"
)

// Phase orders teardown. Lower phases run first.
type Phase int

const (
	// PhaseAPI stops the control API and its websocket clients
	PhaseAPI Phase = iota
	// PhaseSession stops the proxy process
	PhaseSession
	// PhaseWatchers stops file watchers and background workers
	PhaseWatchers
	// PhaseStorage closes the history database
	PhaseStorage
	// PhaseCleanup releases locks and flushes logs
	PhaseCleanup
)

var phases = []Phase{PhaseAPI, PhaseSession, PhaseWatchers, PhaseStorage, PhaseCleanup}

func (p Phase) String() string {
	switch p {
	case PhaseAPI:
		return "API"
	case PhaseSession:
		return "Session"
	case PhaseWatchers:
		return "Watchers"
	case PhaseStorage:
		return "Storage"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Func does one piece of teardown within ctx.
type Func func(ctx context.Context) error

// Step reports one finished handler.
type Step struct {
	Phase    Phase
	Name     string
	Err      error
	Duration time.Duration
}

type handler struct {
	name    string
	phase   Phase
	fn      Func
	timeout time.Duration
}

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	logger *zap.Logger

	mu             sync.Mutex
	handlers       map[Phase][]handler
	onStep         func(Step)
	handlerTimeout time.Duration
	totalTimeout   time.Duration

	once sync.Once
	err  error
}

// NewCoordinator creates a coordinator with the default time bounds.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:         logger.Named("shutdown"),
		handlers:       make(map[Phase][]handler),
		handlerTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTimeout,
	}
}

// RegisterFunc adds fn to phase. Handlers in a phase run in registration order.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[phase] = append(c.handlers[phase], handler{
		name:    name,
		phase:   phase,
		fn:      fn,
		timeout: c.handlerTimeout,
	})
	c.logger.Debug("Registered shutdown handler",
		zap.String("name", name),
		zap.String("phase", phase.String()))
}

// OnStep sets a callback invoked after every handler, on the goroutine
// running Shutdown.
func (c *Coordinator) OnStep(fn func(Step)) {
	c.mu.Lock()
	c.onStep = fn
	c.mu.Unlock()
}

// Shutdown runs every phase. Later calls return the first result without
// running anything. A failing handler does not stop the ones after it; an
// expired ctx does.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
	})
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	total := c.totalTimeout
	onStep := c.onStep
	byPhase := make(map[Phase][]handler, len(c.handlers))
	for p, hs := range c.handlers {
		byPhase[p] = append([]handler(nil), hs...)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	start := time.Now()
	c.logger.Info("Starting shutdown")

	var errs []error
	for _, phase := range phases {
		for _, h := range byPhase[phase] {
			step := c.runHandler(ctx, h)
			if onStep != nil {
				onStep(step)
			}
			if step.Err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", phase, h.name, step.Err))
			}
		}
		if ctx.Err() != nil {
			c.logger.Warn("Shutdown deadline reached, skipping remaining phases",
				zap.String("after_phase", phase.String()),
				zap.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("shutdown deadline: %w", ctx.Err()))
			break
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Shutdown finished with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	c.logger.Info("Shutdown finished", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) runHandler(ctx context.Context, h handler) Step {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.fn(hctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-hctx.Done():
		err = fmt.Errorf("timed out after %v", h.timeout)
	}

	step := Step{Phase: h.phase, Name: h.name, Err: err, Duration: time.Since(start)}
	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.name),
			zap.Duration("duration", step.Duration),
			zap.Error(err))
	} else {
		c.logger.Debug("Shutdown handler done",
			zap.String("name", h.name),
			zap.Duration("duration", step.Duration))
	}
	return step
}
