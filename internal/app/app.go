// Package app coordinates the catalog, the connection session, the prober,
// the IP resolver and the history behind one mutex. UIs (CLI, tray, control
// API) drive the application only through App.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/config"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/events"
	"countryvpn/internal/ipinfo"
	"countryvpn/internal/probe"
	"countryvpn/internal/session"
	"countryvpn/internal/shutdown"
	"countryvpn/internal/storage"
)

const serversFileName = "servers.json"

var (
	// ErrBusy rejects changing the server while a session is active
	ErrBusy = errors.New("cannot change server while connected")
	// ErrNoConfiguredServer means the catalog has nothing to test or connect to
	ErrNoConfiguredServer = errors.New("no configured server")
)

// Option configures an App.
type Option func(*App)

// WithLocator overrides how the proxy runtime is found.
func WithLocator(l session.RuntimeLocator) Option {
	return func(a *App) { a.locator = l }
}

// WithHistory records attempts and the last selected server. The caller
// keeps ownership of the manager.
func WithHistory(h *storage.Manager) Option {
	return func(a *App) { a.history = h }
}

// WithProbeOptions adds options to the prober.
func WithProbeOptions(opts ...probe.Option) Option {
	return func(a *App) { a.probeOpts = append(a.probeOpts, opts...) }
}

// WithResolverOptions adds options to every IP resolver the app builds.
func WithResolverOptions(opts ...ipinfo.Option) Option {
	return func(a *App) { a.resolverOpts = append(a.resolverOpts, opts...) }
}

// WithoutWatch disables reloading the catalog on external edits.
func WithoutWatch() Option {
	return func(a *App) { a.watch = false }
}

// App is the coordinator.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	bus         *events.Bus
	log         *eventlog.Log
	catalogFile *catalog.File
	session     *session.Session
	prober      *probe.Prober
	history     *storage.Manager

	locator      session.RuntimeLocator
	probeOpts    []probe.Option
	resolverOpts []ipinfo.Option
	watch        bool

	// mu serializes the user actions and guards the fields below
	mu            sync.Mutex
	catalog       *catalog.Catalog
	selected      string
	ipText        string
	lastIP        *ipinfo.Info
	attemptID     uint64
	cancelIPCheck context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	// workersMu orders worker Add against cancel so Wait never races an Add
	workersMu sync.Mutex
	workers   sync.WaitGroup
	watcherWg sync.WaitGroup
	started   bool
	closeOnce sync.Once
}

// New wires the components from cfg. cfg must have been validated.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger.Named("app"),
		bus:     events.NewBus(),
		catalog: catalog.New(nil, catalog.Settings{}),
		watch:   true,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.log = eventlog.New(eventlog.WithBus(a.bus))
	a.catalogFile = catalog.NewFile(ServersPath(cfg), logger)

	if a.locator == nil {
		a.locator = session.NewLocator(cfg.Proxy, logger)
	}
	a.session = session.New(
		session.WithLocator(a.locator),
		session.WithEventLog(a.log),
		session.WithBus(a.bus),
		session.WithLogger(logger),
		session.WithGracePeriod(cfg.Timeouts.GracePeriod),
		session.WithStopTimeout(cfg.Timeouts.Stop),
		session.WithLocalPort(cfg.EffectiveLocalPort(0)),
	)

	probeOpts := append([]probe.Option{
		probe.WithTimeouts(cfg.Timeouts.Echo, cfg.Timeouts.Connect),
		probe.WithLogger(logger),
	}, a.probeOpts...)
	a.prober = probe.New(probeOpts...)

	return a, nil
}

// ServersCandidates lists where the catalog document is looked for, in
// order: the working directory, the executable's directory, the data dir.
// An explicit servers-file is the only candidate.
func ServersCandidates(cfg *config.Config) []string {
	if cfg.ServersFile != "" {
		return []string{cfg.ServersFile}
	}
	var out []string
	if wd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(wd, serversFileName))
	}
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), serversFileName))
	}
	return append(out, filepath.Join(cfg.DataDir, serversFileName))
}

// ServersPath returns the first existing candidate, or the data dir
// location where a new document would be created.
func ServersPath(cfg *config.Config) string {
	candidates := ServersCandidates(cfg)
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return candidates[len(candidates)-1]
}

// Start loads the catalog, restores the last selection and begins watching
// session phases and catalog edits. A catalog load error is returned but the
// app stays usable with an empty catalog, as the desktop shell did.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	phases := a.bus.Subscribe(events.SessionPhaseChanged)
	a.watcherWg.Add(1)
	go a.watchPhases(phases)

	a.mu.Lock()
	loadErr := a.loadCatalogLocked("load")
	a.restoreSelectionLocked()
	a.mu.Unlock()

	if a.watch {
		if err := a.catalogFile.Watch(a.onCatalogChanged); err != nil {
			a.logger.Warn("Catalog watching disabled", zap.Error(err))
		}
	}

	a.logger.Info("Application started",
		zap.String("servers_file", a.catalogFile.Path()),
		zap.Int("servers", a.Catalog().Len()))
	return loadErr
}

// loadCatalogLocked reads the document and applies it. Must hold a.mu.
func (a *App) loadCatalogLocked(source string) error {
	c, err := a.catalogFile.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.log.Append("ERROR: servers.json not found. Please create it with your server configurations.")
			a.log.Append("Searched in:")
			for _, p := range ServersCandidates(a.cfg) {
				a.log.Append("  - " + p)
			}
		} else {
			a.log.Append("Error loading servers: " + err.Error())
		}
		a.logger.Warn("Failed to load server catalog",
			zap.String("path", a.catalogFile.Path()),
			zap.Error(err))
		return err
	}

	a.applyCatalogLocked(c, source)
	a.log.Append(fmt.Sprintf("Loaded %d server(s) from configuration.", c.Len()))
	a.log.Append("Configuration file: " + a.catalogFile.Path())
	return nil
}

// applyCatalogLocked makes c current. Must hold a.mu.
func (a *App) applyCatalogLocked(c *catalog.Catalog, source string) {
	a.catalog = c
	a.session.SetLocalPort(a.cfg.EffectiveLocalPort(c.Settings().ProxyPort))

	if a.selected != "" {
		if _, ok := c.Get(a.selected); !ok {
			a.selected = ""
		}
	}

	a.bus.Publish(events.Event{
		Type: events.CatalogReloaded,
		Data: events.CatalogData{
			Servers:    c.Len(),
			Configured: len(c.Configured()),
			Source:     source,
		},
	})
}

func (a *App) restoreSelectionLocked() {
	if a.history != nil {
		if id, err := a.history.LastServer(); err == nil {
			if e, ok := a.catalog.Get(id); ok {
				a.selected = e.ID
				return
			}
		}
	}
	if e, ok := a.catalog.FirstConfigured(); ok {
		a.selected = e.ID
	}
}

func (a *App) onCatalogChanged(c *catalog.Catalog) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Append("Server configuration updated. Reloading servers...")
	a.applyCatalogLocked(c, "watch")
	a.log.Append("Servers reloaded successfully.")
}

// goWorker runs fn as a tracked background worker. Nothing starts after Close.
func (a *App) goWorker(fn func(ctx context.Context)) bool {
	a.workersMu.Lock()
	defer a.workersMu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		fn(a.ctx)
	}()
	return true
}

// RegisterShutdown hands the teardown steps to the coordinator.
func (a *App) RegisterShutdown(c *shutdown.Coordinator) {
	c.RegisterFunc("session", shutdown.PhaseSession, a.session.Close)
	c.RegisterFunc("app-workers", shutdown.PhaseWatchers, a.stopBackground)
	if a.history != nil {
		c.RegisterFunc("history", shutdown.PhaseStorage, func(context.Context) error {
			return a.history.Close()
		})
	}
}

// Close stops the session and all background work. The history manager is
// left open.
func (a *App) Close(ctx context.Context) error {
	err := a.session.Close(ctx)
	if bgErr := a.stopBackground(ctx); bgErr != nil && err == nil {
		err = bgErr
	}
	return err
}

func (a *App) stopBackground(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.workersMu.Lock()
		a.cancel()
		a.workersMu.Unlock()
		if stopErr := a.catalogFile.Stop(); stopErr != nil {
			a.logger.Debug("Catalog watcher stop", zap.Error(stopErr))
		}

		done := make(chan struct{})
		go func() {
			a.workers.Wait()
			a.bus.Close()
			a.watcherWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("background workers did not stop: %w", ctx.Err())
		}
	})
	return err
}

// Config returns the settings the app was built with.
func (a *App) Config() *config.Config { return a.cfg }

// Log returns the user-facing event log.
func (a *App) Log() *eventlog.Log { return a.log }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Session exposes the connection session for read access.
func (a *App) Session() *session.Session { return a.session }

// ServersFile returns the catalog document path.
func (a *App) ServersFile() string { return a.catalogFile.Path() }

// Catalog returns the current catalog. It is never nil.
func (a *App) Catalog() *catalog.Catalog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.catalog
}
