//go:build !nogui && !headless && !linux

package tray

import (
	"context"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"countryvpn/internal/app"
	"countryvpn/internal/events"
	"countryvpn/internal/probe"
)

// App is the system tray front end.
type App struct {
	app      *app.App
	secret   string
	logger   *zap.Logger
	shutdown func()

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	statusItem     *systray.MenuItem
	ipItem         *systray.MenuItem
	serversMenu    *systray.MenuItem
	serverItems    map[string]*systray.MenuItem
	connectItem    *systray.MenuItem
	disconnectItem *systray.MenuItem
	ackItem        *systray.MenuItem
	checkIPItem    *systray.MenuItem
	testItem       *systray.MenuItem
	ready          bool
}

// New creates the tray. secret is passed to every connect; shutdown is
// called when the user picks Quit.
func New(a *app.App, secret string, logger *zap.Logger, shutdown func()) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		app:         a,
		secret:      secret,
		logger:      logger.Named("tray"),
		shutdown:    shutdown,
		serverItems: make(map[string]*systray.MenuItem),
	}
}

// Run blocks on the tray loop until ctx ends or the user quits. It must be
// called from the main goroutine.
func (t *App) Run(ctx context.Context) error {
	t.logger.Info("Starting system tray")
	t.ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	go func() {
		<-t.ctx.Done()
		systray.Quit()
	}()

	systray.Run(t.onReady, t.onExit)
	return ctx.Err()
}

func (t *App) onReady() {
	if runtime.GOOS == "darwin" {
		systray.SetTemplateIcon(iconData, iconData)
	} else {
		systray.SetIcon(iconData)
	}
	systray.SetTooltip("countryvpn")

	t.mu.Lock()
	t.statusItem = systray.AddMenuItem("Status: Disconnected", "Connection status")
	t.statusItem.Disable()
	t.ipItem = systray.AddMenuItem("IP: not checked", "Public IP address")
	t.ipItem.Disable()
	systray.AddSeparator()

	t.serversMenu = systray.AddMenuItem("Servers", "Choose the country to connect through")
	t.connectItem = systray.AddMenuItem("Connect", "Start the proxy for the selected country")
	t.disconnectItem = systray.AddMenuItem("Disconnect", "Stop the proxy")
	t.ackItem = systray.AddMenuItem("Dismiss Error", "Clear the failed connection")
	systray.AddSeparator()

	t.checkIPItem = systray.AddMenuItem("Check IP", "Look up the current public IP")
	t.testItem = systray.AddMenuItem("Test Servers", "Probe every configured server")
	editItem := systray.AddMenuItem("Edit servers.json", "Open the server catalog")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Disconnect and quit")
	t.ready = true
	t.mu.Unlock()

	t.refresh()

	go t.watchEvents()
	go t.handleClicks(editItem, quitItem)
}

func (t *App) onExit() {
	t.logger.Info("System tray exited")
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *App) watchEvents() {
	ch := t.app.Bus().SubscribeAll()
	defer t.app.Bus().UnsubscribeAll(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.SessionPhaseChanged, events.CatalogReloaded, events.IPResolved:
				t.refresh()
			}
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *App) handleClicks(editItem, quitItem *systray.MenuItem) {
	for {
		select {
		case <-t.connectItem.ClickedCh:
			go func() {
				if err := t.app.Connect(t.ctx, "", t.secret); err != nil {
					t.logger.Warn("Connect failed", zap.Error(err))
				}
				t.refresh()
			}()
		case <-t.disconnectItem.ClickedCh:
			go func() {
				if err := t.app.Disconnect(t.ctx); err != nil {
					t.logger.Warn("Disconnect failed", zap.Error(err))
				}
				t.refresh()
			}()
		case <-t.ackItem.ClickedCh:
			t.app.Acknowledge()
			t.refresh()
		case <-t.checkIPItem.ClickedCh:
			go func() {
				<-t.app.CheckIPAsync(t.ctx)
				t.refresh()
			}()
		case <-t.testItem.ClickedCh:
			go t.testServers()
		case <-editItem.ClickedCh:
			t.openFile(t.app.ServersFile())
		case <-quitItem.ClickedCh:
			t.logger.Info("Quit requested from tray")
			if t.shutdown != nil {
				t.shutdown()
			}
			t.cancel()
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *App) testServers() {
	t.mu.Lock()
	t.testItem.SetTitle("Testing...")
	t.testItem.Disable()
	t.mu.Unlock()

	results := t.app.TestAll(t.ctx)
	reachable := 0
	for _, r := range results {
		if r == probe.Reachable {
			reachable++
		}
	}
	t.logger.Info("Server test finished",
		zap.Int("tested", len(results)),
		zap.Int("reachable", reachable))

	t.mu.Lock()
	t.testItem.SetTitle("Test Servers")
	t.testItem.Enable()
	t.mu.Unlock()
}

// refresh redraws the menu from the current status.
func (t *App) refresh() {
	model := buildModel(t.app.Status(), t.app.Catalog().Endpoints())

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return
	}

	t.statusItem.SetTitle(model.Status)
	t.ipItem.SetTitle(model.IP)
	systray.SetTooltip(model.Tooltip)
	setEnabled(t.connectItem, model.Connect)
	setEnabled(t.disconnectItem, model.Disconnect)
	if model.Acknowledge {
		t.ackItem.Show()
	} else {
		t.ackItem.Hide()
	}

	seen := make(map[string]bool, len(model.Servers))
	for _, s := range model.Servers {
		seen[s.ID] = true
		item, ok := t.serverItems[s.ID]
		if !ok {
			item = t.serversMenu.AddSubMenuItemCheckbox(s.Label, s.Tooltip, s.Checked)
			t.serverItems[s.ID] = item
			go t.watchServerItem(s.ID, item)
		}
		item.SetTitle(s.Label)
		item.SetTooltip(s.Tooltip)
		item.Show()
		setEnabled(item, s.Enabled)
		if s.Checked {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
	// Menu items cannot be removed, only hidden
	for id, item := range t.serverItems {
		if !seen[id] {
			item.Hide()
		}
	}
}

func (t *App) watchServerItem(id string, item *systray.MenuItem) {
	for {
		select {
		case <-item.ClickedCh:
			if _, err := t.app.SelectServer(id); err != nil {
				t.logger.Debug("Selection rejected", zap.String("server", id), zap.Error(err))
			}
			t.refresh()
		case <-t.ctx.Done():
			return
		}
	}
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

// openFile opens a file using the OS-specific handler.
func (t *App) openFile(path string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Run(); err != nil {
		t.logger.Error("Failed to open file", zap.String("path", path), zap.Error(err))
	}
}
