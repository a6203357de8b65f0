package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/session"
)

// Connect starts a session to the server id, or to the selected server when
// id is empty. It returns once the proxy is launched; the move to Connected
// is reported on the bus.
func (a *App) Connect(ctx context.Context, id, secret string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == "" {
		id = a.selected
	}
	if id == "" {
		a.log.Append("Please select a country first.")
		return fmt.Errorf("%w: no server selected", session.ErrUnknownServer)
	}

	e, ok := a.catalog.Get(id)
	if !ok {
		a.log.Append(fmt.Sprintf("Server '%s' not found in configuration", id))
		return fmt.Errorf("%w: %s", session.ErrUnknownServer, id)
	}

	// A rejected start must not move the selection away from the running server
	if !a.session.Phase().Active() {
		a.selectLocked(e, false)
	}
	return a.session.Start(ctx, e, secret)
}

// Disconnect stops the session. It is a no-op when nothing runs.
func (a *App) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopIPCheckLocked()
	if err := a.session.Stop(ctx); err != nil {
		a.log.Append("Error disconnecting: " + err.Error())
		return err
	}
	return nil
}

// Acknowledge clears a failed session.
func (a *App) Acknowledge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Acknowledge()
}

// SelectServer makes id the default target of Connect.
func (a *App) SelectServer(id string) (catalog.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session.Phase().Active() {
		return catalog.Endpoint{}, ErrBusy
	}
	e, ok := a.catalog.Get(id)
	if !ok {
		return catalog.Endpoint{}, fmt.Errorf("%w: %s", session.ErrUnknownServer, id)
	}
	a.selectLocked(e, true)
	return e, nil
}

func (a *App) selectLocked(e catalog.Endpoint, announce bool) {
	changed := a.selected != e.ID
	a.selected = e.ID
	if announce {
		a.log.Append(fmt.Sprintf("Selected country: %s (%s:%d)", e.Country, e.Host, e.Port))
	}
	if changed && a.history != nil {
		if err := a.history.SetLastServer(e.ID); err != nil {
			a.logger.Warn("Failed to remember selected server", zap.Error(err))
		}
	}
}

// Selected returns the selected server, if any.
func (a *App) Selected() (catalog.Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == "" {
		return catalog.Endpoint{}, false
	}
	return a.catalog.Get(a.selected)
}

// ReloadCatalog rereads the document.
func (a *App) ReloadCatalog() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadCatalogLocked("load")
}

// UpdateServer adds or replaces one server in the document, creating the
// document when missing. Unrelated document keys are kept.
func (a *App) UpdateServer(e catalog.Endpoint) (catalog.Endpoint, error) {
	e, err := normalize(e)
	if err != nil {
		return catalog.Endpoint{}, err
	}

	err = a.saveWith(func(endpoints []catalog.Endpoint) ([]catalog.Endpoint, error) {
		return catalog.Upsert(endpoints, e), nil
	})
	return e, err
}

// RemoveServer deletes one server from the document.
func (a *App) RemoveServer(id string) error {
	return a.saveWith(func(endpoints []catalog.Endpoint) ([]catalog.Endpoint, error) {
		out, removed := catalog.Remove(endpoints, id)
		if !removed {
			return nil, fmt.Errorf("%w: %s", session.ErrUnknownServer, id)
		}
		return out, nil
	})
}

// SaveServers replaces all servers in the document.
func (a *App) SaveServers(endpoints []catalog.Endpoint) error {
	normalized := make([]catalog.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		n, err := normalize(e)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}
	return a.saveWith(func([]catalog.Endpoint) ([]catalog.Endpoint, error) {
		return normalized, nil
	})
}

func (a *App) saveWith(fn func([]catalog.Endpoint) ([]catalog.Endpoint, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.catalogFile.EnsureExists(); err != nil {
		return err
	}
	if err := a.catalogFile.Update(fn); err != nil {
		return err
	}

	a.log.Append("Server configuration updated. Reloading servers...")
	if c := a.catalogFile.Current(); c != nil {
		a.applyCatalogLocked(c, "save")
	}
	a.log.Append("Servers reloaded successfully.")
	return nil
}

func normalize(e catalog.Endpoint) (catalog.Endpoint, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return catalog.Endpoint{}, errors.New("server id is required")
	}
	if e.Port < 0 || e.Port > 65535 {
		return catalog.Endpoint{}, fmt.Errorf("port %d out of range (1-65535)", e.Port)
	}
	return catalog.NewEndpoint(id, strings.TrimSpace(e.Country), strings.TrimSpace(e.Host), e.Port, e.Description), nil
}
