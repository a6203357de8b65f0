package app

import (
	"countryvpn/internal/catalog"
	"countryvpn/internal/ipinfo"
	"countryvpn/internal/session"
)

// Status is what a UI needs to render itself.
type Status struct {
	Phase     session.Phase     `json:"phase"`
	Selected  *catalog.Endpoint `json:"selected,omitempty"`
	Server    *catalog.Endpoint `json:"server,omitempty"`
	LocalPort int               `json:"local_port"`
	PID       int               `json:"pid,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	IP        string            `json:"ip,omitempty"`
	IPInfo    *ipinfo.Info      `json:"ip_info,omitempty"`

	CanConnect     bool `json:"can_connect"`
	CanDisconnect  bool `json:"can_disconnect"`
	CanSelect      bool `json:"can_select"`
	CanAcknowledge bool `json:"can_acknowledge"`
}

// StatusLine is the one-line summary shown by the tray and the CLI.
func (s Status) StatusLine() string {
	switch s.Phase {
	case session.Connected:
		if s.Server != nil {
			return "Connected to " + s.Server.Country
		}
		return "Connected"
	case session.Connecting:
		if s.Server != nil {
			return "Connecting to " + s.Server.Country + "..."
		}
		return "Connecting..."
	case session.Failed:
		return "Connection failed"
	default:
		return "Disconnected"
	}
}

// Status returns a consistent snapshot of the app state.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.session.Snapshot()
	st := Status{
		Phase:     snap.Phase,
		Server:    snap.Server,
		LocalPort: snap.LocalPort,
		PID:       snap.PID,
		LastError: snap.LastError,
		IP:        a.ipText,
	}
	if a.lastIP != nil {
		info := *a.lastIP
		st.IPInfo = &info
	}
	if a.selected != "" {
		if e, ok := a.catalog.Get(a.selected); ok {
			st.Selected = &e
		}
	}

	active := snap.Phase.Active()
	st.CanConnect = st.Selected != nil && !active
	st.CanDisconnect = active
	st.CanSelect = !active
	st.CanAcknowledge = snap.Phase == session.Failed
	return st
}
