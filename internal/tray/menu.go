package tray

import (
	"errors"
	"fmt"

	"countryvpn/internal/app"
	"countryvpn/internal/catalog"
	"countryvpn/internal/session"
)

// ErrUnavailable is returned by Run in builds without a system tray.
var ErrUnavailable = errors.New("system tray is not available in this build")

type serverEntry struct {
	ID      string
	Label   string
	Tooltip string
	Enabled bool
	Checked bool
}

// menuModel is everything the menu shows, derived from one status snapshot.
type menuModel struct {
	Status      string
	IP          string
	Tooltip     string
	Connect     bool
	Disconnect  bool
	Acknowledge bool
	Servers     []serverEntry
}

func buildModel(st app.Status, endpoints []catalog.Endpoint) menuModel {
	m := menuModel{
		Status:      "Status: " + st.StatusLine(),
		IP:          ipLabel(st.IP),
		Connect:     st.CanConnect,
		Disconnect:  st.CanDisconnect,
		Acknowledge: st.CanAcknowledge,
	}

	m.Tooltip = "countryvpn: " + st.StatusLine()
	if st.Phase == session.Connected {
		m.Tooltip += fmt.Sprintf(" (SOCKS5 127.0.0.1:%d)", st.LocalPort)
	}

	selected := ""
	if st.Selected != nil {
		selected = st.Selected.ID
	}
	for _, e := range endpoints {
		entry := serverEntry{
			ID:      e.ID,
			Label:   e.Label(),
			Tooltip: e.DisplayDescription(),
			Enabled: e.Configured && st.CanSelect,
			Checked: e.ID == selected,
		}
		m.Servers = append(m.Servers, entry)
	}
	return m
}

func ipLabel(ip string) string {
	if ip == "" {
		return "IP: not checked"
	}
	return "IP: " + ip
}
