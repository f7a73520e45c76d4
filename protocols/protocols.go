// Package protocols ships the Wayland protocol XML descriptions this
// client library is built against, embedded into the binary so no
// installed copy of the XML is needed at runtime.
package protocols

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gowayland/wlrt/protocol"
)

//go:embed wayland.xml
var coreXML string

//go:embed xdg-shell.xml
var xdgShellXML string

// Core parses the core Wayland protocol (wl_display, wl_registry,
// wl_compositor, wl_shm, wl_seat, and friends).
func Core() (*protocol.Protocol, error) {
	p, err := protocol.Load(strings.NewReader(coreXML), nil)
	if err != nil {
		return nil, fmt.Errorf("protocols: core: %w", err)
	}
	return p, nil
}

// WithXDGShell layers the xdg-shell protocol (xdg_wm_base, xdg_surface,
// xdg_toplevel, xdg_popup, xdg_positioner) on top of the core protocol.
func WithXDGShell(core *protocol.Protocol) (*protocol.Protocol, error) {
	p, err := protocol.Load(strings.NewReader(xdgShellXML), core)
	if err != nil {
		return nil, fmt.Errorf("protocols: xdg-shell: %w", err)
	}
	return p, nil
}

// All returns the core protocol layered with xdg-shell, the combination
// almost every client needs.
func All() (*protocol.Protocol, error) {
	core, err := Core()
	if err != nil {
		return nil, err
	}
	return WithXDGShell(core)
}
