// Package bluetooth implements the connectivity stack: the BlueZ pairing
// agent, the adapter/device orchestrator with its command, call-control
// and status loops, and phonebook sync over obexd.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/config"
)

// Manager owns the system and session bus connections, registers the
// pairing agent, configures the adapter and runs the steady-state loops.
// No other component issues Bluetooth protocol calls.
type Manager struct {
	events *bus.Bus
	store  TrustStore

	// Dialers are replaced by tests.
	systemDial  func() (busConn, error)
	sessionDial func() (busConn, error)

	system  busConn
	session busConn
	agent   *Agent
	books   *PhonebookSync

	adapterPath dbus.ObjectPath

	mu      sync.Mutex
	cfg     config.BluetoothConfig
	current string
}

// NewManager creates a manager; Run does all the connecting.
func NewManager(cfg config.BluetoothConfig, events *bus.Bus, trust TrustStore) *Manager {
	return &Manager{
		events:      events,
		store:       trust,
		cfg:         cfg,
		adapterPath: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		systemDial: func() (busConn, error) {
			c, err := dbus.SystemBus()
			if err != nil {
				return nil, err
			}
			return dbusConn{c}, nil
		},
		sessionDial: func() (busConn, error) {
			c, err := dbus.SessionBus()
			if err != nil {
				return nil, err
			}
			return dbusConn{c}, nil
		},
	}
}

// Run connects, registers the agent, configures the adapter and runs the
// three loops until ctx is cancelled. A system bus failure leaves the
// manager idle for the life of the process; a session bus failure only
// disables contact sync. Other startup failures are logged and skipped.
func (m *Manager) Run(ctx context.Context) error {
	system, err := m.systemDial()
	if err != nil {
		slog.Error("bluetooth disabled: system bus unavailable", "error", err)
		<-ctx.Done()
		return nil
	}
	// ApplyConfig races with startup, so the connection is published
	// under the config mutex.
	m.mu.Lock()
	m.system = system
	m.mu.Unlock()
	defer system.Close()

	if session, err := m.sessionDial(); err != nil {
		slog.Warn("contact sync disabled: session bus unavailable", "error", err)
	} else {
		m.session = session
		defer session.Close()
		m.books = newPhonebookSync(session, m.store)
	}

	m.agent = newAgent(ctx, system, m.events, m.store, m.snapshotCfg().ApprovalTimeout)
	if err := m.registerAgent(); err != nil {
		slog.Error("pairing agent registration failed", "error", err)
	}
	m.configureAdapter()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.commandLoop(ctx) })
	g.Go(func() error { return m.callLoop(ctx) })
	g.Go(func() error { return m.statusLoop(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ApplyConfig re-applies the mutable adapter settings. Used by the
// config hot-reload path; a no-op until Run has connected.
func (m *Manager) ApplyConfig(cfg config.BluetoothConfig) {
	m.mu.Lock()
	m.cfg.Alias = cfg.Alias
	m.cfg.Pairable = cfg.Pairable
	m.cfg.Discoverable = cfg.Discoverable
	connected := m.system != nil
	m.mu.Unlock()

	if !connected {
		return
	}
	m.configureAdapter()
}

func (m *Manager) snapshotCfg() config.BluetoothConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// sysConn reads the system bus connection under the same lock Run
// publishes it with; callers run on the watcher and loop goroutines.
func (m *Manager) sysConn() busConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

func (m *Manager) registerAgent() error {
	if err := m.sysConn().Export(m.agent, agentPath, agentIface); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}
	mgr := m.sysConn().Object(bluezService, bluezPath)
	if call := mgr.Call(agentManagerIface+".RegisterAgent", 0, dbus.ObjectPath(agentPath), agentCapability); call.Err != nil {
		return remoteErr("AgentManager1.RegisterAgent", call.Err)
	}
	if call := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, dbus.ObjectPath(agentPath)); call.Err != nil {
		return remoteErr("AgentManager1.RequestDefaultAgent", call.Err)
	}
	slog.Info("pairing agent registered", "path", agentPath, "capability", agentCapability)
	return nil
}

// configureAdapter powers the radio and applies the configured alias,
// pairability and discoverability. Each step logs and continues on
// failure so a missing adapter property never blocks startup.
func (m *Manager) configureAdapter() {
	cfg := m.snapshotCfg()

	type step struct {
		prop  string
		value PropValue
	}
	steps := []step{{"Powered", BoolProp(true)}}
	if cfg.Alias != "" {
		steps = append(steps, step{"Alias", StringProp(cfg.Alias)})
	}
	if cfg.Pairable {
		steps = append(steps, step{"Pairable", BoolProp(true)})
	}
	if cfg.Discoverable {
		// Indefinite discoverability: the timeout goes first so the
		// daemon never arms a short default window.
		steps = append(steps,
			step{"DiscoverableTimeout", Uint32Prop(0)},
			step{"Discoverable", BoolProp(true)},
		)
	}

	for _, s := range steps {
		if err := m.setAdapterProp(s.prop, s.value); err != nil {
			slog.Warn("adapter setup step failed", "property", s.prop, "error", err)
		}
	}
}

func (m *Manager) setAdapterProp(name string, value PropValue) error {
	obj := m.sysConn().Object(bluezService, m.adapterPath)
	if call := obj.Call(propsIface+".Set", 0, adapterIface, name, value.variant()); call.Err != nil {
		return remoteErr("Properties.Set "+name, call.Err)
	}
	return nil
}

// commandLoop consumes bt.command. A failing command is logged and the
// loop keeps going; only cancellation stops it.
func (m *Manager) commandLoop(ctx context.Context) error {
	sub := m.events.Subscribe(TopicCommand, 32)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			if err := m.handleCommand(ctx, ev); err != nil {
				slog.Warn("bluetooth command failed", "action", ev["action"], "error", err)
			}
		}
	}
}

func (m *Manager) handleCommand(ctx context.Context, ev bus.Event) error {
	action, _ := ev["action"].(string)
	switch action {
	case "discoverable":
		if err := m.setAdapterProp("DiscoverableTimeout", Uint32Prop(0)); err != nil {
			return err
		}
		return m.setAdapterProp("Discoverable", BoolProp(true))
	case "pairable":
		return m.setAdapterProp("Pairable", BoolProp(true))
	case "set_alias":
		alias, _ := ev["alias"].(string)
		return m.setAdapterProp("Alias", StringProp(alias))
	case "connect":
		return m.deviceCall(ev, "Connect")
	case "disconnect":
		return m.deviceCall(ev, "Disconnect")
	case "set_trust":
		addr, _ := ev["address"].(string)
		if !validAddress(addr) {
			return fmt.Errorf("set_trust: bad address %q", addr)
		}
		trusted, _ := ev["trusted"].(bool)
		return m.store.SetTrusted(ctx, addr, trusted)
	case "sync_contacts":
		addr, _ := ev["address"].(string)
		if !validAddress(addr) {
			return fmt.Errorf("sync_contacts: bad address %q", addr)
		}
		if m.books == nil {
			return fmt.Errorf("sync_contacts: %w", ErrConnectionUnavailable)
		}
		return m.books.Sync(ctx, addr)
	default:
		slog.Debug("ignoring unknown bluetooth command", "action", action)
		return nil
	}
}

func (m *Manager) deviceCall(ev bus.Event, method string) error {
	addr, _ := ev["address"].(string)
	if !validAddress(addr) {
		return fmt.Errorf("%s: bad address %q", method, addr)
	}
	obj := m.sysConn().Object(bluezService, devicePath(m.adapterPath, addr))
	if call := obj.Call(deviceIface+"."+method, 0); call.Err != nil {
		return remoteErr("Device1."+method, call.Err)
	}
	return nil
}

// callLoop consumes bt.call and issues one call-manager RPC per command
// against the current connected phone's HFP modem.
func (m *Manager) callLoop(ctx context.Context) error {
	sub := m.events.Subscribe(TopicCall, 16)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			if err := m.handleCall(ev); err != nil {
				slog.Warn("call command failed", "action", ev["action"], "error", err)
			}
		}
	}
}

func (m *Manager) handleCall(ev bus.Event) error {
	action, _ := ev["action"].(string)
	switch action {
	case "answer", "hangup", "decline", "dial":
	default:
		slog.Debug("ignoring unknown call command", "action", action)
		return nil
	}

	addr := m.currentAddress()
	if addr == "" {
		return fmt.Errorf("call command %q: no connected phone", action)
	}
	modem := m.sysConn().Object(callManagerService, dbus.ObjectPath(hfpModemPrefix)+devicePath(m.adapterPath, addr))

	switch action {
	case "answer":
		if call := modem.Call(callManagerIface+".Answer", 0); call.Err != nil {
			return remoteErr("VoiceCallManager.Answer", call.Err)
		}
	case "hangup", "decline":
		if call := modem.Call(callManagerIface+".Hangup", 0); call.Err != nil {
			return remoteErr("VoiceCallManager.Hangup", call.Err)
		}
	case "dial":
		number, _ := ev["number"].(string)
		if number == "" {
			return fmt.Errorf("dial: missing number")
		}
		if call := modem.Call(callManagerIface+".Dial", 0, number, "default"); call.Err != nil {
			return remoteErr("VoiceCallManager.Dial", call.Err)
		}
	}
	return nil
}

// DeviceStatus is one connected device in a bt.status event.
type DeviceStatus struct {
	Address string   `json:"address"`
	Name    string   `json:"name,omitempty"`
	Paired  bool     `json:"paired"`
	Trusted bool     `json:"trusted"`
	UUIDs   []string `json:"uuids,omitempty"`
	RSSI    int16    `json:"rssi,omitempty"`
}

// statusLoop publishes bt.status at a fixed interval. Poll failures are
// transient daemon hiccups and only logged at debug level.
func (m *Manager) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.snapshotCfg().StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.publishStatus(); err != nil {
				slog.Debug("status poll failed", "error", err)
			}
		}
	}
}

func (m *Manager) publishStatus() error {
	call := m.sysConn().Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return remoteErr("ObjectManager.GetManagedObjects", call.Err)
	}
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objs); err != nil {
		return remoteErr("ObjectManager.GetManagedObjects", err)
	}

	connected := make([]DeviceStatus, 0, 2)
	for _, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if on, _ := props["Connected"].Value().(bool); !on {
			continue
		}
		var d DeviceStatus
		d.Address, _ = props["Address"].Value().(string)
		d.Name, _ = props["Name"].Value().(string)
		d.Paired, _ = props["Paired"].Value().(bool)
		d.Trusted, _ = props["Trusted"].Value().(bool)
		d.UUIDs, _ = props["UUIDs"].Value().([]string)
		if rssi, ok := props["RSSI"].Value().(int16); ok {
			d.RSSI = rssi
		}
		connected = append(connected, d)
	}
	// GetManagedObjects is a map; order the result so "current" is
	// stable between polls.
	sort.Slice(connected, func(i, j int) bool { return connected[i].Address < connected[j].Address })

	var current any
	addr := ""
	if len(connected) > 0 {
		current = connected[0]
		addr = connected[0].Address
	}
	m.mu.Lock()
	m.current = addr
	m.mu.Unlock()

	m.events.Publish(TopicStatus, bus.Event{
		"connected_devices": connected,
		"current":           current,
	})
	return nil
}

func (m *Manager) currentAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
