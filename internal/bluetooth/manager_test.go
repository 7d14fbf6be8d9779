package bluetooth

import (
	"context"
	"errors"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/config"
)

func testManager(conn *fakeConn, trust TrustStore) *Manager {
	m := NewManager(config.BluetoothConfig{
		Adapter:         "hci0",
		Alias:           "CarPi",
		Pairable:        true,
		Discoverable:    true,
		StatusInterval:  time.Second,
		ApprovalTimeout: time.Second,
	}, bus.New(), trust)
	m.system = conn
	return m
}

func TestDevicePath(t *testing.T) {
	got := devicePath("/org/bluez/hci0", "AA:BB:CC:DD:EE:FF")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Errorf("devicePath = %q, want %q", got, want)
	}
}

func TestPropValue_WireTypes(t *testing.T) {
	tests := []struct {
		name  string
		value PropValue
		sig   string
	}{
		{"bool", BoolProp(true), "b"},
		{"uint32", Uint32Prop(0), "u"},
		{"string", StringProp("CarPi"), "s"},
	}
	for _, tt := range tests {
		if sig := tt.value.variant().Signature().String(); sig != tt.sig {
			t.Errorf("%s variant signature = %q, want %q", tt.name, sig, tt.sig)
		}
	}
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())

	if err := m.handleCommand(context.Background(), bus.Event{"action": "warp_drive"}); err != nil {
		t.Fatalf("unknown action returned error: %v", err)
	}
	if n := len(conn.recorded("")); n != 0 {
		t.Errorf("unknown action issued %d calls, want 0", n)
	}
}

func TestHandleCommand_SetAlias(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())

	if err := m.handleCommand(context.Background(), bus.Event{"action": "set_alias", "alias": "RoadPi"}); err != nil {
		t.Fatalf("set_alias: %v", err)
	}
	calls := conn.recorded("Properties.Set")
	if len(calls) != 1 {
		t.Fatalf("got %d property writes, want 1", len(calls))
	}
	c := calls[0]
	if c.Path != "/org/bluez/hci0" || c.Args[0] != adapterIface || c.Args[1] != "Alias" {
		t.Errorf("unexpected write target: %+v", c)
	}
	v, ok := c.Args[2].(dbus.Variant)
	if !ok || v.Signature().String() != "s" {
		t.Errorf("alias written as %v, want string variant", c.Args[2])
	}
}

func TestHandleCommand_DiscoverableSetsIndefiniteTimeout(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())

	if err := m.handleCommand(context.Background(), bus.Event{"action": "discoverable"}); err != nil {
		t.Fatalf("discoverable: %v", err)
	}
	calls := conn.recorded("Properties.Set")
	if len(calls) != 2 {
		t.Fatalf("got %d property writes, want 2", len(calls))
	}
	if calls[0].Args[1] != "DiscoverableTimeout" {
		t.Errorf("first write = %v, want DiscoverableTimeout", calls[0].Args[1])
	}
	if sig := calls[0].Args[2].(dbus.Variant).Signature().String(); sig != "u" {
		t.Errorf("timeout written as %q, want u", sig)
	}
	if calls[1].Args[1] != "Discoverable" {
		t.Errorf("second write = %v, want Discoverable", calls[1].Args[1])
	}
	if sig := calls[1].Args[2].(dbus.Variant).Signature().String(); sig != "b" {
		t.Errorf("discoverable written as %q, want b", sig)
	}
}

func TestHandleCommand_ConnectDisconnect(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())
	ctx := context.Background()

	if err := m.handleCommand(ctx, bus.Event{"action": "connect", "address": testAddr}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.handleCommand(ctx, bus.Event{"action": "disconnect", "address": testAddr}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	connects := conn.recorded("Device1.Connect")
	if len(connects) != 1 || connects[0].Path != testDevicePath {
		t.Errorf("connect calls = %+v", connects)
	}
	if n := len(conn.recorded("Device1.Disconnect")); n != 1 {
		t.Errorf("disconnect calls = %d, want 1", n)
	}

	// Malformed addresses never reach the daemon.
	if err := m.handleCommand(ctx, bus.Event{"action": "connect", "address": "not-a-mac"}); err == nil {
		t.Error("connect accepted malformed address")
	}
	if n := len(conn.recorded("Device1.Connect")); n != 1 {
		t.Errorf("connect calls after bad address = %d, want 1", n)
	}
}

func TestHandleCommand_SetTrust(t *testing.T) {
	conn := newFakeConn(nil)
	trust := newFakeTrust()
	m := testManager(conn, trust)

	ev := bus.Event{"action": "set_trust", "address": testAddr, "trusted": true}
	if err := m.handleCommand(context.Background(), ev); err != nil {
		t.Fatalf("set_trust: %v", err)
	}
	if !trust.isTrusted(testAddr) {
		t.Error("set_trust did not update the store")
	}
}

func TestApplyConfig_ConcurrentWithStartup(t *testing.T) {
	conn := newFakeConn(nil)
	m := NewManager(config.BluetoothConfig{
		Adapter:         "hci0",
		Alias:           "CarPi",
		StatusInterval:  time.Hour,
		ApprovalTimeout: time.Second,
	}, bus.New(), newFakeTrust())
	m.systemDial = func() (busConn, error) { return conn, nil }
	m.sessionDial = func() (busConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Hammer the hot-reload path while Run is publishing its
	// connections; run with -race to catch unsynchronized access.
	cfg := m.snapshotCfg()
	cfg.Alias = "RoadPi"
	for i := 0; i < 100; i++ {
		m.ApplyConfig(cfg)
	}

	deadline := time.Now().Add(time.Second)
	for len(conn.recorded("AgentManager1.RegisterAgent")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if len(conn.recorded("Properties.Set")) == 0 {
		t.Error("startup applied no adapter properties")
	}
}

func TestHandleCall_DeclineMapsToHangup(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())
	m.current = testAddr

	if err := m.handleCall(bus.Event{"action": "decline"}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	calls := conn.recorded("VoiceCallManager.Hangup")
	if len(calls) != 1 {
		t.Fatalf("got %d hangup calls, want 1", len(calls))
	}
	want := dbus.ObjectPath("/hfp/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if calls[0].Path != want {
		t.Errorf("modem path = %q, want %q", calls[0].Path, want)
	}
	if calls[0].Dest != callManagerService {
		t.Errorf("destination = %q, want %q", calls[0].Dest, callManagerService)
	}
}

func TestHandleCall_Dial(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())
	m.current = testAddr

	if err := m.handleCall(bus.Event{"action": "dial", "number": "+15551234"}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	calls := conn.recorded("VoiceCallManager.Dial")
	if len(calls) != 1 {
		t.Fatalf("got %d dial calls, want 1", len(calls))
	}
	if calls[0].Args[0] != "+15551234" || calls[0].Args[1] != "default" {
		t.Errorf("dial args = %v", calls[0].Args)
	}
}

func TestHandleCall_NoCurrentPhone(t *testing.T) {
	conn := newFakeConn(nil)
	m := testManager(conn, newFakeTrust())

	if err := m.handleCall(bus.Event{"action": "answer"}); err == nil {
		t.Error("call command succeeded without a connected phone")
	}
	if n := len(conn.recorded("")); n != 0 {
		t.Errorf("issued %d calls without a phone, want 0", n)
	}
}

func TestPublishStatus(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0": {
			adapterIface: {},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			deviceIface: {
				"Address":   dbus.MakeVariant(testAddr),
				"Name":      dbus.MakeVariant("Phone"),
				"Connected": dbus.MakeVariant(true),
				"Paired":    dbus.MakeVariant(true),
				"Trusted":   dbus.MakeVariant(true),
				"UUIDs":     dbus.MakeVariant([]string{"0000110d-0000-1000-8000-00805f9b34fb"}),
				"RSSI":      dbus.MakeVariant(int16(-42)),
			},
		},
		"/org/bluez/hci0/dev_11_22_33_44_55_66": {
			deviceIface: {
				"Address":   dbus.MakeVariant(otherAddr),
				"Connected": dbus.MakeVariant(false),
			},
		},
	}
	conn := newFakeConn(func(c fakeCall) *dbus.Call {
		if c.Method == objManagerIface+".GetManagedObjects" {
			return okCall(objects)
		}
		return nil
	})
	m := testManager(conn, newFakeTrust())

	status := m.events.Subscribe(TopicStatus, 4)
	defer status.Cancel()

	if err := m.publishStatus(); err != nil {
		t.Fatalf("publishStatus: %v", err)
	}

	select {
	case ev := <-status.C:
		devices, ok := ev["connected_devices"].([]DeviceStatus)
		if !ok || len(devices) != 1 {
			t.Fatalf("connected_devices = %v", ev["connected_devices"])
		}
		d := devices[0]
		if d.Address != testAddr || d.Name != "Phone" || !d.Paired || !d.Trusted || d.RSSI != -42 {
			t.Errorf("device status = %+v", d)
		}
		current, ok := ev["current"].(DeviceStatus)
		if !ok || current.Address != testAddr {
			t.Errorf("current = %v", ev["current"])
		}
	default:
		t.Fatal("no status event published")
	}

	if got := m.currentAddress(); got != testAddr {
		t.Errorf("current address = %q, want %q", got, testAddr)
	}
}

func TestPublishStatus_PollFailureIsSwallowedByLoop(t *testing.T) {
	conn := newFakeConn(func(c fakeCall) *dbus.Call {
		return &dbus.Call{Err: dbus.ErrClosed}
	})
	m := testManager(conn, newFakeTrust())

	err := m.publishStatus()
	if err == nil {
		t.Fatal("publishStatus succeeded on a failing poll")
	}
	var rce *RemoteCallError
	if !errors.As(err, &rce) {
		t.Errorf("error = %T, want *RemoteCallError", err)
	}
}
