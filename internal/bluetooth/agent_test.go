package bluetooth

import (
	"context"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/DigZan/CarPi/internal/bus"
)

const (
	testAddr  = "AA:BB:CC:DD:EE:FF"
	otherAddr = "11:22:33:44:55:66"
)

var testDevicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

// devicePropsReply answers Properties.GetAll with the given device
// properties and leaves every other call successful.
func devicePropsReply(props map[string]dbus.Variant) func(c fakeCall) *dbus.Call {
	return func(c fakeCall) *dbus.Call {
		if c.Method == propsIface+".GetAll" {
			return okCall(props)
		}
		return nil
	}
}

func testProps(addr, name string) map[string]dbus.Variant {
	props := map[string]dbus.Variant{}
	if addr != "" {
		props["Address"] = dbus.MakeVariant(addr)
	}
	if name != "" {
		props["Name"] = dbus.MakeVariant(name)
	}
	return props
}

func TestAgent_TrustedShortCircuit(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	trust.trusted[testAddr] = true
	conn := newFakeConn(devicePropsReply(testProps(testAddr, "Phone")))
	agent := newAgent(context.Background(), conn, events, trust, time.Second)

	requests := events.Subscribe(TopicPairRequest, 4)
	defer requests.Cancel()

	if derr := agent.RequestConfirmation(testDevicePath, 123456); derr != nil {
		t.Fatalf("trusted confirmation failed: %v", derr)
	}
	select {
	case ev := <-requests.C:
		t.Errorf("trusted short-circuit published a pair request: %v", ev)
	default:
	}
}

func TestAgent_ApprovalCorrelation(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	conn := newFakeConn(devicePropsReply(testProps(testAddr, "Phone")))
	agent := newAgent(context.Background(), conn, events, trust, 2*time.Second)

	requests := events.Subscribe(TopicPairRequest, 4)
	defer requests.Cancel()

	done := make(chan *dbus.Error, 1)
	go func() { done <- agent.RequestAuthorization(testDevicePath) }()

	select {
	case ev := <-requests.C:
		if ev["address"] != testAddr {
			t.Errorf("pair request address = %v, want %s", ev["address"], testAddr)
		}
		if ev["name"] != "Phone" {
			t.Errorf("pair request name = %v, want Phone", ev["name"])
		}
	case <-time.After(time.Second):
		t.Fatal("no pair request published")
	}

	// A response for a different address must not resolve the wait.
	events.Publish(TopicPairResponse, bus.Event{"address": otherAddr, "approved": true})
	select {
	case derr := <-done:
		t.Fatalf("decision resolved by mismatched address: %v", derr)
	case <-time.After(100 * time.Millisecond):
	}

	events.Publish(TopicPairResponse, bus.Event{"address": testAddr, "approved": true})
	select {
	case derr := <-done:
		if derr != nil {
			t.Fatalf("approved decision failed: %v", derr)
		}
	case <-time.After(time.Second):
		t.Fatal("decision did not resolve after matching approval")
	}
	if !trust.isTrusted(testAddr) {
		t.Error("approved device not marked trusted")
	}
}

func TestAgent_Rejection(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	conn := newFakeConn(devicePropsReply(testProps(testAddr, "")))
	agent := newAgent(context.Background(), conn, events, trust, 2*time.Second)

	requests := events.Subscribe(TopicPairRequest, 4)
	defer requests.Cancel()

	done := make(chan *dbus.Error, 1)
	go func() { done <- agent.RequestConfirmation(testDevicePath, 0) }()
	<-requests.C

	events.Publish(TopicPairResponse, bus.Event{"address": testAddr, "approved": false})
	select {
	case derr := <-done:
		if derr == nil {
			t.Fatal("denied decision returned success")
		}
		if derr.Name != "org.bluez.Error.Rejected" {
			t.Errorf("error name = %q, want org.bluez.Error.Rejected", derr.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("decision did not resolve after denial")
	}
	if trust.isTrusted(testAddr) {
		t.Error("denied device marked trusted")
	}
}

func TestAgent_ApprovalTimeout(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	conn := newFakeConn(devicePropsReply(testProps(testAddr, "")))
	agent := newAgent(context.Background(), conn, events, trust, 50*time.Millisecond)

	derr := agent.RequestAuthorization(testDevicePath)
	if derr == nil {
		t.Fatal("unanswered decision returned success")
	}
	if derr.Name != "org.bluez.Error.Rejected" {
		t.Errorf("error name = %q, want org.bluez.Error.Rejected", derr.Name)
	}
	if trust.isTrusted(testAddr) {
		t.Error("timed-out device marked trusted")
	}
}

func TestAgent_MissingAddressFailsCallback(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	conn := newFakeConn(devicePropsReply(testProps("", "Nameless")))
	agent := newAgent(context.Background(), conn, events, trust, time.Second)

	requests := events.Subscribe(TopicPairRequest, 4)
	defer requests.Cancel()

	if derr := agent.RequestConfirmation(testDevicePath, 0); derr == nil {
		t.Fatal("callback succeeded without a device address")
	}
	select {
	case <-requests.C:
		t.Error("pair request published for a device without an address")
	default:
	}
}

func TestAgent_PinAndPasskeyPlaceholders(t *testing.T) {
	events := bus.New()
	trust := newFakeTrust()
	trust.trusted[testAddr] = true
	conn := newFakeConn(devicePropsReply(testProps(testAddr, "Phone")))
	agent := newAgent(context.Background(), conn, events, trust, time.Second)

	pin, derr := agent.RequestPinCode(testDevicePath)
	if derr != nil {
		t.Fatalf("RequestPinCode: %v", derr)
	}
	if pin != placeholderPin {
		t.Errorf("pin = %q, want %q", pin, placeholderPin)
	}

	passkey, derr := agent.RequestPasskey(testDevicePath)
	if derr != nil {
		t.Fatalf("RequestPasskey: %v", derr)
	}
	if passkey != placeholderPasskey {
		t.Errorf("passkey = %d, want %d", passkey, placeholderPasskey)
	}
}
