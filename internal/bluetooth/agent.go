package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/store"
)

// TrustStore is the subset of the persistence layer the connectivity
// stack consumes. The store serializes its own writes.
type TrustStore interface {
	IsTrusted(ctx context.Context, address string) (bool, error)
	SetTrusted(ctx context.Context, address string, trusted bool) error
	UpsertDevice(ctx context.Context, address, name string, trusted bool, seen time.Time) error
	ReplaceContacts(ctx context.Context, address string, contacts []store.Contact) error
	ListDevices(ctx context.Context) ([]store.Device, error)
}

// Agent answers BlueZ pairing, authorization and PIN/passkey callbacks.
// Every decision funnels through one routine: trusted devices pass
// silently; anything else round-trips through the event bus to a human
// approval consumer, bounded by a wall-clock timeout that rejects on
// expiry.
type Agent struct {
	conn    busConn
	events  *bus.Bus
	store   TrustStore
	timeout time.Duration

	// ctx is the manager's run context; cancelling it aborts any
	// in-flight approval wait.
	ctx context.Context
}

func newAgent(ctx context.Context, conn busConn, events *bus.Bus, store TrustStore, timeout time.Duration) *Agent {
	return &Agent{
		conn:    conn,
		events:  events,
		store:   store,
		timeout: timeout,
		ctx:     ctx,
	}
}

// Release is called by BlueZ when the agent is unregistered.
func (a *Agent) Release() *dbus.Error {
	slog.Debug("agent released")
	return nil
}

// RequestConfirmation asks whether the displayed passkey matches.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	slog.Debug("confirmation requested", "device", device, "passkey", passkey)
	return a.approve(device)
}

// RequestAuthorization asks whether an incoming pairing may proceed.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return a.approve(device)
}

// AuthorizeService asks whether a device may use a service profile.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	slog.Debug("service authorization requested", "device", device, "uuid", uuid)
	return a.approve(device)
}

// RequestPinCode returns a PIN for legacy pairing. The agent runs in
// display-only mode, so an approved request yields a placeholder PIN.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	if err := a.approve(device); err != nil {
		return "", err
	}
	return placeholderPin, nil
}

// RequestPasskey returns a numeric passkey; placeholder on approval, as
// with RequestPinCode.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	if err := a.approve(device); err != nil {
		return 0, err
	}
	return placeholderPasskey, nil
}

// DisplayPinCode is informational only.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	slog.Debug("display pin code", "device", device, "pin", pincode)
	return nil
}

// DisplayPasskey is informational only.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	slog.Debug("display passkey", "device", device, "passkey", passkey, "entered", entered)
	return nil
}

// Cancel aborts the current request. The decision routine notices via
// its own timeout or the manager context; nothing to do here.
func (a *Agent) Cancel() *dbus.Error {
	slog.Debug("agent request cancelled")
	return nil
}

// approve runs the decision routine and maps its outcome to the D-Bus
// error the daemon expects: nil for success, org.bluez.Error.Rejected
// for an explicit denial, a generic failure otherwise.
func (a *Agent) approve(device dbus.ObjectPath) *dbus.Error {
	err := a.decide(device)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPairingRejected) {
		return dbus.NewError("org.bluez.Error.Rejected", []any{err.Error()})
	}
	slog.Warn("pairing decision failed", "device", device, "error", err)
	return dbus.MakeFailedError(err)
}

func (a *Agent) decide(device dbus.ObjectPath) error {
	props, err := a.deviceProperties(device)
	if err != nil {
		return err
	}
	addr, _ := props["Address"].Value().(string)
	if !validAddress(addr) {
		return remoteErr("Device1.GetAll", fmt.Errorf("missing or malformed Address %q", addr))
	}
	name, _ := props["Name"].Value().(string)

	trusted, err := a.store.IsTrusted(a.ctx, addr)
	if err != nil {
		return err
	}
	if trusted {
		slog.Debug("pairing allowed for trusted device", "address", addr)
		return nil
	}

	// Subscribe before publishing so a fast approval cannot slip past.
	sub := a.events.Subscribe(TopicPairResponse, 16)
	defer sub.Cancel()
	a.events.Publish(TopicPairRequest, bus.Event{"address": addr, "name": name})
	slog.Info("pairing approval requested", "address", addr, "name", name)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-sub.C:
			respAddr, _ := ev["address"].(string)
			if respAddr != addr {
				// Response for a different outstanding decision.
				continue
			}
			approved, _ := ev["approved"].(bool)
			if !approved {
				slog.Info("pairing denied", "address", addr)
				return ErrPairingRejected
			}
			if err := a.store.UpsertDevice(a.ctx, addr, name, true, time.Now().UTC()); err != nil {
				return err
			}
			slog.Info("pairing approved", "address", addr, "name", name)
			return nil
		case <-timer.C:
			slog.Warn("pairing approval timed out", "address", addr, "timeout", a.timeout)
			return fmt.Errorf("no approval within %s: %w", a.timeout, ErrPairingRejected)
		case <-a.ctx.Done():
			return a.ctx.Err()
		}
	}
}

func (a *Agent) deviceProperties(device dbus.ObjectPath) (map[string]dbus.Variant, error) {
	call := a.conn.Object(bluezService, device).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, remoteErr("Properties.GetAll", call.Err)
	}
	var props map[string]dbus.Variant
	if err := call.Store(&props); err != nil {
		return nil, remoteErr("Properties.GetAll", err)
	}
	return props, nil
}
