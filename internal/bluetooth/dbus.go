package bluetooth

import (
	"regexp"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// remoteObject is the subset of dbus.BusObject this package calls.
// Tests substitute in-memory fakes.
type remoteObject interface {
	Call(method string, flags dbus.Flags, args ...any) *dbus.Call
}

// busConn abstracts a D-Bus connection. The manager owns two of these
// (system bus for BlueZ and oFono, session bus for obexd) and hands them
// to the agent and the phonebook sync as plain call capabilities.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) remoteObject
	Export(v any, path dbus.ObjectPath, iface string) error
	Close() error
}

// dbusConn adapts *dbus.Conn to busConn.
type dbusConn struct{ *dbus.Conn }

func (c dbusConn) Object(dest string, path dbus.ObjectPath) remoteObject {
	return c.Conn.Object(dest, path)
}

// PropValue selects the wire representation for an adapter or device
// property write. BlueZ rejects writes whose variant type does not match
// the property, so the representation is chosen explicitly at the call
// site rather than inferred from a runtime type.
type PropValue struct {
	kind propKind
	b    bool
	u    uint32
	s    string
}

type propKind int

const (
	propBool propKind = iota
	propUint32
	propString
)

// BoolProp is a boolean-typed property value.
func BoolProp(v bool) PropValue { return PropValue{kind: propBool, b: v} }

// Uint32Prop is an unsigned-32-typed property value.
func Uint32Prop(v uint32) PropValue { return PropValue{kind: propUint32, u: v} }

// StringProp is a string-typed property value.
func StringProp(v string) PropValue { return PropValue{kind: propString, s: v} }

func (v PropValue) variant() dbus.Variant {
	switch v.kind {
	case propBool:
		return dbus.MakeVariant(v.b)
	case propUint32:
		return dbus.MakeVariant(v.u)
	default:
		return dbus.MakeVariant(v.s)
	}
}

var addressRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// validAddress reports whether s looks like a Bluetooth hardware address.
func validAddress(s string) bool {
	return addressRe.MatchString(s)
}

// devicePath derives the BlueZ device object path for an address:
// the adapter path suffixed with "dev_" and the address with ":"
// replaced by "_".
func devicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	return adapterPath + dbus.ObjectPath("/dev_"+strings.ReplaceAll(address, ":", "_"))
}
