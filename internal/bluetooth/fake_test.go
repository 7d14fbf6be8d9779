package bluetooth

import (
	"context"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/DigZan/CarPi/internal/store"
)

// fakeCall records one outbound D-Bus call.
type fakeCall struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// fakeConn implements busConn with scripted replies.
type fakeConn struct {
	mu    sync.Mutex
	calls []fakeCall
	// reply decides the result of a call; returning nil means success
	// with an empty body.
	reply   func(c fakeCall) *dbus.Call
	exports []string
}

func newFakeConn(reply func(c fakeCall) *dbus.Call) *fakeConn {
	return &fakeConn{reply: reply}
}

func (f *fakeConn) Object(dest string, path dbus.ObjectPath) remoteObject {
	return &fakeObject{conn: f, dest: dest, path: path}
}

func (f *fakeConn) Export(v any, path dbus.ObjectPath, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports = append(f.exports, string(path)+":"+iface)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) record(c fakeCall) *dbus.Call {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		if res := reply(c); res != nil {
			return res
		}
	}
	return &dbus.Call{}
}

// recorded returns all calls whose method ends with suffix.
func (f *fakeConn) recorded(suffix string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.Method, suffix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeObject struct {
	conn *fakeConn
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, _ dbus.Flags, args ...any) *dbus.Call {
	return o.conn.record(fakeCall{Dest: o.dest, Path: o.path, Method: method, Args: args})
}

// okCall builds a successful call with the given return body.
func okCall(body ...any) *dbus.Call {
	return &dbus.Call{Body: body}
}

// fakeTrust is an in-memory TrustStore.
type fakeTrust struct {
	mu       sync.Mutex
	trusted  map[string]bool
	upserts  []string
	replaced map[string][]store.Contact
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{
		trusted:  make(map[string]bool),
		replaced: make(map[string][]store.Contact),
	}
}

func (s *fakeTrust) IsTrusted(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trusted[address], nil
}

func (s *fakeTrust) SetTrusted(_ context.Context, address string, trusted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[address] = trusted
	return nil
}

func (s *fakeTrust) UpsertDevice(_ context.Context, address, name string, trusted bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[address] = trusted
	s.upserts = append(s.upserts, address)
	return nil
}

func (s *fakeTrust) ReplaceContacts(_ context.Context, address string, contacts []store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced[address] = contacts
	return nil
}

func (s *fakeTrust) ListDevices(_ context.Context) ([]store.Device, error) {
	return nil, nil
}

func (s *fakeTrust) isTrusted(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trusted[address]
}

func (s *fakeTrust) contacts(address string) []store.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced[address]
}
