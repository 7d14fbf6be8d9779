package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// PhonebookSync pulls a device's full phonebook over obexd (PBAP) and
// replaces the stored contact set for that device. One Sync is one
// transfer session; the session and the transient local file are torn
// down regardless of outcome.
type PhonebookSync struct {
	conn  busConn
	store TrustStore

	pollInterval time.Duration
	pollBudget   int
	tmpDir       string
}

func newPhonebookSync(conn busConn, store TrustStore) *PhonebookSync {
	return &PhonebookSync{
		conn:         conn,
		store:        store,
		pollInterval: 500 * time.Millisecond,
		pollBudget:   60,
		tmpDir:       os.TempDir(),
	}
}

// Sync pulls the phonebook from the device at address. Stored contacts
// are only touched after the transfer reached the complete state and the
// file parsed; every failure path leaves them as they were.
func (p *PhonebookSync) Sync(ctx context.Context, address string) error {
	client := p.conn.Object(obexService, obexPath)
	call := client.Call(obexClientIface+".CreateSession", 0, address, map[string]dbus.Variant{
		"Target": dbus.MakeVariant("PBAP"),
	})
	if call.Err != nil {
		return remoteErr("Client1.CreateSession", call.Err)
	}
	var sessionPath dbus.ObjectPath
	if err := call.Store(&sessionPath); err != nil {
		return remoteErr("Client1.CreateSession", err)
	}
	defer func() {
		if rm := client.Call(obexClientIface+".RemoveSession", 0, sessionPath); rm.Err != nil {
			slog.Debug("obex session removal failed", "session", sessionPath, "error", rm.Err)
		}
	}()

	target := filepath.Join(p.tmpDir, "carpi-pbap-"+uuid.NewString()+".vcf")
	defer func() {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("transient phonebook file not removed", "path", target, "error", err)
		}
	}()

	book := p.conn.Object(obexService, sessionPath)
	if sel := book.Call(obexPhonebookIface+".Select", 0, "int", "pb"); sel.Err != nil {
		return remoteErr("PhonebookAccess1.Select", sel.Err)
	}
	pull := book.Call(obexPhonebookIface+".PullAll", 0, target, map[string]dbus.Variant{
		"Format": dbus.MakeVariant("vcard30"),
	})
	if pull.Err != nil {
		return remoteErr("PhonebookAccess1.PullAll", pull.Err)
	}
	var transferPath dbus.ObjectPath
	var transferProps map[string]dbus.Variant
	if err := pull.Store(&transferPath, &transferProps); err != nil {
		return remoteErr("PhonebookAccess1.PullAll", err)
	}

	if err := p.awaitTransfer(ctx, transferPath); err != nil {
		return err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("read pulled phonebook: %w", err)
	}
	contacts := parseVCards(string(data))
	slog.Info("phonebook pulled", "address", address, "contacts", len(contacts))
	return p.store.ReplaceContacts(ctx, address, contacts)
}

// awaitTransfer polls the transfer's Status property until it reaches a
// terminal state. Exhausting the attempt budget is an error, not a
// silent completion.
func (p *PhonebookSync) awaitTransfer(ctx context.Context, transfer dbus.ObjectPath) error {
	obj := p.conn.Object(obexService, transfer)
	for attempt := 0; attempt < p.pollBudget; attempt++ {
		call := obj.Call(propsIface+".Get", 0, obexTransferIface, "Status")
		if call.Err != nil {
			return remoteErr("Transfer1.Status", call.Err)
		}
		var v dbus.Variant
		if err := call.Store(&v); err != nil {
			return remoteErr("Transfer1.Status", err)
		}
		status, _ := v.Value().(string)
		switch status {
		case transferComplete:
			return nil
		case transferError, transferCancelled:
			return remoteErr("Transfer1.Status", fmt.Errorf("transfer ended with status %q", status))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
	return ErrTransferIncomplete
}
