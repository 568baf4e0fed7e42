package conn

import (
	"testing"

	"github.com/btstack/hci/acldata"
	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
)

type fakeEndpoint struct {
	writes []hcidef.Opcode
}

func (f *fakeEndpoint) Write(b []byte) (int, error) {
	op := hcidef.Opcode(uint16(b[0]) | uint16(b[1])<<8)
	f.writes = append(f.writes, op)
	return len(b), nil
}

func (f *fakeEndpoint) ReadEvent() ([]byte, error) { select {} }

type fakeACLEndpoint struct{}

func (fakeACLEndpoint) Write(b []byte) (int, error) { return len(b), nil }
func (fakeACLEndpoint) ReadACL() ([]byte, error)     { select {} }

func newTestManager() (*Manager, *command.Channel, *fakeEndpoint) {
	ep := &fakeEndpoint{}
	ch := command.New(ep, nil, 5)
	acl := acldata.New(fakeACLEndpoint{}, nil)
	acl.Initialize(acldata.BufferInfo{MaxPayloadLength: 27, MaxNumPackets: 4}, acldata.BufferInfo{})
	return NewManager(ch, acl, nil), ch, ep
}

func TestDisconnectSendsCommandOnce(t *testing.T) {
	m, _, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)

	c.Disconnect(hcidef.Status(0x13))
	if len(ep.writes) != 1 || ep.writes[0] != hcidef.OpDisconnect {
		t.Fatalf("writes = %v, want [OpDisconnect]", ep.writes)
	}
	if c.State() != StateWaitingForDisconnectionComplete {
		t.Fatalf("state = %v", c.State())
	}

	c.Disconnect(hcidef.Status(0x13))
	if len(ep.writes) != 1 {
		t.Fatal("second Disconnect while waiting should be a no-op")
	}
}

func TestDisconnectionCompleteClearsTracking(t *testing.T) {
	m, ch, _ := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)
	m.acl.RegisterLink(c.Handle, hcidef.LinkTypeLE)

	c.Disconnect(hcidef.Status(0x13))
	params := []byte{0x00, 0x40, 0x00, byte(hcidef.Status(0x13))}
	ch.Dispatch(hcidef.EventDisconnectionComplete, params)

	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want StateDisconnected", c.State())
	}
	if m.lookup(0x0040) != nil {
		t.Fatal("connection still tracked after disconnection complete")
	}
}

func TestPeerInitiatedDisconnectInvokesCallback(t *testing.T) {
	m, ch, _ := newTestManager()
	m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)

	var gotHandle hcidef.ConnectionHandle
	var gotReason hcidef.Status
	called := false
	m.SetPeerDisconnectCallback(func(h hcidef.ConnectionHandle, reason hcidef.Status) {
		called = true
		gotHandle = h
		gotReason = reason
	})

	params := []byte{0x00, 0x40, 0x00, 0x08}
	ch.Dispatch(hcidef.EventDisconnectionComplete, params)

	if !called || gotHandle != 0x0040 || gotReason != hcidef.Status(0x08) {
		t.Fatalf("called=%v handle=%v reason=%v", called, gotHandle, gotReason)
	}
}

func TestLocalInitiatedDisconnectDoesNotInvokePeerCallback(t *testing.T) {
	m, ch, _ := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)

	called := false
	m.SetPeerDisconnectCallback(func(hcidef.ConnectionHandle, hcidef.Status) { called = true })
	c.Disconnect(hcidef.Status(0x13))

	params := []byte{0x00, 0x40, 0x00, 0x13}
	ch.Dispatch(hcidef.EventDisconnectionComplete, params)
	if called {
		t.Fatal("peer-disconnect callback fired for a local-initiated disconnection")
	}
}

func TestStartEncryptionLERequiresCentralAndLTK(t *testing.T) {
	m, _, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RolePeripheral, hcidef.LinkTypeLE)
	if c.StartEncryption() {
		t.Fatal("peripheral role must not be able to start LE encryption")
	}

	c2 := m.NewConnection(0x0041, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)
	if c2.StartEncryption() {
		t.Fatal("missing LTK must prevent StartEncryption")
	}

	c2.SetLongTermKey(LongTermKey{})
	if !c2.StartEncryption() {
		t.Fatal("StartEncryption should succeed with LTK present")
	}
	if len(ep.writes) != 1 || ep.writes[0] != hcidef.OpLEStartEncryption {
		t.Fatalf("writes = %v", ep.writes)
	}
}

func TestEncryptionChangeInvokesCallback(t *testing.T) {
	m, ch, _ := newTestManager()
	m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)

	var gotEnabled bool
	var gotErr error
	m.SetEncryptionChangeCallback(func(_ hcidef.ConnectionHandle, enabled bool, err error) {
		gotEnabled = enabled
		gotErr = err
	})

	params := []byte{0x00, 0x40, 0x00, 0x01}
	ch.Dispatch(hcidef.EventEncryptionChange, params)
	if !gotEnabled || gotErr != nil {
		t.Fatalf("enabled=%v err=%v", gotEnabled, gotErr)
	}
}

func TestBREDREncryptionValidatesKeySize(t *testing.T) {
	m, ch, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeACL)
	_ = c

	var gotErr error
	m.SetEncryptionChangeCallback(func(_ hcidef.ConnectionHandle, _ bool, err error) { gotErr = err })

	ch.Dispatch(hcidef.EventEncryptionChange, []byte{0x00, 0x40, 0x00, 0x01})
	if len(ep.writes) == 0 || ep.writes[len(ep.writes)-1] != hcidef.OpReadEncryptionKeySize {
		t.Fatalf("expected ReadEncryptionKeySize to be sent, writes = %v", ep.writes)
	}

	ch.HandleCommandComplete([]byte{1, byte(hcidef.OpReadEncryptionKeySize), byte(hcidef.OpReadEncryptionKeySize >> 8), 0x00, 0x40, 0x00, 0x03})
	if gotErr != hcidef.ErrInsufficientSecurity {
		t.Fatalf("err = %v, want ErrInsufficientSecurity for a 3-octet key", gotErr)
	}
}

func TestLELTKRequestAnsweredFromStoredKey(t *testing.T) {
	m, ch, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RolePeripheral, hcidef.LinkTypeLE)
	c.SetLongTermKey(LongTermKey{Key: [16]byte{1, 2, 3}, Rand: 42, EDiv: 7})

	params := make([]byte, 12)
	params[0], params[1] = 0x40, 0x00
	params[2] = 42
	params[10] = 7
	ch.Dispatch(hcidef.EventLEMeta, append([]byte{byte(hcidef.LESubeventLongTermKeyRequest)}, params...))

	if len(ep.writes) != 1 || ep.writes[0] != hcidef.OpLELTKRequestReply {
		t.Fatalf("writes = %v, want [OpLELTKRequestReply]", ep.writes)
	}
}

func TestLELTKRequestMismatchSendsNegativeReply(t *testing.T) {
	m, ch, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RolePeripheral, hcidef.LinkTypeLE)
	c.SetLongTermKey(LongTermKey{Rand: 1, EDiv: 1})

	params := make([]byte, 12)
	params[0], params[1] = 0x40, 0x00
	ch.Dispatch(hcidef.EventLEMeta, append([]byte{byte(hcidef.LESubeventLongTermKeyRequest)}, params...))

	if len(ep.writes) != 1 || ep.writes[0] != hcidef.OpLELTKRequestNegativeReply {
		t.Fatalf("writes = %v, want [OpLELTKRequestNegativeReply]", ep.writes)
	}
}

func TestCloseIsNoopWhenAlreadyDisconnected(t *testing.T) {
	m, ch, ep := newTestManager()
	c := m.NewConnection(0x0040, hcidef.Address{}, hcidef.Address{}, hcidef.RoleCentral, hcidef.LinkTypeLE)
	ch.Dispatch(hcidef.EventDisconnectionComplete, []byte{0x00, 0x40, 0x00, 0x13})

	c.Close()
	if len(ep.writes) != 0 {
		t.Fatalf("Close on an already-disconnected connection wrote %v", ep.writes)
	}
}
