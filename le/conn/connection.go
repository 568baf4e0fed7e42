// Package conn implements the Connection + Encryption state machine
// (spec.md §4.7): per-link disconnection, encryption start for both LE and
// BR/EDR links, key refresh, and key-size validation.
//
// Grounded on linux/internal/l2cap/l2cap.go's Conn (handle-keyed lifecycle,
// Close() sending HCI Disconnect, HandleDisconnectionComplete cleaning up
// the connection table) generalized per spec.md §9's design note: cleanup
// on Disconnection Complete is done by a detached handler keyed only by
// handle, so it keeps working after the Connection Go value is gone.
package conn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/acldata"
	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
)

// MinEncryptionKeySize is the policy minimum BR/EDR encryption key size in
// octets (spec.md §4.7 "numeric policy, e.g. 7 octets").
const MinEncryptionKeySize = 7

// LEConnectionParameters mirrors the controller-reported parameters from LE
// Connection Complete / LE Enhanced Connection Complete.
type LEConnectionParameters struct {
	ConnInterval uint16
	ConnLatency  uint16
	SupervisionTimeout uint16
}

// State is a Connection's lifecycle state (spec.md §3).
type State int

const (
	StateConnected State = iota
	StateWaitingForDisconnectionComplete
	StateDisconnected
)

// LongTermKey is an LE bonding key plus the rand/ediv pair used to answer LE
// Long Term Key Request (spec.md §4.7).
type LongTermKey struct {
	Key  [16]byte
	Rand uint64
	EDiv uint16
}

// LinkKey is a BR/EDR bonding key plus its HCI link-key type byte.
type LinkKey struct {
	Key  [16]byte
	Type uint8
}

// EncryptionChangeCallback reports the outcome of an encryption-change or
// key-refresh cycle (spec.md §4.7).
type EncryptionChangeCallback func(handle hcidef.ConnectionHandle, enabled bool, err error)

// PeerDisconnectCallback reports that the peer initiated disconnection.
type PeerDisconnectCallback func(handle hcidef.ConnectionHandle, reason hcidef.Status)

// Connection is a per-link record (spec.md §3). It exclusively owns the
// link: destroying it (Close) initiates disconnection unless already
// disconnected.
type Connection struct {
	mgr *Manager

	Handle      hcidef.ConnectionHandle
	LocalAddr   hcidef.Address
	PeerAddr    hcidef.Address
	Role        hcidef.Role
	LinkType    hcidef.LinkType
	LEParams    *LEConnectionParameters

	mu    sync.Mutex
	state State
	ltk   *LongTermKey
	lk    *LinkKey
}

// newConnection is called by Manager.NewConnection / package le/advertiser /
// le/connector once a link exists at the controller.
func newConnection(mgr *Manager, handle hcidef.ConnectionHandle, local, peer hcidef.Address, role hcidef.Role, lt hcidef.LinkType) *Connection {
	c := &Connection{
		mgr: mgr, Handle: handle, LocalAddr: local, PeerAddr: peer,
		Role: role, LinkType: lt, state: StateConnected,
	}
	mgr.trackLocked(handle, c)
	return c
}

// SetLongTermKey records the LE bonding key used for LEStartEncryption and
// for answering LE Long Term Key Request. If the Manager has a BondStore
// wired in (bondstore.Store satisfies it), the key is also persisted so a
// future process can resume the bond without re-pairing.
func (c *Connection) SetLongTermKey(ltk LongTermKey) {
	c.mu.Lock()
	c.ltk = &ltk
	c.mu.Unlock()
	if c.mgr != nil && c.mgr.bonds != nil {
		if err := c.mgr.bonds.SaveLTK(c.PeerAddr.String(), ltk.Key, ltk.Rand, ltk.EDiv); err != nil {
			c.mgr.log.WithError(err).Warn("failed to persist long-term key")
		}
	}
}

// SetLinkKey records the BR/EDR bonding key used for StartEncryption. See
// SetLongTermKey for the persistence behavior.
func (c *Connection) SetLinkKey(lk LinkKey) {
	c.mu.Lock()
	c.lk = &lk
	c.mu.Unlock()
	if c.mgr != nil && c.mgr.bonds != nil {
		if err := c.mgr.bonds.SaveLinkKey(c.PeerAddr.String(), lk.Key, lk.Type); err != nil {
			c.mgr.log.WithError(err).Warn("failed to persist link key")
		}
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect transitions connected -> waiting-for-disconnection-complete and
// issues HCI Disconnect (spec.md §4.7). It is a no-op if already
// disconnected or disconnecting.
func (c *Connection) Disconnect(reason hcidef.Status) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateWaitingForDisconnectionComplete
	c.mu.Unlock()

	params := []byte{byte(c.Handle), byte(c.Handle >> 8), byte(reason)}
	c.mgr.ch.SendCommand(hcidef.OpDisconnect, params, nil, hcidef.EventCommandStatus)
}

// Close implements spec.md §3's Connection-destruction invariant: a no-op
// on the wire if already disconnected, otherwise it sends Disconnect.
func (c *Connection) Close() error {
	c.Disconnect(hcidef.Status(0x13)) // remote user terminated, conventional local-initiated value
	return nil
}

// StartEncryption requires role == central and a stored long-term key for
// LE links (spec.md §4.7). It returns false synchronously if the command
// could not even be submitted; the real result arrives later via the
// Manager's EncryptionChangeCallback.
func (c *Connection) StartEncryption() bool {
	c.mu.Lock()
	ltk := c.ltk
	lk := c.lk
	role := c.Role
	lt := c.LinkType
	handle := c.Handle
	c.mu.Unlock()

	if lt == hcidef.LinkTypeLE {
		if role != hcidef.RoleCentral || ltk == nil {
			return false
		}
		params := make([]byte, 2+8+2+16)
		binary.LittleEndian.PutUint16(params[0:2], uint16(handle))
		binary.LittleEndian.PutUint64(params[2:10], ltk.Rand)
		binary.LittleEndian.PutUint16(params[10:12], ltk.EDiv)
		copy(params[12:], ltk.Key[:])
		id := c.mgr.ch.SendCommand(hcidef.OpLEStartEncryption, params, nil, hcidef.EventCommandStatus)
		return id != 0
	}

	if lk == nil {
		return false
	}
	params := []byte{byte(handle), byte(handle >> 8), 0x01}
	id := c.mgr.ch.SendCommand(hcidef.OpSetConnectionEncryption, params, nil, hcidef.EventCommandStatus)
	return id != 0
}

// BondStore persists bonding material across process restarts. It is
// satisfied by *bondstore.Store; a Manager with none wired in (the default)
// simply skips persistence, per spec.md §9's "additive, never required"
// framing for packages outside §4.
type BondStore interface {
	SaveLTK(addr string, key [16]byte, rand uint64, ediv uint16) error
	SaveLinkKey(addr string, key [16]byte, keyType uint8) error
}

// Manager owns the handlers whose lifetime must outlive any individual
// Connection (spec.md §9): one DisconnectionComplete handler,
// EncryptionChange, EncryptionKeyRefreshComplete, and LE LTK Request,
// registered once, keyed only by handle.
type Manager struct {
	ch     *command.Channel
	acl    *acldata.Channel
	log    *logrus.Entry
	bonds  BondStore

	onEncChange  EncryptionChangeCallback
	onPeerDisc   PeerDisconnectCallback

	mu    sync.Mutex
	conns map[hcidef.ConnectionHandle]*Connection
}

// SetBondStore wires an optional bonding-key persistence backend.
func (m *Manager) SetBondStore(bs BondStore) { m.bonds = bs }

// NewManager registers its handlers against ch and returns a Manager. The
// handlers it installs are detached: they reference only ch, acl, and the
// handle->lookup map, never a *Connection directly, so disconnection
// cleanup keeps working even if the Go Connection value has already been
// garbage collected by the caller (spec.md §9).
func NewManager(ch *command.Channel, acl *acldata.Channel, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		ch: ch, acl: acl, log: log.WithField("component", "conn"),
		conns: make(map[hcidef.ConnectionHandle]*Connection),
	}
	ch.AddInternalEventHandler(hcidef.EventDisconnectionComplete, m.handleDisconnectionComplete)
	ch.AddInternalEventHandler(hcidef.EventEncryptionChange, m.handleEncryptionChange)
	ch.AddInternalEventHandler(hcidef.EventEncryptionKeyRefreshComplete, m.handleEncryptionKeyRefresh)
	ch.AddLEMetaEventHandler(hcidef.LESubeventLongTermKeyRequest, m.handleLELTKRequest)
	return m
}

// SetEncryptionChangeCallback registers the callback invoked after every
// encryption-change or key-refresh cycle.
func (m *Manager) SetEncryptionChangeCallback(cb EncryptionChangeCallback) { m.onEncChange = cb }

// SetPeerDisconnectCallback registers the callback invoked when the peer
// (not the local side) initiates disconnection.
func (m *Manager) SetPeerDisconnectCallback(cb PeerDisconnectCallback) { m.onPeerDisc = cb }

// NewConnection constructs and tracks a Connection for a just-established
// link.
func (m *Manager) NewConnection(handle hcidef.ConnectionHandle, local, peer hcidef.Address, role hcidef.Role, lt hcidef.LinkType) *Connection {
	return newConnection(m, handle, local, peer, role, lt)
}

func (m *Manager) trackLocked(handle hcidef.ConnectionHandle, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[handle] = c
}

func (m *Manager) handleDisconnectionComplete(params []byte) command.Verdict {
	if len(params) < 4 {
		m.log.Warn("malformed disconnection complete")
		return command.Continue
	}
	status := hcidef.Status(params[0])
	handle := hcidef.ConnectionHandle(uint16(params[1]) | uint16(params[2])<<8)
	reason := hcidef.Status(params[3])

	m.mu.Lock()
	c, found := m.conns[handle]
	if found {
		delete(m.conns, handle)
	}
	m.mu.Unlock()

	// Regardless of initiator, the link's controller-side state is released
	// here: unregister from the ACL Data Channel and clear its packet
	// count so credits return to the pool (spec.md §4.7, §4.2).
	m.acl.UnregisterLink(handle)
	m.acl.ClearControllerPacketCount(handle)

	if !status.Success() {
		m.log.WithFields(logrus.Fields{"handle": handle, "status": status}).Warn("disconnection complete reported non-success status")
	}

	peerInitiated := found && c.State() != StateWaitingForDisconnectionComplete
	if found {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
	}
	if peerInitiated && m.onPeerDisc != nil {
		m.onPeerDisc(handle, reason)
	}
	return command.Continue
}

func (m *Manager) handleEncryptionChange(params []byte) command.Verdict {
	if len(params) < 4 {
		m.log.Warn("malformed encryption change")
		return command.Continue
	}
	status := hcidef.Status(params[0])
	handle := hcidef.ConnectionHandle(uint16(params[1]) | uint16(params[2])<<8)
	enabled := params[3] != 0

	if !status.Success() {
		m.finishEncryption(handle, false, hcidef.NewStatusError(status))
		return command.Continue
	}
	if !enabled {
		m.finishEncryption(handle, false, nil)
		return command.Continue
	}

	c := m.lookup(handle)
	if c != nil && c.LinkType != hcidef.LinkTypeLE {
		// BR/EDR: validate key size before declaring success (spec.md §4.7).
		keyParams := []byte{byte(handle), byte(handle >> 8)}
		m.ch.SendCommand(hcidef.OpReadEncryptionKeySize, keyParams, func(ret []byte, err error) {
			if err != nil {
				m.finishEncryption(handle, false, err)
				return
			}
			if len(ret) < 4 {
				m.finishEncryption(handle, false, fmt.Errorf("%w: read encryption key size", hcidef.ErrPacketMalformed))
				return
			}
			keySize := int(ret[3])
			if keySize < MinEncryptionKeySize {
				if c != nil {
					c.Disconnect(hcidef.StatusAuthenticationFailure)
				}
				m.finishEncryption(handle, false, hcidef.ErrInsufficientSecurity)
				return
			}
			m.finishEncryption(handle, true, nil)
		}, hcidef.EventCommandComplete)
		return command.Continue
	}
	m.finishEncryption(handle, true, nil)
	return command.Continue
}

func (m *Manager) handleEncryptionKeyRefresh(params []byte) command.Verdict {
	if len(params) < 3 {
		m.log.Warn("malformed encryption key refresh complete")
		return command.Continue
	}
	status := hcidef.Status(params[0])
	handle := hcidef.ConnectionHandle(uint16(params[1]) | uint16(params[2])<<8)
	m.finishEncryption(handle, status.Success(), hcidef.NewStatusError(status))
	return command.Continue
}

func (m *Manager) finishEncryption(handle hcidef.ConnectionHandle, enabled bool, err error) {
	if m.onEncChange != nil {
		m.onEncChange(handle, enabled, err)
	}
}

func (m *Manager) handleLELTKRequest(params []byte) command.Verdict {
	if len(params) < 12 {
		m.log.Warn("malformed LE long term key request")
		return command.Continue
	}
	handle := hcidef.ConnectionHandle(uint16(params[0]) | uint16(params[1])<<8)
	rand := binary.LittleEndian.Uint64(params[2:10])
	ediv := binary.LittleEndian.Uint16(params[10:12])

	c := m.lookup(handle)
	var matched bool
	var key [16]byte
	if c != nil {
		c.mu.Lock()
		if c.ltk != nil && c.ltk.Rand == rand && c.ltk.EDiv == ediv {
			matched = true
			key = c.ltk.Key
		}
		c.mu.Unlock()
	}

	if matched {
		reply := append([]byte{byte(handle), byte(handle >> 8)}, key[:]...)
		m.ch.SendCommand(hcidef.OpLELTKRequestReply, reply, nil, hcidef.EventCommandComplete)
	} else {
		reply := []byte{byte(handle), byte(handle >> 8)}
		m.ch.SendCommand(hcidef.OpLELTKRequestNegativeReply, reply, nil, hcidef.EventCommandComplete)
	}
	return command.Continue
}

func (m *Manager) lookup(handle hcidef.ConnectionHandle) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[handle]
}
