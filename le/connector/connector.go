// Package connector implements the LE Connector (spec.md §4.4): issuing LE
// Create Connection, tracking the single pending request, and mapping
// cancellation/timeout onto the unknown-connection-id error LE Connection
// Complete reports for both.
//
// Grounded on linux/hci.go's Connect/CancelConnection (issue LE Create
// Connection, then let the LE Meta handler in linux/internal/l2cap resolve
// the resulting LEConnectionCompleteEP) generalized to spec.md's explicit
// PendingRequest state machine with timeout and a local-address collaborator.
package connector

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/internal/corrid"
	"github.com/btstack/hci/le/conn"
)

// LocalAddressDelegate resolves the local address to initiate from,
// possibly asynchronously (spec.md §6).
type LocalAddressDelegate interface {
	EnsureLocalAddress(cb func(hcidef.Address))
}

// InitialParameters are the LE connection parameters proposed in LE Create
// Connection.
type InitialParameters struct {
	ConnIntervalMin    uint16
	ConnIntervalMax    uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
	MinCELength        uint16
	MaxCELength        uint16
}

// StatusCallback reports the outcome of CreateConnection: either a freshly
// constructed *conn.Connection, or an error (hcidef.ErrCanceled,
// hcidef.ErrTimedOut, or a *hcidef.StatusError).
type StatusCallback func(c *conn.Connection, err error)

// IncomingConnectionDelegate is invoked for a LE Connection Complete whose
// peer address does not match any pending outbound request (spec.md §4.4
// "Incoming connections").
type IncomingConnectionDelegate func(c *conn.Connection)

type pendingRequest struct {
	corrID       string
	peerAddr     hcidef.Address
	localAddr    hcidef.Address
	initiating   bool
	canceled     bool
	timedOut     bool
	statusCb     StatusCallback
	timer        *time.Timer
}

// Connector is the LE Connector.
type Connector struct {
	ch       *command.Channel
	connMgr  *conn.Manager
	localDel LocalAddressDelegate
	log      *logrus.Entry

	onIncoming IncomingConnectionDelegate

	mu      sync.Mutex
	pending *pendingRequest
}

// New constructs a Connector and registers its LE Connection Complete
// handler against ch.
func New(ch *command.Channel, connMgr *conn.Manager, localDel LocalAddressDelegate, log *logrus.Entry) *Connector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connector{ch: ch, connMgr: connMgr, localDel: localDel, log: log.WithField("component", "connector")}
	ch.AddLEMetaEventHandler(hcidef.LESubeventConnectionComplete, c.handleConnectionComplete)
	return c
}

// SetIncomingConnectionDelegate registers the delegate for unsolicited LE
// Connection Complete events.
func (c *Connector) SetIncomingConnectionDelegate(d IncomingConnectionDelegate) { c.onIncoming = d }

// CreateConnection issues an outbound LE link setup. It returns false if a
// request is already pending. On success status (a *conn.Connection or an
// error) is reported to statusCb once, and then the request is cleared.
func (c *Connector) CreateConnection(useAcceptList bool, peer hcidef.Address, scanInterval, scanWindow uint16, initial InitialParameters, statusCb StatusCallback, timeout time.Duration) bool {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return false
	}
	req := &pendingRequest{corrID: corrid.New(), peerAddr: peer, statusCb: statusCb}
	c.pending = req
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"corr_id": req.corrID, "peer": peer}).Debug("connect requested")

	c.localDel.EnsureLocalAddress(func(local hcidef.Address) {
		c.mu.Lock()
		if c.pending != req {
			c.mu.Unlock()
			return
		}
		if req.canceled {
			c.pending = nil
			c.mu.Unlock()
			c.log.WithField("corr_id", req.corrID).Debug("connect cancelled before address resolution")
			if statusCb != nil {
				statusCb(nil, hcidef.ErrCanceled)
			}
			return
		}
		req.localAddr = local
		req.initiating = true
		if timeout > 0 {
			req.timer = time.AfterFunc(timeout, func() { c.onTimeout(req) })
		}
		c.mu.Unlock()

		params := make([]byte, 25)
		binary.LittleEndian.PutUint16(params[0:2], scanInterval)
		binary.LittleEndian.PutUint16(params[2:4], scanWindow)
		if useAcceptList {
			params[4] = 0x01
		}
		params[5] = peer.AddressType()
		copy(params[6:12], peer.Bytes[:])
		params[12] = local.AddressType()
		binary.LittleEndian.PutUint16(params[13:15], initial.ConnIntervalMin)
		binary.LittleEndian.PutUint16(params[15:17], initial.ConnIntervalMax)
		binary.LittleEndian.PutUint16(params[17:19], initial.ConnLatency)
		binary.LittleEndian.PutUint16(params[19:21], initial.SupervisionTimeout)
		binary.LittleEndian.PutUint16(params[21:23], initial.MinCELength)
		binary.LittleEndian.PutUint16(params[23:25], initial.MaxCELength)

		c.ch.SendCommand(hcidef.OpLECreateConnection, params, func(_ []byte, err error) {
			if err != nil {
				c.mu.Lock()
				if c.pending == req {
					c.pending = nil
				}
				c.mu.Unlock()
				if req.timer != nil {
					req.timer.Stop()
				}
				if statusCb != nil {
					statusCb(nil, err)
				}
			}
			// On success (Command Status == success) we simply wait for LE
			// Connection Complete; nothing to do here.
		}, hcidef.EventCommandStatus)
	})
	return true
}

// Cancel marks the pending request cancelled. If it has already issued LE
// Create Connection, LE Create Connection Cancel is sent and the eventual
// LE Connection Complete with unknown-connection-id drives completion. If
// the request has not yet started initiating (still resolving the local
// address), it completes synchronously with hcidef.ErrCanceled.
func (c *Connector) Cancel() {
	c.mu.Lock()
	req := c.pending
	if req == nil {
		c.mu.Unlock()
		return
	}
	req.canceled = true
	initiating := req.initiating
	if !initiating {
		// Clearing pending makes the address-resolution callback a no-op.
		c.pending = nil
	}
	c.mu.Unlock()

	if initiating {
		c.ch.SendCommand(hcidef.OpLECreateConnectionCancel, nil, nil, hcidef.EventCommandStatus)
		return
	}
	if req.statusCb != nil {
		req.statusCb(nil, hcidef.ErrCanceled)
	}
}

// AllowRandomAddressChange reports "no" exactly when a request has entered
// the initiating state and not yet completed (spec.md §4.4).
func (c *Connector) AllowRandomAddressChange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending == nil || !c.pending.initiating
}

func (c *Connector) onTimeout(req *pendingRequest) {
	c.mu.Lock()
	if c.pending != req {
		c.mu.Unlock()
		return
	}
	req.timedOut = true
	c.mu.Unlock()
	c.ch.SendCommand(hcidef.OpLECreateConnectionCancel, nil, nil, hcidef.EventCommandStatus)
}

// handleConnectionComplete processes the LE Connection Complete subevent:
// status(1) || handle(2) || role(1) || peerAddrType(1) || peerAddr(6) ||
// interval(2) || latency(2) || timeout(2) || mca(1).
func (c *Connector) handleConnectionComplete(params []byte) command.Verdict {
	if len(params) < 18 {
		c.log.Warn("malformed LE connection complete")
		return command.Continue
	}
	status := hcidef.Status(params[0])
	handle := hcidef.ConnectionHandle(uint16(params[1]) | uint16(params[2])<<8)
	role := hcidef.Role(params[3])
	var peer hcidef.Address
	peer.Random = params[4] == 0x01
	copy(peer.Bytes[:], params[5:11])
	leParams := &conn.LEConnectionParameters{
		ConnInterval:       uint16(params[11]) | uint16(params[12])<<8,
		ConnLatency:        uint16(params[13]) | uint16(params[14])<<8,
		SupervisionTimeout: uint16(params[15]) | uint16(params[16])<<8,
	}

	c.mu.Lock()
	req := c.pending
	matches := req != nil && req.peerAddr == peer
	c.mu.Unlock()

	if !matches {
		if status.Success() && c.onIncoming != nil {
			cn := c.connMgr.NewConnection(handle, hcidef.Address{}, peer, role, hcidef.LinkTypeLE)
			cn.LEParams = leParams
			c.onIncoming(cn)
		}
		return command.Continue
	}

	c.mu.Lock()
	c.pending = nil
	if req.timer != nil {
		req.timer.Stop()
	}
	canceled, timedOut := req.canceled, req.timedOut
	c.mu.Unlock()

	if !status.Success() {
		var err error
		switch {
		case status == hcidef.StatusUnknownConnectionID && canceled:
			err = hcidef.ErrCanceled
		case status == hcidef.StatusUnknownConnectionID && timedOut:
			err = hcidef.ErrTimedOut
		default:
			err = hcidef.NewStatusError(status)
		}
		if req.statusCb != nil {
			req.statusCb(nil, err)
		}
		return command.Continue
	}

	cn := c.connMgr.NewConnection(handle, req.localAddr, peer, role, hcidef.LinkTypeLE)
	cn.LEParams = leParams
	if req.statusCb != nil {
		req.statusCb(cn, nil)
	}
	return command.Continue
}
