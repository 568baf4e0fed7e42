// Package acldata implements the ACL Data Channel (spec.md §4.2): per-link
// send queues, priority scheduling, and controller-buffer credit flow
// control keyed by link type.
//
// Grounded on linux/internal/l2cap/l2cap.go's bufCnt-channel credit model
// and linux/hci.go's Number-Of-Completed-Packets handling, generalized from
// the teacher's single shared-pool model (bufCnt chan struct{}, sized once)
// to spec.md's per-link-type BR/EDR-vs-LE pools with explicit pending-packet
// accounting and revocation.
package acldata

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/packet"
)

// Priority orders entries within the send queue (spec.md §3 QueuedDataPacket).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// BufferInfo describes one controller data-buffer pool (spec.md §4.2).
type BufferInfo struct {
	MaxPayloadLength int
	MaxNumPackets    int
}

// Endpoint is the ACL data endpoint's byte transport.
type Endpoint interface {
	io.Writer
	ReadACL() ([]byte, error)
}

// RxHandler receives inbound ACL frames. Exactly one is registered at a
// time (spec.md §3 invariant); registering a new one replaces the old one.
type RxHandler func(handle hcidef.ConnectionHandle, payload []byte)

type registeredLink struct {
	linkType hcidef.LinkType
}

type pendingPacketData struct {
	linkType hcidef.LinkType
	count    int
}

type queuedPacket struct {
	linkType  hcidef.LinkType
	channelID uint64
	priority  Priority
	pkt       *packet.Packet
	handle    hcidef.ConnectionHandle
}

// Telemetry receives controller-buffer occupancy samples. Satisfied by
// *telemetry.Exporter; a Channel with none wired in skips reporting.
type Telemetry interface {
	ACLBufferSample(linkType string, inFlight, capacity int)
}

// Channel is the ACL Data Channel.
type Channel struct {
	ep  Endpoint
	log *logrus.Entry
	tel Telemetry

	sendMu    sync.Mutex
	bredr     BufferInfo
	le        BufferInfo
	haveLE    bool // true if the controller reported an independent LE pool
	links     map[hcidef.ConnectionHandle]registeredLink
	pending   map[hcidef.ConnectionHandle]*pendingPacketData
	queue     []*queuedPacket
	bredrSent int // packets currently in the controller's BR/EDR buffer
	leSent    int // packets currently in the controller's LE buffer (if independent)

	rxMu sync.Mutex
	rx   RxHandler
}

// New constructs an empty Channel; call Initialize before sending data.
func New(ep Endpoint, log *logrus.Entry) *Channel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		ep:      ep,
		log:     log.WithField("component", "acldata"),
		links:   make(map[hcidef.ConnectionHandle]registeredLink),
		pending: make(map[hcidef.ConnectionHandle]*pendingPacketData),
	}
}

// Initialize records the controller's buffer info. If le is the zero value
// the controller reported no independent LE buffer, so LE credits draw from
// the BR/EDR pool (spec.md §4.2 "Buffer model").
func (c *Channel) Initialize(bredr BufferInfo, le BufferInfo) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.bredr = bredr
	if le.MaxNumPackets > 0 {
		c.le = le
		c.haveLE = true
	} else {
		c.haveLE = false
	}
}

// GetBufferInfo returns the BR/EDR pool's configuration.
func (c *Channel) GetBufferInfo() BufferInfo {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.bredr
}

// GetLEBufferInfo returns the LE pool's configuration, or the BR/EDR pool's
// if the controller did not report an independent one.
func (c *Channel) GetLEBufferInfo() BufferInfo {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.haveLE {
		return c.le
	}
	return c.bredr
}

// SetDataRxHandler installs the single registered receive handler.
func (c *Channel) SetDataRxHandler(h RxHandler) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	c.rx = h
}

// RegisterLink creates a RegisteredLink entry. Re-registering a handle
// after UnregisterLink is accepted (spec.md "handle reuse after disconnect").
func (c *Channel) RegisterLink(handle hcidef.ConnectionHandle, lt hcidef.LinkType) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.links[handle] = registeredLink{linkType: lt}
}

// UnregisterLink drops every queued entry for handle and removes the
// registration. It deliberately does not touch pending packet counts: those
// packets are still outstanding in the controller and their credits return
// only via Number-Of-Completed-Packets or ClearControllerPacketCount
// (spec.md §4.2 "Revocation").
func (c *Channel) UnregisterLink(handle hcidef.ConnectionHandle) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	delete(c.links, handle)
	c.dropWhereLocked(func(p *queuedPacket) bool { return p.handle == handle })
}

// ClearControllerPacketCount forcibly removes a handle's PendingPacketData,
// returning its credits to the pool. The upper layer must call this on
// Disconnection Complete (spec.md §4.2); it is the only correct way to
// reclaim credits post-disconnect.
func (c *Channel) ClearControllerPacketCount(handle hcidef.ConnectionHandle) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if p, ok := c.pending[handle]; ok {
		c.releaseCreditsLocked(p.linkType, p.count)
		delete(c.pending, handle)
	}
	c.scheduleLocked()
}

// SendPacket is SendPackets for a single packet.
func (c *Channel) SendPacket(payload []byte, handle hcidef.ConnectionHandle, channelID uint64, priority Priority) bool {
	return c.SendPackets([][]byte{payload}, handle, channelID, priority)
}

// SendPackets validates and atomically enqueues a batch under the send-side
// mutex (spec.md §9 open question, resolved: validate-then-enqueue is one
// atomic critical section). If any packet fails validation, nothing in the
// batch is enqueued.
func (c *Channel) SendPackets(payloads [][]byte, handle hcidef.ConnectionHandle, channelID uint64, priority Priority) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	link, ok := c.links[handle]
	if !ok {
		c.log.WithField("handle", handle).Debug("send rejected: handle not registered")
		return false
	}
	maxLen := c.bredr.MaxPayloadLength
	if link.linkType == hcidef.LinkTypeLE && c.haveLE {
		maxLen = c.le.MaxPayloadLength
	}
	entries := make([]*queuedPacket, 0, len(payloads))
	for _, payload := range payloads {
		if maxLen > 0 && len(payload) > maxLen {
			c.log.WithFields(logrus.Fields{"handle": handle, "len": len(payload), "max": maxLen}).Debug("send rejected: payload exceeds buffer MTU")
			return false
		}
		pkt, err := packet.MarshalACL(uint16(handle), packet.ACLFirstNonAutoFlushable, 0, payload)
		if err != nil {
			c.log.WithError(err).Error("marshal ACL packet failed")
			return false
		}
		entries = append(entries, &queuedPacket{
			linkType: link.linkType, channelID: channelID, priority: priority,
			pkt: pkt, handle: handle,
		})
	}

	for _, e := range entries {
		c.enqueueLocked(e)
	}
	c.scheduleLocked()
	return true
}

// enqueueLocked inserts e per spec.md §4.2 "Priority placement": low
// appends, high inserts just ahead of the first low-priority entry.
func (c *Channel) enqueueLocked(e *queuedPacket) {
	if e.priority == PriorityLow {
		c.queue = append(c.queue, e)
		return
	}
	idx := len(c.queue)
	for i, q := range c.queue {
		if q.priority == PriorityLow {
			idx = i
			break
		}
	}
	c.queue = append(c.queue, nil)
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = e
}

// DropQueuedPackets removes every queue entry for which pred returns true
// (spec.md §4.2 "Arbitrary drops").
func (c *Channel) DropQueuedPackets(pred func(channelID uint64) bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.dropWhereLocked(func(p *queuedPacket) bool { return pred(p.channelID) })
}

func (c *Channel) dropWhereLocked(match func(*queuedPacket) bool) {
	kept := c.queue[:0]
	for _, q := range c.queue {
		if !match(q) {
			kept = append(kept, q)
		}
	}
	c.queue = kept
}

// SetTelemetry wires an optional occupancy exporter, sampled after every
// scheduling pass.
func (c *Channel) SetTelemetry(t Telemetry) { c.tel = t }

// scheduleLocked is the scheduling pass (spec.md §4.2 "Scheduling"): for
// each candidate in queue order, send if its link type has free credits.
func (c *Channel) scheduleLocked() {
	for i := 0; i < len(c.queue); {
		q := c.queue[i]
		if c.freeCreditsLocked(q.linkType) <= 0 {
			i++
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.dispatchLocked(q)
	}
	if c.tel != nil {
		c.tel.ACLBufferSample("bredr", c.bredrSent, c.bredr.MaxNumPackets)
		if c.haveLE {
			c.tel.ACLBufferSample("le", c.leSent, c.le.MaxNumPackets)
		}
	}
}

func (c *Channel) freeCreditsLocked(lt hcidef.LinkType) int {
	if lt == hcidef.LinkTypeLE && c.haveLE {
		return c.le.MaxNumPackets - c.leSent
	}
	return c.bredr.MaxNumPackets - c.bredrSent
}

func (c *Channel) dispatchLocked(q *queuedPacket) {
	if q.linkType == hcidef.LinkTypeLE && c.haveLE {
		c.leSent++
	} else {
		c.bredrSent++
	}
	p, ok := c.pending[q.handle]
	if !ok {
		p = &pendingPacketData{linkType: q.linkType}
		c.pending[q.handle] = p
	}
	p.count++

	if _, err := c.ep.Write(q.pkt.Buf); err != nil {
		c.log.WithError(err).WithField("handle", q.handle).Error("write ACL packet failed")
	}
}

func (c *Channel) releaseCreditsLocked(lt hcidef.LinkType, n int) {
	if lt == hcidef.LinkTypeLE && c.haveLE {
		c.leSent -= n
		if c.leSent < 0 {
			c.leSent = 0
		}
		return
	}
	c.bredrSent -= n
	if c.bredrSent < 0 {
		c.bredrSent = 0
	}
}

// HandleNumberOfCompletedPackets processes the event payload: numHandles(1)
// || {handle(2), count(2)}*. For each entry it decrements PendingPacketData
// and releases the corresponding buffer's outstanding count, then runs a
// scheduling pass (spec.md §4.2).
func (c *Channel) HandleNumberOfCompletedPackets(params []byte) error {
	if len(params) < 1 {
		return fmt.Errorf("%w: number of completed packets", hcidef.ErrPacketMalformed)
	}
	n := int(params[0])
	if len(params) != 1+4*n {
		return fmt.Errorf("%w: number of completed packets", hcidef.ErrPacketMalformed)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for i := 0; i < n; i++ {
		off := 1 + i*4
		handle := hcidef.ConnectionHandle(uint16(params[off]) | uint16(params[off+1])<<8)
		count := int(uint16(params[off+2]) | uint16(params[off+3])<<8)
		p, ok := c.pending[handle]
		if !ok {
			c.log.WithField("handle", handle).Debug("number-of-completed-packets for unknown handle, ignored")
			continue
		}
		p.count -= count
		c.releaseCreditsLocked(p.linkType, count)
		if p.count <= 0 {
			delete(c.pending, handle)
		}
	}
	c.scheduleLocked()
	return nil
}

// DeliverRx hands an inbound ACL frame to the single registered receive
// handler.
func (c *Channel) DeliverRx(handle hcidef.ConnectionHandle, payload []byte) {
	c.rxMu.Lock()
	h := c.rx
	c.rxMu.Unlock()
	if h != nil {
		h(handle, payload)
	}
}
