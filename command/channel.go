// Package command implements the Command Channel (spec.md §4.1): command
// submission under the controller's credit-flow contract, completion
// matching, and unsolicited-event dispatch to subscribers.
//
// It is grounded on linux/internal/cmd/cmd.go (submission + completion
// matching via a sent-list and per-command done channel) and
// linux/internal/event/event.go (code-keyed dispatch table), generalized
// from the teacher's single in-flight-command model to spec.md's
// queue-with-credit-window-and-exclusion-set model.
package command

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/packet"
)

// TransactionID identifies one command->completion conversation. Zero means
// "failed to enqueue" (spec.md §3).
type TransactionID uint64

// HandlerID identifies a registered event handler.
type HandlerID uint64

// Verdict is returned by an event handler to say whether it wants to keep
// receiving events for its code.
type Verdict int

const (
	Continue Verdict = iota
	Remove
)

// Callback receives a transaction's terminal result: the raw return/event
// parameters on success, or a non-nil error (typically *hcidef.StatusError,
// hcidef.ErrTransactionTimeout, or hcidef.ErrEndpointClosed).
type Callback func(params []byte, err error)

// EventHandlerFunc receives an unsolicited event's payload (event params for
// plain handlers, LE Meta subevent params for LE-meta handlers) and reports
// a Verdict.
type EventHandlerFunc func(params []byte) Verdict

// Endpoint is the command endpoint's byte transport: writes are whole
// command frames, reads are whole event frames. Implementations are
// typically a framed wrapper over the platform device (transport.Endpoint).
type Endpoint interface {
	io.Writer
	// ReadEvent blocks for the next complete event frame. It returns
	// hcidef.ErrEndpointClosed (or wraps it) once the peer has closed.
	ReadEvent() ([]byte, error)
}

type pendingTxn struct {
	id          TransactionID
	opcode      hcidef.Opcode
	completion  hcidef.EventCode
	leSubevent  *hcidef.LESubevent
	exclusions  map[hcidef.Opcode]struct{}
	cb          Callback
	timer       *time.Timer
	handlerID   HandlerID
	async       bool
}

type queuedCmd struct {
	id         TransactionID
	pkt        *packet.Packet
	opcode     hcidef.Opcode
	completion hcidef.EventCode
	leSubevent *hcidef.LESubevent
	exclusions map[hcidef.Opcode]struct{}
	cb         Callback
}

type eventHandler struct {
	id         HandlerID
	code       hcidef.EventCode
	isLEMeta   bool
	leSubevent hcidef.LESubevent
	pendingOp  hcidef.Opcode // NoOp for static (user-registered) handlers
	cb         EventHandlerFunc
}

// Telemetry receives credit-window samples. Satisfied by
// *telemetry.Exporter; a Channel with none wired in skips reporting.
type Telemetry interface {
	CreditWindowSample(window int)
}

// Channel is the Command Channel. It is not safe to call public methods
// from multiple goroutines concurrently with respect to each other's
// ordering guarantees for the *same* opcode/completion code, matching
// spec.md §5's "single-threaded at the I/O worker" model; submission itself
// is safe to call from any goroutine, the channel just serializes internally
// with a mutex (a stricter guarantee than the source needed, cheap to keep).
type Channel struct {
	ep  Endpoint
	log *logrus.Entry
	tel Telemetry

	timeout        time.Duration
	onChannelError func(err error)

	mu         sync.Mutex
	nextID     TransactionID
	nextHandle HandlerID
	credits    int
	queue      []*queuedCmd
	pending    map[TransactionID]*pendingTxn
	handlers   map[HandlerID]*eventHandler
	closed     bool
}

// Option configures a Channel at construction. Mirrors linux/advertiser.go's
// Option shape (a setter returning the previous value).
type Option func(*Channel) Option

// WithTimeout overrides the per-transaction HCI timeout (default 5s, within
// Core Spec guidance per spec.md §5).
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) Option {
		prev := c.timeout
		c.timeout = d
		return WithTimeout(prev)
	}
}

// New constructs a Channel with an initial credit window (commonly 1, bumped
// by the controller's reset sequence once its first Command Complete/Status
// arrives).
func New(ep Endpoint, log *logrus.Entry, initialCredits int, opts ...Option) *Channel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Channel{
		ep:       ep,
		log:      log.WithField("component", "command"),
		timeout:  5 * time.Second,
		credits:  initialCredits,
		nextID:   1,
		pending:  make(map[TransactionID]*pendingTxn),
		handlers: make(map[HandlerID]*eventHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTelemetry wires an optional credit-window exporter, sampled on every
// Command Status / Command Complete.
func (c *Channel) SetTelemetry(t Telemetry) { c.tel = t }

// SetChannelTimeoutCallback registers the callback invoked when a
// transaction times out; spec.md §4.1 treats this as fatal to the endpoint,
// upper layers are expected to initiate teardown.
func (c *Channel) SetChannelTimeoutCallback(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelError = cb
}

// SendCommand queues opcode/params for submission under completionEvent (a
// zero completionEvent means Command Complete) and returns its
// TransactionID, or 0 if the channel is closed or the command cannot be
// framed.
func (c *Channel) SendCommand(opcode hcidef.Opcode, params []byte, cb Callback, completionEvent hcidef.EventCode) TransactionID {
	return c.enqueue(opcode, params, cb, completionEvent, nil, nil)
}

// SendLEAsyncCommand queues an LE command whose completion is conveyed by a
// LE Meta subevent rather than Command Complete.
func (c *Channel) SendLEAsyncCommand(opcode hcidef.Opcode, params []byte, cb Callback, subevent hcidef.LESubevent) TransactionID {
	return c.enqueue(opcode, params, cb, hcidef.EventLEMeta, &subevent, nil)
}

// SendExclusiveCommand is SendCommand plus a set of opcodes that must have no
// in-flight transaction for this command to become eligible.
func (c *Channel) SendExclusiveCommand(opcode hcidef.Opcode, params []byte, cb Callback, completionEvent hcidef.EventCode, exclusions []hcidef.Opcode) TransactionID {
	ex := make(map[hcidef.Opcode]struct{}, len(exclusions))
	for _, op := range exclusions {
		ex[op] = struct{}{}
	}
	return c.enqueue(opcode, params, cb, completionEvent, nil, ex)
}

func (c *Channel) enqueue(opcode hcidef.Opcode, params []byte, cb Callback, completionEvent hcidef.EventCode, leSubevent *hcidef.LESubevent, exclusions map[hcidef.Opcode]struct{}) TransactionID {
	pkt, err := packet.MarshalCommand(uint16(opcode), params)
	if err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return 0
	}
	if completionEvent == 0 {
		completionEvent = hcidef.EventCommandComplete
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if cb != nil {
			cb(nil, hcidef.ErrEndpointClosed)
		}
		return 0
	}
	id := c.nextID
	c.nextID++
	c.queue = append(c.queue, &queuedCmd{
		id: id, pkt: pkt, opcode: opcode, completion: completionEvent,
		leSubevent: leSubevent, exclusions: exclusions, cb: cb,
	})
	c.scheduleLocked()
	return id
}

// RemoveQueued cancels a command that has not yet been sent. It returns
// false if id is not present in the submission queue (it may have already
// been sent, or may never have existed).
func (c *Channel) RemoveQueued(id TransactionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// AddEventHandler registers cb for every event carrying code, excluding the
// reserved codes (spec.md §3/§6); it returns 0 if code is reserved. Reserved
// codes are consumed internally by the Command/ACL Data Channels and by
// infrastructure such as le/conn.Manager, which use AddInternalEventHandler
// instead.
func (c *Channel) AddEventHandler(code hcidef.EventCode, cb EventHandlerFunc) HandlerID {
	if code.Reserved() {
		c.log.WithField("event_code", code).Warn("refusing handler for reserved event code")
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addHandlerLocked(code, false, 0, hcidef.NoOp, cb)
}

// AddInternalEventHandler registers cb for code, including reserved codes.
// It exists for infrastructure callers that legitimately own a reserved
// event (e.g. le/conn.Manager consuming Disconnection Complete); the
// Reserved() gate in AddEventHandler only protects against user code
// shadowing a dispatch the Command/ACL Data Channel themselves depend on.
func (c *Channel) AddInternalEventHandler(code hcidef.EventCode, cb EventHandlerFunc) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addHandlerLocked(code, false, 0, hcidef.NoOp, cb)
}

// AddLEMetaEventHandler registers cb for LE Meta events whose subevent code
// is subevent.
func (c *Channel) AddLEMetaEventHandler(subevent hcidef.LESubevent, cb EventHandlerFunc) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addHandlerLocked(hcidef.EventLEMeta, true, subevent, hcidef.NoOp, cb)
}

func (c *Channel) addHandlerLocked(code hcidef.EventCode, isLEMeta bool, subevent hcidef.LESubevent, pendingOp hcidef.Opcode, cb EventHandlerFunc) HandlerID {
	c.nextHandle++
	id := c.nextHandle
	c.handlers[id] = &eventHandler{
		id: id, code: code, isLEMeta: isLEMeta, leSubevent: subevent,
		pendingOp: pendingOp, cb: cb,
	}
	return id
}

// RemoveEventHandler unregisters a previously-registered handler. Removing
// an unknown id is a no-op.
func (c *Channel) RemoveEventHandler(id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

// scheduleLocked drives the submission queue forward. Callers must hold mu.
func (c *Channel) scheduleLocked() {
	for i := 0; i < len(c.queue); {
		q := c.queue[i]
		if !c.eligibleLocked(q) {
			i++
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.sendLocked(q)
		// Re-scan from the start: sending q may have made a previously
		// blocked submission ineligible (opcode/completion collision) or,
		// more commonly, simply consumed the last credit.
		i = 0
	}
}

func (c *Channel) eligibleLocked(q *queuedCmd) bool {
	if c.credits < 1 {
		return false
	}
	// Command Complete and Command Status carry the opcode and are matched by
	// it; only a separate completion event (or LE subevent) must not be
	// shared by two in-flight transactions.
	separate := q.leSubevent != nil || (q.completion != hcidef.EventCommandComplete && q.completion != hcidef.EventCommandStatus)
	for _, p := range c.pending {
		if p.opcode == q.opcode {
			return false
		}
		if separate && p.completion == q.completion && (p.leSubevent == nil) == (q.leSubevent == nil) {
			if p.leSubevent == nil || *p.leSubevent == *q.leSubevent {
				return false
			}
		}
		if q.exclusions != nil {
			if _, excluded := q.exclusions[p.opcode]; excluded {
				return false
			}
		}
	}
	return true
}

func (c *Channel) sendLocked(q *queuedCmd) {
	c.credits--
	async := q.completion != hcidef.EventCommandComplete || q.leSubevent != nil

	txn := &pendingTxn{
		id: q.id, opcode: q.opcode, completion: q.completion,
		leSubevent: q.leSubevent, exclusions: q.exclusions, cb: q.cb, async: async,
	}
	if async {
		// Install a handler lazily so events can be dispatched even before
		// the next scheduling pass (spec.md §4.1). It completes the
		// transaction it was installed for once the matching event arrives;
		// other handlers sharing the same completion code/subevent are left
		// alone, so it must check the opcode before tearing anything down.
		txn.handlerID = c.addHandlerLocked(q.completion, q.leSubevent != nil, derefSubevent(q.leSubevent), q.opcode, func(params []byte) Verdict {
			c.mu.Lock()
			cur, ok := c.pending[q.id]
			if !ok || cur.opcode != q.opcode {
				c.mu.Unlock()
				return Continue
			}
			delete(c.pending, cur.id)
			if cur.timer != nil {
				cur.timer.Stop()
			}
			c.releaseHandlerIfUnusedLocked(cur)
			c.scheduleLocked()
			c.mu.Unlock()

			if cur.cb != nil {
				cur.cb(params, nil)
			}
			return Remove
		})
	}
	if c.timeout > 0 {
		txn.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(q.id) })
	}
	c.pending[q.id] = txn

	if _, err := c.ep.Write(q.pkt.Buf); err != nil {
		c.log.WithError(err).WithField("opcode", q.opcode).Error("write command failed")
		c.failLocked(q.id, err)
		return
	}
	c.log.WithFields(logrus.Fields{"opcode": q.opcode, "txn": q.id}).Debug("sent command")
}

func derefSubevent(s *hcidef.LESubevent) hcidef.LESubevent {
	if s == nil {
		return 0
	}
	return *s
}

func (c *Channel) onTimeout(id TransactionID) {
	c.mu.Lock()
	txn, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	if txn.handlerID != 0 {
		c.releaseHandlerIfUnusedLocked(txn)
	}
	onErr := c.onChannelError
	c.closed = true
	c.mu.Unlock()

	c.log.WithField("opcode", txn.opcode).Error("command transaction timed out")
	if txn.cb != nil {
		txn.cb(nil, hcidef.ErrTransactionTimeout)
	}
	if onErr != nil {
		onErr(hcidef.ErrTransactionTimeout)
	}
}

// failLocked completes a transaction synchronously with err; mu is held by
// the caller and is released before invoking the callback.
func (c *Channel) failLocked(id TransactionID, err error) {
	txn, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	if txn.timer != nil {
		txn.timer.Stop()
	}
	if txn.handlerID != 0 {
		c.releaseHandlerIfUnusedLocked(txn)
	}
	c.mu.Unlock()
	if txn.cb != nil {
		txn.cb(nil, err)
	}
	c.mu.Lock()
}

func (c *Channel) releaseHandlerIfUnusedLocked(txn *pendingTxn) {
	for _, other := range c.pending {
		if other.handlerID == txn.handlerID {
			return
		}
	}
	delete(c.handlers, txn.handlerID)
}

// HandleCommandComplete processes a Command Complete event (opcode-first
// layout after the 1-byte num-hci-command-packets field, matching
// linux/internal/event's CommandCompleteEP): numPackets || opcode(2) ||
// returnParams.
func (c *Channel) HandleCommandComplete(params []byte) error {
	if len(params) < 3 {
		return fmt.Errorf("%w: command complete", hcidef.ErrPacketMalformed)
	}
	numPackets := int(params[0])
	opcode := hcidef.Opcode(uint16(params[1]) | uint16(params[2])<<8)
	ret := params[3:]

	c.mu.Lock()
	c.credits = numPackets
	if c.tel != nil {
		c.tel.CreditWindowSample(numPackets)
	}
	txn := c.findByOpcodeLocked(opcode)
	if txn == nil {
		c.scheduleLocked()
		c.mu.Unlock()
		c.log.WithField("opcode", opcode).Debug("command complete with no matching transaction")
		return nil
	}
	if txn.async && txn.completion != hcidef.EventCommandComplete {
		// Delivered to the callback but the transaction is retained; it is
		// waiting for a different completion code (spec.md §4.1).
		c.mu.Unlock()
		if txn.cb != nil {
			txn.cb(ret, nil)
		}
		c.mu.Lock()
		c.scheduleLocked()
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, txn.id)
	if txn.timer != nil {
		txn.timer.Stop()
	}
	if txn.handlerID != 0 {
		c.releaseHandlerIfUnusedLocked(txn)
	}
	c.scheduleLocked()
	c.mu.Unlock()

	if txn.cb != nil {
		txn.cb(ret, nil)
	}
	return nil
}

// HandleCommandStatus processes a Command Status event: status || numPackets
// || opcode(2).
func (c *Channel) HandleCommandStatus(params []byte) error {
	if len(params) < 4 {
		return fmt.Errorf("%w: command status", hcidef.ErrPacketMalformed)
	}
	status := hcidef.Status(params[0])
	numPackets := int(params[1])
	opcode := hcidef.Opcode(uint16(params[2]) | uint16(params[3])<<8)

	c.mu.Lock()
	c.credits = numPackets
	if c.tel != nil {
		c.tel.CreditWindowSample(numPackets)
	}
	txn := c.findByOpcodeLocked(opcode)
	if txn == nil {
		c.scheduleLocked()
		c.mu.Unlock()
		return nil
	}
	// A Command Status with error always completes the transaction. A
	// success Command Status only completes it if the transaction declared
	// Command Status as its completion code; otherwise it just acknowledges
	// acceptance and we keep waiting for the real completion event.
	if status.Success() && txn.completion != hcidef.EventCommandStatus {
		c.scheduleLocked()
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, txn.id)
	if txn.timer != nil {
		txn.timer.Stop()
	}
	if txn.handlerID != 0 {
		c.releaseHandlerIfUnusedLocked(txn)
	}
	c.scheduleLocked()
	c.mu.Unlock()

	if txn.cb != nil {
		txn.cb(nil, hcidef.NewStatusError(status))
	}
	return nil
}

func (c *Channel) findByOpcodeLocked(opcode hcidef.Opcode) *pendingTxn {
	for _, txn := range c.pending {
		if txn.opcode == opcode {
			return txn
		}
	}
	return nil
}

// Dispatch routes a non-reserved event to registered handlers (spec.md
// §4.1 "Event dispatch"). For LE Meta events it extracts the subevent code
// first. Handlers whose Verdict is Remove are unregistered afterward.
func (c *Channel) Dispatch(code hcidef.EventCode, params []byte) {
	if code == hcidef.EventLEMeta {
		if len(params) < 1 {
			c.log.Warn("malformed LE meta event: empty payload")
			return
		}
		c.dispatchLEMeta(hcidef.LESubevent(params[0]), params[1:])
		return
	}
	c.dispatchPlain(code, params)
}

func (c *Channel) dispatchPlain(code hcidef.EventCode, params []byte) {
	c.mu.Lock()
	var matched []*eventHandler
	for _, h := range c.handlers {
		if !h.isLEMeta && h.code == code {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		if h.cb(params) == Remove {
			c.RemoveEventHandler(h.id)
		}
	}
}

func (c *Channel) dispatchLEMeta(subevent hcidef.LESubevent, params []byte) {
	c.mu.Lock()
	var matched []*eventHandler
	for _, h := range c.handlers {
		if h.isLEMeta && h.leSubevent == subevent {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		if h.cb(params) == Remove {
			c.RemoveEventHandler(h.id)
		}
	}
}

// Close marks the channel closed: queued commands are rejected and pending
// transactions are failed with hcidef.ErrEndpointClosed. It is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[TransactionID]*pendingTxn)
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, txn := range pending {
		if txn.timer != nil {
			txn.timer.Stop()
		}
		if txn.cb != nil {
			txn.cb(nil, hcidef.ErrEndpointClosed)
		}
	}
	for _, q := range queue {
		if q.cb != nil {
			q.cb(nil, hcidef.ErrEndpointClosed)
		}
	}
}
