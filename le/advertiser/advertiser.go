// Package advertiser implements the LE Advertiser (spec.md §4.5): the
// shared start/stop/inbound-connection workflow over three HCI command
// flavors (legacy single-set, 5.0 extended multi-set, pre-5.0 vendor-multi),
// queued through the Sequential Command Runner the way
// linux/advertiser.go's AdvertiseService issues its three-command sequence,
// generalized to multiple concurrent addresses and an internal FIFO for
// calls arriving while a sequence is in flight.
package advertiser

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/internal/corrid"
	"github.com/btstack/hci/le/conn"
	"github.com/btstack/hci/sequence"
)

// Options mirrors spec.md §4.5's option set.
type Options struct {
	IntervalMin         uint16
	IntervalMax         uint16
	Anonymous           bool
	Flags               uint8
	IncludeTxPowerLevel bool
}

// AdvDataCodec is the advertising-data collaborator interface from spec.md
// §6: advertising-data serialization is treated as an opaque blob the
// Advertiser never parses, only sizes and copies.
type AdvDataCodec interface {
	CalculateBlockSize(includeFlags bool) int
	WriteBlock(buf []byte, flags *uint8)
	SetTxPower(int8)
	Copy() AdvDataCodec
}

// ConnectCallback is invoked when an inbound connection lands on an
// advertising address this Advertiser owns.
type ConnectCallback func(c *conn.Connection)

// ResultCallback reports the outcome of a Start/Stop call.
type ResultCallback func(addr hcidef.Address, err error)

// Flavor selects which HCI command family an Advertiser instance drives.
type Flavor int

const (
	FlavorLegacy Flavor = iota
	FlavorExtended
	FlavorVendorMulti
)

// Advertiser drives one HCI advertising flavor. Construct one per Flavor;
// spec.md §4.5 describes all three as "three back-ends [that] share one
// shape", which is exactly what the backend interface + this type capture.
type Advertiser struct {
	ch      *command.Channel
	connMgr *conn.Manager
	runner  *sequence.Runner
	back    backend
	handles *handleMap
	log     *logrus.Entry

	mu         sync.Mutex
	active     map[hcidef.Address]*activeSet
	callbacks  *lru.Cache[hcidef.Address, ConnectCallback]
	ops        []func() // internal FIFO, spec.md §4.5 "Queueing"
	opInFlight bool

	// pendingTerm maps a just-completed connection handle to the
	// advertising handle that was terminated by it, populated from LE
	// Advertising Set Terminated (extended) or the vendor equivalent
	// (vendor-multi). Legacy never populates this: ResolveIncoming falls
	// back to the single active address.
	pendingTerm map[hcidef.ConnectionHandle]uint8
}

type activeSet struct {
	handle uint8
	data   AdvDataCodec
	scan   AdvDataCodec
}

// New constructs an Advertiser for the given flavor. handleCapacity bounds
// the number of concurrent advertising sets for extended/vendor-multi and
// maxDataLen their per-set data limit (both ignored for legacy, which is
// always 1 set of at most 31 bytes). Both values are used as given: New
// does not query the controller or take a minimum against its reported
// number of supported sets.
func New(flavor Flavor, ch *command.Channel, connMgr *conn.Manager, handleCapacity int, maxDataLen int, log *logrus.Entry) *Advertiser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var back backend
	switch flavor {
	case FlavorExtended:
		back = newExtendedBackend(handleCapacity, maxDataLen)
	case FlavorVendorMulti:
		back = newVendorMultiBackend(handleCapacity, maxDataLen)
	default:
		back = newLegacyBackend()
	}
	cacheSize := back.Capacity()
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, _ := lru.New[hcidef.Address, ConnectCallback](cacheSize)
	a := &Advertiser{
		ch: ch, connMgr: connMgr, back: back,
		handles:     newHandleMap(back.Capacity()),
		log:         log.WithField("component", "advertiser"),
		active:      make(map[hcidef.Address]*activeSet),
		callbacks:   cache,
		pendingTerm: make(map[hcidef.ConnectionHandle]uint8),
	}
	a.runner = sequence.New(ch, log)
	if back.Capacity() > 1 {
		if flavor == FlavorExtended {
			ch.AddLEMetaEventHandler(hcidef.LESubeventAdvertisingSetTerminated, a.handleSetTerminated)
		} else {
			ch.AddEventHandler(hcidef.EventVendorDebug, a.handleVendorSetTerminated)
		}
	}
	return a
}

// handleSetTerminated processes LE Advertising Set Terminated: status(1) ||
// advertising_handle(1) || connection_handle(2) || num_completed(1). It
// records which advertising handle a just-established connection
// terminated, so ResolveIncoming can map the connection back to the local
// address that was advertising.
func (a *Advertiser) handleSetTerminated(params []byte) command.Verdict {
	if len(params) < 4 {
		return command.Continue
	}
	if hcidef.Status(params[0]) != hcidef.StatusSuccess {
		return command.Continue
	}
	advHandle := params[1]
	connHandle := hcidef.ConnectionHandle(uint16(params[2]) | uint16(params[3])<<8)
	a.mu.Lock()
	a.pendingTerm[connHandle] = advHandle
	a.mu.Unlock()
	return command.Continue
}

// handleVendorSetTerminated processes the vendor-multi analogue: sub-op(1)
// || advertising_handle(1) || connection_handle(2). Other vendor sub-ops on
// this event code are ignored.
func (a *Advertiser) handleVendorSetTerminated(params []byte) command.Verdict {
	if len(params) < 4 || params[0] != vendorSubSetTerminated {
		return command.Continue
	}
	advHandle := params[1]
	connHandle := hcidef.ConnectionHandle(uint16(params[2]) | uint16(params[3])<<8)
	a.mu.Lock()
	a.pendingTerm[connHandle] = advHandle
	a.mu.Unlock()
	return command.Continue
}

// ResolveIncoming is the IncomingConnectionDelegate this Advertiser
// contributes to the LE Connector's fan-out (spec.md §4.5 "On inbound
// connection"): it reports whether cn landed on an address this Advertiser
// owns, and if so patches cn.LocalAddr, fires the stored ConnectCallback,
// and stops advertising at that address.
func (a *Advertiser) ResolveIncoming(cn *conn.Connection) bool {
	var advHandle uint8
	if a.back.Capacity() > 1 {
		a.mu.Lock()
		h, found := a.pendingTerm[cn.Handle]
		delete(a.pendingTerm, cn.Handle)
		a.mu.Unlock()
		if !found {
			return false
		}
		advHandle = h
	}

	localAddr, found := a.resolveLocalAddr(advHandle)
	if !found {
		return false
	}

	a.mu.Lock()
	cb, hasCb := a.callbacks.Get(localAddr)
	a.callbacks.Remove(localAddr)
	a.mu.Unlock()

	cn.LocalAddr = localAddr
	a.submit(func() { a.StopAdvertisingAddr(localAddr, nil) })
	if hasCb && cb != nil {
		cb(cn)
	}
	return true
}

// IsAdvertising reports whether any address is currently advertising.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active) > 0
}

// IsAdvertisingAddr reports whether addr specifically is advertising.
func (a *Advertiser) IsAdvertisingAddr(addr hcidef.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[addr]
	return ok
}

func (a *Advertiser) resolveLocalAddr(advHandle uint8) (hcidef.Address, bool) {
	if a.back.Capacity() == 1 {
		a.mu.Lock()
		defer a.mu.Unlock()
		for addr := range a.active {
			return addr, true
		}
		return hcidef.Address{}, false
	}
	return a.handles.AddressForHandle(advHandle)
}

// StartAdvertising begins (or restarts) advertising at addr. If the runner
// is busy the call is queued on the internal FIFO and re-invoked once the
// current operation completes (spec.md §4.5 "Queueing").
func (a *Advertiser) StartAdvertising(addr hcidef.Address, data, scanResponse AdvDataCodec, opts Options, connectCb ConnectCallback, result ResultCallback) {
	a.submit(func() { a.doStart(addr, data, scanResponse, opts, connectCb, result) })
}

// StopAdvertising stops a single address.
func (a *Advertiser) StopAdvertising(addr hcidef.Address, result ResultCallback) {
	a.submit(func() { a.StopAdvertisingAddr(addr, result) })
}

// StopAdvertisingAll stops every active address in one batch, rather than
// looping StopAdvertising per address: spec.md §4.5 warns that looping
// would lose commands to the runner's cancel semantics, since each
// individual Stop's RunCommands call would cancel the previous one's
// in-flight batch.
func (a *Advertiser) StopAdvertisingAll(result func(err error)) {
	a.mu.Lock()
	a.ops = nil // spec.md: "stop_advertising() clears this FIFO"
	addrs := make([]hcidef.Address, 0, len(a.active))
	for addr := range a.active {
		addrs = append(addrs, addr)
	}
	a.mu.Unlock()

	if len(addrs) == 0 {
		if result != nil {
			result(nil)
		}
		return
	}
	for _, addr := range addrs {
		a.queueStopCommands(addr)
	}
	a.opInFlightLock()
	a.runner.RunCommands(func(err error) {
		a.mu.Lock()
		for _, addr := range addrs {
			delete(a.active, addr)
			a.handles.Remove(addr)
			a.callbacks.Remove(addr)
		}
		a.opInFlight = false
		a.mu.Unlock()
		if result != nil {
			result(err)
		}
		a.drainQueue()
	})
}

func (a *Advertiser) submit(op func()) {
	a.mu.Lock()
	if a.opInFlight {
		a.ops = append(a.ops, op)
		a.mu.Unlock()
		return
	}
	a.opInFlight = true
	a.mu.Unlock()
	op()
}

func (a *Advertiser) opInFlightLock() {
	a.mu.Lock()
	a.opInFlight = true
	a.mu.Unlock()
}

// drainQueue re-invokes the next queued op, if any
// (spec.md §4.5 "Queueing").
func (a *Advertiser) drainQueue() {
	a.mu.Lock()
	if len(a.ops) == 0 {
		a.mu.Unlock()
		return
	}
	next := a.ops[0]
	a.ops = a.ops[1:]
	a.opInFlight = true
	a.mu.Unlock()
	next()
}

func (a *Advertiser) doStart(addr hcidef.Address, data, scanResponse AdvDataCodec, opts Options, connectCb ConnectCallback, result ResultCallback) {
	corrID := corrid.New()
	a.log.WithFields(logrus.Fields{"corr_id": corrID, "addr": addr}).Debug("start advertising requested")
	maxLen := a.back.MaxDataLength()
	if data != nil && data.CalculateBlockSize(true) > maxLen {
		a.finishOp(func() {
			if result != nil {
				result(addr, hcidef.ErrAdvertisingDataTooLong)
			}
		})
		return
	}
	if scanResponse != nil && scanResponse.CalculateBlockSize(false) > maxLen {
		a.finishOp(func() {
			if result != nil {
				result(addr, hcidef.ErrScanResponseTooLong)
			}
		})
		return
	}

	handle, ok := a.handles.Allocate(addr)
	if !ok {
		a.finishOp(func() {
			if result != nil {
				result(addr, hcidef.ErrAdvertisingHandlesExhausted)
			}
		})
		return
	}

	a.mu.Lock()
	_, wasActive := a.active[addr]
	a.mu.Unlock()
	if wasActive {
		a.queueStopCommands(addr)
	}

	at := deriveAdvType(scanResponse != nil, connectCb != nil)

	// queueParamsAndData builds the parameters/data/scan-response/enable
	// batch and runs it. It is deferred behind a closure so that, when a TX
	// power read precedes it, renderBlock sees the patched data/scanResponse
	// rather than the values as passed to doStart (spec.md §4.5).
	queueParamsAndData := func() {
		first := true
		queueBuilt := func(bc builtCommand, wait bool) {
			a.runner.QueueCommand(bc.opcode, bc.params, nil, wait, hcidef.EventCommandComplete, nil)
			first = false
		}
		queueBuilt(a.back.SetParameters(handle, addr, opts, at), first)
		queueBuilt(a.back.SetAdvertisingData(handle, renderBlock(data)), false)
		if scanResponse != nil {
			queueBuilt(a.back.SetScanResponseData(handle, renderBlock(scanResponse)), false)
		}
		queueBuilt(a.back.Enable(handle, true), false)

		a.runner.RunCommands(func(err error) {
			if err == nil {
				a.mu.Lock()
				a.active[addr] = &activeSet{handle: handle, data: data, scan: scanResponse}
				if connectCb != nil {
					a.callbacks.Add(addr, connectCb)
				}
				a.mu.Unlock()
			} else {
				a.handles.Remove(addr)
			}
			a.finishOp(func() {
				if result != nil {
					result(addr, err)
				}
			})
		})
	}

	if a.back.NeedsTxPowerRead() && opts.IncludeTxPowerLevel {
		// Run the read as its own fully-completed batch: SetParameters and
		// the data blocks must not be built until the callback below has
		// patched the TX power value into copies of data/scanResponse.
		txCmd := a.back.TxPowerReadCommand()
		a.runner.QueueCommand(txCmd.opcode, txCmd.params, func(ret []byte, err error) {
			if err == nil && len(ret) >= 2 {
				txPower := int8(ret[len(ret)-1])
				if data != nil {
					cp := data.Copy()
					cp.SetTxPower(txPower)
					data = cp
				}
				if scanResponse != nil {
					cp := scanResponse.Copy()
					cp.SetTxPower(txPower)
					scanResponse = cp
				}
			}
		}, true, hcidef.EventCommandComplete, nil)
		a.runner.RunCommands(func(err error) {
			if err != nil {
				a.handles.Remove(addr)
				a.finishOp(func() {
					if result != nil {
						result(addr, err)
					}
				})
				return
			}
			queueParamsAndData()
		})
		return
	}

	queueParamsAndData()
}

func renderBlock(codec AdvDataCodec) []byte {
	if codec == nil {
		return nil
	}
	buf := make([]byte, codec.CalculateBlockSize(true))
	codec.WriteBlock(buf, nil)
	return buf
}

// StopAdvertisingAddr issues disable -> unset scan response -> unset
// advertising data -> remove (spec.md §4.5 "Stop (single)"). It is also
// used internally by doStart to tear down a restart and by
// ResolveIncoming.
func (a *Advertiser) StopAdvertisingAddr(addr hcidef.Address, result ResultCallback) {
	a.mu.Lock()
	_, active := a.active[addr]
	a.mu.Unlock()
	if !active {
		a.finishOp(func() {
			if result != nil {
				result(addr, hcidef.ErrNotAdvertising)
			}
		})
		return
	}
	a.queueStopCommands(addr)
	a.runner.RunCommands(func(err error) {
		a.mu.Lock()
		delete(a.active, addr)
		a.handles.Remove(addr)
		a.callbacks.Remove(addr)
		a.mu.Unlock()
		a.finishOp(func() {
			if result != nil {
				result(addr, err)
			}
		})
	})
}

func (a *Advertiser) queueStopCommands(addr hcidef.Address) {
	handle, _ := a.handles.Allocate(addr)
	disable := a.back.Enable(handle, false)
	a.runner.QueueCommand(disable.opcode, disable.params, nil, true, hcidef.EventCommandComplete, nil)
	unscan := a.back.SetScanResponseData(handle, nil)
	a.runner.QueueCommand(unscan.opcode, unscan.params, nil, false, hcidef.EventCommandComplete, nil)
	unadv := a.back.SetAdvertisingData(handle, nil)
	a.runner.QueueCommand(unadv.opcode, unadv.params, nil, false, hcidef.EventCommandComplete, nil)
	if rm, ok := a.back.Remove(handle); ok {
		a.runner.QueueCommand(rm.opcode, rm.params, nil, false, hcidef.EventCommandComplete, nil)
	}
}

func (a *Advertiser) finishOp(after func()) {
	a.mu.Lock()
	a.opInFlight = false
	a.mu.Unlock()
	after()
	a.drainQueue()
}
