// Package scanner implements the LE Scanner (spec.md §4.6): the
// idle/initiating/{active,passive}-scanning/stopping state machine, LE
// Advertising Report parsing, and scan-response coalescing.
//
// Grounded on linux/hci.go's Scan/StopScanning (build set_scan_parameters +
// set_scan_enable, run through the controller, dispatch reports from the
// LE Meta handler in linux/internal/l2cap) generalized per spec.md §4.6 to
// the active-scan coalescing state machine and per-entry timeout the
// teacher never implements (it only ever scans passively for discovery).
package scanner

import (
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/internal/corrid"
	"github.com/btstack/hci/sequence"
)

// Infinite is the scan-period sentinel meaning "scan until stop_scan".
const Infinite time.Duration = 0

// LocalAddressDelegate resolves the local address to scan from.
type LocalAddressDelegate interface {
	EnsureLocalAddress(cb func(hcidef.Address))
}

// Options mirrors spec.md §4.6's option set.
type Options struct {
	Active              bool
	FilterDuplicates    bool
	FilterPolicy        uint8
	Period              time.Duration // Infinite disables the period timer
	ScanResponseTimeout time.Duration
	Interval            uint16
	Window              uint16
}

// StatusCallback reports a start/stop transition's outcome.
type StatusCallback func(err error)

// Result is one reported (or coalesced) advertisement.
type Result struct {
	Address   hcidef.Address
	Resolved  bool
	RSSI      int8
	EventType uint8
	Data      []byte
}

// PeerFoundDelegate and DirectedAdvertisementDelegate demultiplex reports.
type PeerFoundDelegate func(result Result)
type DirectedAdvertisementDelegate func(result Result)

// Legacy LE Advertising Report event-type byte values (Core Spec Vol 4 Part
// E 7.7.65.2).
const (
	evtConnectableUndirected   = 0x00
	evtConnectableDirected     = 0x01
	evtScannableUndirected     = 0x02
	evtNonConnectableUndirected = 0x03
	evtScanResponse            = 0x04
)

// Report address-type byte values. 0x02/0x03 indicate the controller
// resolved a private resolvable address to its identity address.
const (
	addrTypePublic         = 0x00
	addrTypeRandom         = 0x01
	addrTypePublicIdentity = 0x02
	addrTypeRandomIdentity = 0x03
)

type state int

const (
	stateIdle state = iota
	stateInitiating
	stateActiveScanning
	statePassiveScanning
	stateStopping
)

type pendingResult struct {
	result Result
	timer  *time.Timer
}

// Telemetry receives per-scan-result RSSI samples. Satisfied by
// *telemetry.Exporter; a Scanner with none wired in skips reporting.
type Telemetry interface {
	RSSISample(addr string, rssi int8)
}

// Scanner is the LE Scanner.
type Scanner struct {
	ch       *command.Channel
	runner   *sequence.Runner
	localDel LocalAddressDelegate
	log      *logrus.Entry
	tel      Telemetry

	onPeerFound PeerFoundDelegate
	onDirected  DirectedAdvertisementDelegate

	// resolvedCache remembers which addresses the controller has reported
	// as already-resolved identity addresses, bounding memory across a
	// long-running scan session instead of growing an unbounded map.
	resolvedCache *lru.Cache[hcidef.Address, bool]

	mu        sync.Mutex
	st        state
	opts      Options
	statusCb  StatusCallback
	periodTmr *time.Timer
	pending   map[hcidef.Address]*pendingResult
}

// New constructs a Scanner and registers its LE Advertising Report handler
// against ch.
func New(ch *command.Channel, localDel LocalAddressDelegate, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New[hcidef.Address, bool](256)
	s := &Scanner{
		ch: ch, localDel: localDel, log: log.WithField("component", "scanner"),
		resolvedCache: cache,
		pending:       make(map[hcidef.Address]*pendingResult),
	}
	s.runner = sequence.New(ch, log)
	ch.AddLEMetaEventHandler(hcidef.LESubeventAdvertisingReport, s.handleReport)
	ch.AddLEMetaEventHandler(hcidef.LESubeventDirectedAdvertisingReport, s.handleDirectedReport)
	return s
}

// SetPeerFoundDelegate registers the callback for coalesced/immediate
// advertisement reports.
func (s *Scanner) SetPeerFoundDelegate(d PeerFoundDelegate) { s.onPeerFound = d }

// SetDirectedAdvertisementDelegate registers the callback for directed
// advertisements.
func (s *Scanner) SetDirectedAdvertisementDelegate(d DirectedAdvertisementDelegate) {
	s.onDirected = d
}

// SetTelemetry wires an optional RSSI exporter, sampled on every emitted
// peer-found result.
func (s *Scanner) SetTelemetry(t Telemetry) { s.tel = t }

// emitPeerFound forwards result to the delegate and, if wired, samples its
// RSSI for telemetry.
func (s *Scanner) emitPeerFound(result Result) {
	if s.tel != nil {
		s.tel.RSSISample(result.Address.String(), result.RSSI)
	}
	if s.onPeerFound != nil {
		s.onPeerFound(result)
	}
}

// IsScanning reports whether the scanner is in either scanning state.
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateActiveScanning || s.st == statePassiveScanning
}

// StartScan begins scanning per opts. It returns false if a start/stop is
// already in progress or a scan is already running.
func (s *Scanner) StartScan(opts Options, statusCb StatusCallback) bool {
	s.mu.Lock()
	if s.st != stateIdle {
		s.mu.Unlock()
		return false
	}
	s.st = stateInitiating
	s.opts = opts
	s.statusCb = statusCb
	s.mu.Unlock()

	corrID := corrid.New()
	s.log.WithFields(logrus.Fields{"corr_id": corrID, "active": opts.Active}).Debug("scan start requested")

	s.localDel.EnsureLocalAddress(func(local hcidef.Address) {
		s.mu.Lock()
		if s.st != stateInitiating {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		scanType := byte(0x00)
		if opts.Active {
			scanType = 0x01
		}
		paramsParams := make([]byte, 7)
		paramsParams[0] = scanType
		binary.LittleEndian.PutUint16(paramsParams[1:3], opts.Interval)
		binary.LittleEndian.PutUint16(paramsParams[3:5], opts.Window)
		paramsParams[5] = local.AddressType()
		paramsParams[6] = opts.FilterPolicy
		s.runner.QueueCommand(hcidef.OpLESetScanParameters, paramsParams, nil, true, hcidef.EventCommandComplete, nil)

		enableParams := []byte{0x01, boolByte(opts.FilterDuplicates)}
		s.runner.QueueCommand(hcidef.OpLESetScanEnable, enableParams, nil, false, hcidef.EventCommandComplete, nil)

		s.runner.RunCommands(func(err error) {
			s.mu.Lock()
			if err != nil {
				s.st = stateIdle
				s.mu.Unlock()
				if statusCb != nil {
					statusCb(err)
				}
				return
			}
			if opts.Active {
				s.st = stateActiveScanning
			} else {
				s.st = statePassiveScanning
			}
			if opts.Period != Infinite {
				s.periodTmr = time.AfterFunc(opts.Period, s.onPeriodEnd)
			}
			s.mu.Unlock()
			if statusCb != nil {
				statusCb(nil)
			}
		})
	})
	return true
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// StopScan transitions to stopping and disables scanning. Pending coalesced
// entries are dropped, not flushed, because this is a user-initiated stop
// (spec.md §4.6 "Stop").
func (s *Scanner) StopScan() bool {
	return s.stop(false)
}

func (s *Scanner) onPeriodEnd() {
	s.stop(true)
}

func (s *Scanner) stop(natural bool) bool {
	s.mu.Lock()
	if s.st != stateActiveScanning && s.st != statePassiveScanning {
		s.mu.Unlock()
		return false
	}
	if s.periodTmr != nil {
		s.periodTmr.Stop()
		s.periodTmr = nil
	}
	s.st = stateStopping
	statusCb := s.statusCb
	s.mu.Unlock()

	s.runner.QueueCommand(hcidef.OpLESetScanEnable, []byte{0x00, 0x00}, nil, true, hcidef.EventCommandComplete, nil)
	s.runner.RunCommands(func(err error) {
		s.mu.Lock()
		s.st = stateIdle
		pending := s.pending
		s.pending = make(map[hcidef.Address]*pendingResult)
		s.mu.Unlock()

		for _, p := range pending {
			if p.timer != nil {
				p.timer.Stop()
			}
		}
		if natural {
			// Natural period end flushes whatever was accumulated
			// (spec.md §4.6 "Stop").
			for _, p := range pending {
				s.emitPeerFound(p.result)
			}
		}
		if statusCb != nil {
			statusCb(err)
		}
	})
	return true
}

func (s *Scanner) handleDirectedReport(params []byte) command.Verdict {
	reports, ok := parseReports(params)
	if !ok {
		s.log.Warn("malformed directed LE advertising report")
		return command.Continue
	}
	for _, r := range reports {
		result := s.classify(r)
		if s.onDirected != nil {
			s.onDirected(result)
		}
	}
	return command.Continue
}

func (s *Scanner) handleReport(params []byte) command.Verdict {
	reports, ok := parseReports(params)
	if !ok {
		s.log.Warn("malformed LE advertising report")
		return command.Continue
	}
	s.mu.Lock()
	scanResponseTimeout := s.opts.ScanResponseTimeout
	active := s.st == stateActiveScanning
	s.mu.Unlock()

	for _, r := range reports {
		result := s.classify(r)
		// ADV_IND (connectable-undirected) and ADV_SCAN_IND (scannable-
		// undirected) both may be followed by a SCAN_RSP.
		scannable := r.eventType == evtConnectableUndirected || r.eventType == evtScannableUndirected
		switch {
		case r.eventType == evtConnectableDirected:
			if s.onDirected != nil {
				s.onDirected(result)
			}
		case r.eventType == evtScanResponse:
			s.handleScanResponse(result)
		case active && scannable:
			s.storePending(result, scanResponseTimeout)
		default:
			// Passive scan, or a non-connectable/non-scannable advertisement
			// during active scan: spec.md §4.6 only coalesces scannable
			// advertisements with scan responses during active scanning.
			s.emitPeerFound(result)
		}
	}
	return command.Continue
}

func (s *Scanner) storePending(result Result, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[result.Address]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	entry := &pendingResult{result: result}
	if timeout > 0 {
		addr := result.Address
		entry.timer = time.AfterFunc(timeout, func() { s.flushPending(addr) })
	}
	s.pending[result.Address] = entry
}

func (s *Scanner) flushPending(addr hcidef.Address) {
	s.mu.Lock()
	entry, ok := s.pending[addr]
	if ok {
		delete(s.pending, addr)
	}
	s.mu.Unlock()
	if ok {
		s.emitPeerFound(entry.result)
	}
}

func (s *Scanner) handleScanResponse(resp Result) {
	s.mu.Lock()
	entry, ok := s.pending[resp.Address]
	if ok {
		delete(s.pending, resp.Address)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	combined := entry.result
	combined.Data = append(append([]byte{}, combined.Data...), resp.Data...)
	combined.RSSI = resp.RSSI
	combined.Resolved = resp.Resolved
	s.emitPeerFound(combined)
}

func (s *Scanner) classify(r rawReport) Result {
	resolved := r.addrType == addrTypePublicIdentity || r.addrType == addrTypeRandomIdentity
	s.resolvedCache.Add(r.addr, resolved)
	return Result{
		Address:   r.addr,
		Resolved:  resolved,
		RSSI:      r.rssi,
		EventType: r.eventType,
		Data:      r.data,
	}
}

type rawReport struct {
	eventType uint8
	addrType  uint8
	addr      hcidef.Address
	data      []byte
	rssi      int8
}

// parseReports parses num_reports(1) || {event_type(1), addr_type(1),
// addr(6), length(1), data(length), rssi(1)}*num_reports, in emission
// order (spec.md §5 "within one LE Advertising Report event, reports are
// emitted in parse order").
func parseReports(params []byte) ([]rawReport, bool) {
	if len(params) < 1 {
		return nil, false
	}
	n := int(params[0])
	out := make([]rawReport, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if off+9 > len(params) {
			return nil, false
		}
		var r rawReport
		r.eventType = params[off]
		r.addrType = params[off+1]
		copy(r.addr.Bytes[:], params[off+2:off+8])
		r.addr.Random = r.addrType == addrTypeRandom || r.addrType == addrTypeRandomIdentity
		length := int(params[off+8])
		off += 9
		if off+length+1 > len(params) {
			return nil, false
		}
		r.data = append([]byte{}, params[off:off+length]...)
		off += length
		r.rssi = int8(params[off])
		off++
		out = append(out, r)
	}
	return out, true
}
