package advertiser

import "github.com/btstack/hci/hcidef"

// advType encodes spec.md §4.5's "derived advertising type: non-connectable
// / scannable / connectable based on whether scan_response and
// connect_callback are present".
type advType uint8

const (
	advTypeConnectableUndirected advType = 0x00
	advTypeScannableUndirected   advType = 0x02
	advTypeNonConnectable        advType = 0x03
)

func deriveAdvType(hasScanResponse, hasConnectCallback bool) advType {
	switch {
	case hasConnectCallback:
		return advTypeConnectableUndirected
	case hasScanResponse:
		return advTypeScannableUndirected
	default:
		return advTypeNonConnectable
	}
}

// builtCommand is one HCI command a backend wants issued as part of a
// start/stop sequence.
type builtCommand struct {
	opcode hcidef.Opcode
	params []byte
}

// backend builds the HCI command sequences for one advertising HCI flavor
// (legacy single-set, 5.0 extended multi-set, or the pre-5.0 vendor-multi
// extension). Advertiser contains the flavor-independent start/stop/
// inbound-connection workflow from spec.md §4.5; each backend only knows
// how to shape commands for its own flavor.
type backend interface {
	// Capacity is the maximum number of concurrently advertised addresses
	// this back-end supports (1 for legacy).
	Capacity() int
	// MaxDataLength is the maximum advertising/scan-response payload length
	// this back-end accepts.
	MaxDataLength() int
	// NeedsTxPowerRead reports whether this back-end must read the current
	// TX power level before building advertising data that includes it.
	NeedsTxPowerRead() bool
	TxPowerReadCommand() builtCommand

	SetParameters(handle uint8, addr hcidef.Address, opts Options, at advType) builtCommand
	SetAdvertisingData(handle uint8, data []byte) builtCommand
	SetScanResponseData(handle uint8, data []byte) builtCommand
	Enable(handle uint8, enable bool) builtCommand
	// Remove tears down a set's controller-side allocation. ok is false if
	// this back-end has nothing to do here (legacy: disable is enough).
	Remove(handle uint8) (builtCommand, bool)
}
