package advertiser

import (
	"encoding/binary"

	"github.com/btstack/hci/hcidef"
)

// extendedBackend drives the Bluetooth 5.0 extended-advertising commands,
// which carry an explicit advertising_handle so several sets can run
// concurrently (spec.md §4.5 "Extended-variant specifics").
type extendedBackend struct {
	capacity int
	maxLen   int
}

func newExtendedBackend(capacity, maxLen int) *extendedBackend {
	return &extendedBackend{capacity: capacity, maxLen: maxLen}
}

func (b *extendedBackend) Capacity() int          { return b.capacity }
func (b *extendedBackend) MaxDataLength() int     { return b.maxLen }
func (b *extendedBackend) NeedsTxPowerRead() bool { return false } // extended enable returns selected TX power

func (b *extendedBackend) TxPowerReadCommand() builtCommand { return builtCommand{} }

func (b *extendedBackend) SetParameters(handle uint8, addr hcidef.Address, opts Options, at advType) builtCommand {
	params := make([]byte, 25)
	params[0] = handle
	props := extendedAdvProps(at, opts.Anonymous)
	binary.LittleEndian.PutUint16(params[1:3], props)
	put24(params[3:6], opts.IntervalMin)
	put24(params[6:9], opts.IntervalMax)
	params[9] = 0x07 // primary channel map
	params[10] = addr.AddressType()
	params[20] = 0x00 // advertising filter policy
	txPower := int8(0x7f)
	if opts.IncludeTxPowerLevel {
		txPower = 0 // host does not request a specific level
	}
	params[21] = byte(txPower)
	params[22] = 0x01 // primary advertising PHY: LE 1M
	params[24] = 0x01 // secondary advertising PHY: LE 1M
	return builtCommand{opcode: hcidef.OpLESetExtendedAdvertisingParams, params: params}
}

func extendedAdvProps(at advType, anonymous bool) uint16 {
	var props uint16
	switch at {
	case advTypeConnectableUndirected:
		props |= 0x0001
	case advTypeScannableUndirected:
		props |= 0x0002
	}
	if anonymous {
		props |= 0x0020
	}
	return props
}

func put24(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = 0
}

func (b *extendedBackend) SetAdvertisingData(handle uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpLESetExtendedAdvertisingData, params: extendedFragment(handle, data)}
}

func (b *extendedBackend) SetScanResponseData(handle uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpLESetExtendedScanResponseData, params: extendedFragment(handle, data)}
}

// extendedFragment builds a single-fragment "complete data" payload:
// handle || operation(0x03 complete) || fragment_preference(0x01) ||
// data_length || data. Multi-fragment chaining for payloads over 251 bytes
// is outside spec.md's scope (advertising-data serialization is an opaque
// blob with a known max length, per spec.md §1).
func extendedFragment(handle uint8, data []byte) []byte {
	out := make([]byte, 4+len(data))
	out[0] = handle
	out[1] = 0x03
	out[2] = 0x01
	out[3] = byte(len(data))
	copy(out[4:], data)
	return out
}

func (b *extendedBackend) Enable(handle uint8, enable bool) builtCommand {
	v := byte(0)
	if enable {
		v = 1
	}
	// num_sets=1, {handle, duration=0, max_events=0}
	params := []byte{v, 0x01, handle, 0x00, 0x00, 0x00}
	return builtCommand{opcode: hcidef.OpLESetExtendedAdvertisingEnable, params: params}
}

func (b *extendedBackend) Remove(handle uint8) (builtCommand, bool) {
	return builtCommand{opcode: hcidef.OpLERemoveAdvertisingSet, params: []byte{handle}}, true
}
