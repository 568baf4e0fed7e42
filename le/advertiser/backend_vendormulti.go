package advertiser

import (
	"encoding/binary"

	"github.com/btstack/hci/hcidef"
)

// vendorMultiBackend drives the pre-5.0 vendor multi-advertising extension
// (spec.md §4.5): a single vendor opcode with a sub-operation byte in place
// of the several standard opcodes extendedBackend uses. The sub-operation
// values below follow the common "set_parameters / set_data / set_scan_rsp
// / set_enable" shape most vendor-multi-advertising implementations expose.
type vendorMultiBackend struct {
	capacity int
	maxLen   int
}

func newVendorMultiBackend(capacity, maxLen int) *vendorMultiBackend {
	return &vendorMultiBackend{capacity: capacity, maxLen: maxLen}
}

const (
	vendorSubSetParameters  = 0x00
	vendorSubSetData        = 0x01
	vendorSubSetScanRsp     = 0x02
	vendorSubSetEnable      = 0x03
	vendorSubRemove         = 0x04
	vendorSubSetTerminated  = 0x05 // reported on EventVendorDebug when a connectable set is torn down by a new connection
)

func (b *vendorMultiBackend) Capacity() int          { return b.capacity }
func (b *vendorMultiBackend) MaxDataLength() int     { return b.maxLen }
func (b *vendorMultiBackend) NeedsTxPowerRead() bool { return true }

func (b *vendorMultiBackend) TxPowerReadCommand() builtCommand {
	return builtCommand{opcode: hcidef.OpLEReadAdvertisingChannelTxPwr}
}

func (b *vendorMultiBackend) SetParameters(handle uint8, addr hcidef.Address, opts Options, at advType) builtCommand {
	params := make([]byte, 16)
	params[0] = vendorSubSetParameters
	params[1] = handle
	binary.LittleEndian.PutUint16(params[2:4], opts.IntervalMin)
	binary.LittleEndian.PutUint16(params[4:6], opts.IntervalMax)
	params[6] = byte(at)
	params[7] = addr.AddressType()
	copy(params[8:14], addr.Bytes[:])
	params[14] = 0x07 // channel map
	params[15] = 0x00 // filter policy
	return builtCommand{opcode: hcidef.OpVendorMultiAdvertise, params: params}
}

func (b *vendorMultiBackend) SetAdvertisingData(handle uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpVendorMultiAdvertise, params: vendorFixed(vendorSubSetData, handle, data)}
}

func (b *vendorMultiBackend) SetScanResponseData(handle uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpVendorMultiAdvertise, params: vendorFixed(vendorSubSetScanRsp, handle, data)}
}

func vendorFixed(sub, handle uint8, data []byte) []byte {
	out := make([]byte, 3+31)
	out[0] = sub
	out[1] = handle
	n := copy(out[3:], data)
	out[2] = byte(n)
	return out[:3+31]
}

func (b *vendorMultiBackend) Enable(handle uint8, enable bool) builtCommand {
	v := byte(0)
	if enable {
		v = 1
	}
	return builtCommand{opcode: hcidef.OpVendorMultiAdvertise, params: []byte{vendorSubSetEnable, handle, v}}
}

func (b *vendorMultiBackend) Remove(handle uint8) (builtCommand, bool) {
	return builtCommand{opcode: hcidef.OpVendorMultiAdvertise, params: []byte{vendorSubRemove, handle}}, true
}
