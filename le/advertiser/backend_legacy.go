package advertiser

import (
	"encoding/binary"

	"github.com/btstack/hci/hcidef"
)

// legacyBackend drives the original single-set LE advertising commands,
// the flavor linux/advertiser.go's advertiser type implements directly. The
// advertising interval comes from Options as given (no default is filled
// in); the channel map is fixed at 0x07.
type legacyBackend struct{}

func newLegacyBackend() *legacyBackend { return &legacyBackend{} }

func (b *legacyBackend) Capacity() int         { return 1 }
func (b *legacyBackend) MaxDataLength() int    { return 31 }
func (b *legacyBackend) NeedsTxPowerRead() bool { return true }

func (b *legacyBackend) TxPowerReadCommand() builtCommand {
	return builtCommand{opcode: hcidef.OpLEReadAdvertisingChannelTxPwr}
}

func (b *legacyBackend) SetParameters(_ uint8, addr hcidef.Address, opts Options, at advType) builtCommand {
	params := make([]byte, 15)
	binary.LittleEndian.PutUint16(params[0:2], opts.IntervalMin)
	binary.LittleEndian.PutUint16(params[2:4], opts.IntervalMax)
	params[4] = byte(at)
	params[5] = addr.AddressType()
	params[6] = 0x00 // direct address type, unused for undirected
	params[13] = 0x07
	params[14] = 0x00 // advertising filter policy
	return builtCommand{opcode: hcidef.OpLESetAdvertisingParameters, params: params}
}

func (b *legacyBackend) SetAdvertisingData(_ uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpLESetAdvertisingData, params: fixed31(data)}
}

func (b *legacyBackend) SetScanResponseData(_ uint8, data []byte) builtCommand {
	return builtCommand{opcode: hcidef.OpLESetScanResponseData, params: fixed31(data)}
}

func (b *legacyBackend) Enable(_ uint8, enable bool) builtCommand {
	v := byte(0)
	if enable {
		v = 1
	}
	return builtCommand{opcode: hcidef.OpLESetAdvertiseEnable, params: []byte{v}}
}

func (b *legacyBackend) Remove(_ uint8) (builtCommand, bool) { return builtCommand{}, false }

// fixed31 renders data as the length-prefixed 31-byte fixed field the legacy
// commands require (linux/advertiser.go's AdvertiseService does the same
// copy-into-[31]byte-array dance).
func fixed31(data []byte) []byte {
	out := make([]byte, 32)
	n := copy(out[1:], data)
	out[0] = byte(n)
	return out
}
