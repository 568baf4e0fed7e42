// Package hcidef holds the slice of the Bluetooth Core Specification's HCI
// opcode/event-code/status table this core actually dispatches on. spec.md
// §1 treats the full table as an external, versioned lookup an implementer
// transcribes; we transcribe only the entries §4 names, following the same
// OGF/OCF split linux/internal/cmd/cmd.go uses for its Opcode type.
package hcidef

import "fmt"

// Opcode is a 16-bit HCI command identifier, OGF (bits 15:10) | OCF
// (bits 9:0). NoOp is reserved and must never be sent (spec.md §6).
type Opcode uint16

const NoOp Opcode = 0x0000

// Opcode group fields, mirroring linux/internal/cmd/cmd.go's private consts.
const (
	ogfLinkCtl     = 0x01
	ogfHostCtl     = 0x03
	ogfInfoParam   = 0x04
	ogfStatusParam = 0x05
	ogfLECtl       = 0x08
)

func mkOpcode(ogf, ocf uint16) Opcode { return Opcode(ogf<<10 | ocf) }

func (op Opcode) OGF() uint16 { return uint16(op) >> 10 }
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03ff }

// Command opcodes used by Command Channel, Connector, Advertiser, Scanner,
// and the Connection/Encryption state machine.
var (
	OpDisconnect              = mkOpcode(ogfLinkCtl, 0x0006)
	OpCreateConnection        = mkOpcode(ogfLinkCtl, 0x0005)
	OpCreateConnectionCancel  = mkOpcode(ogfLinkCtl, 0x0008)
	OpSetConnectionEncryption = mkOpcode(ogfLinkCtl, 0x0013)
	OpReadEncryptionKeySize   = mkOpcode(ogfStatusParam, 0x0008)

	OpReset = mkOpcode(ogfHostCtl, 0x0003)

	OpReadBDADDR = mkOpcode(ogfInfoParam, 0x0009)

	OpLESetEventMask                 = mkOpcode(ogfLECtl, 0x0001)
	OpLEReadBufferSize               = mkOpcode(ogfLECtl, 0x0002)
	OpLESetRandomAddress             = mkOpcode(ogfLECtl, 0x0005)
	OpLESetAdvertisingParameters     = mkOpcode(ogfLECtl, 0x0006)
	OpLEReadAdvertisingChannelTxPwr  = mkOpcode(ogfLECtl, 0x0007)
	OpLESetAdvertisingData           = mkOpcode(ogfLECtl, 0x0008)
	OpLESetScanResponseData          = mkOpcode(ogfLECtl, 0x0009)
	OpLESetAdvertiseEnable           = mkOpcode(ogfLECtl, 0x000a)
	OpLESetScanParameters            = mkOpcode(ogfLECtl, 0x000b)
	OpLESetScanEnable                = mkOpcode(ogfLECtl, 0x000c)
	OpLECreateConnection             = mkOpcode(ogfLECtl, 0x000d)
	OpLECreateConnectionCancel       = mkOpcode(ogfLECtl, 0x000e)
	OpLEStartEncryption              = mkOpcode(ogfLECtl, 0x0019)
	OpLELTKRequestReply              = mkOpcode(ogfLECtl, 0x001a)
	OpLELTKRequestNegativeReply      = mkOpcode(ogfLECtl, 0x001b)
	OpLERemoveAdvertisingSet         = mkOpcode(ogfLECtl, 0x003c)
	OpLEClearAdvertisingSets         = mkOpcode(ogfLECtl, 0x003d)
	OpLESetExtendedAdvertisingParams = mkOpcode(ogfLECtl, 0x0036)
	OpLESetExtendedAdvertisingData   = mkOpcode(ogfLECtl, 0x0037)
	OpLESetExtendedScanResponseData  = mkOpcode(ogfLECtl, 0x0038)
	OpLESetExtendedAdvertisingEnable = mkOpcode(ogfLECtl, 0x0039)
	OpLESetExtendedScanParameters    = mkOpcode(ogfLECtl, 0x0041)
	OpLESetExtendedScanEnable        = mkOpcode(ogfLECtl, 0x0042)
	OpLEExtendedCreateConnection     = mkOpcode(ogfLECtl, 0x0043)

	// Vendor-multi-advertising is a pre-5.0 vendor extension (spec.md §4.5);
	// its opcode lives in the vendor OGF range and is fixed here at OGF 0x3f,
	// OCF 0x154; it is not taken from the DeviceWrapper's vendor encoder.
	OpVendorMultiAdvertise = mkOpcode(0x3f, 0x0154)
)

func (op Opcode) String() string {
	if op == NoOp {
		return "NoOp"
	}
	return fmt.Sprintf("Opcode(ogf=0x%02x,ocf=0x%03x)", op.OGF(), op.OCF())
}
