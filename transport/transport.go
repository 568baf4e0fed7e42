// Package transport implements the Transport supervisor (spec.md §4.8): it
// opens both HCI endpoints from a DeviceWrapper, runs one reader goroutine
// per endpoint that frames inbound bytes and dispatches them to Command
// Channel and ACL Data Channel, and tears both channels down in order on
// peer closure. The two readers are independent: event and ACL callbacks
// are not serialized on one worker and can run concurrently.
//
// Grounded on linux/device.go's raw-socket io.ReadWriteCloser (the
// DeviceWrapper's concrete shape below) and linux/hci.go's mainLoop/
// handlePacket (single reader goroutine, type-switch on the frame, dispatch
// to the command or event subsystem), generalized from the teacher's single
// combined H4-style stream to spec.md's two dedicated endpoints.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/acldata"
	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/packet"
)

// VendorCommandEncoder is the optional vendor-command collaborator
// (spec.md §6): get_features / encode_command.
type VendorCommandEncoder interface {
	GetFeatures() uint32
	EncodeCommand(opcode hcidef.Opcode, params []byte) ([]byte, error)
}

// DeviceWrapper is the platform driver abstraction this package consumes
// (spec.md §3/§6): two independently openable framed bytestreams.
type DeviceWrapper interface {
	OpenCommandEndpoint() (io.ReadWriteCloser, error)
	OpenACLDataEndpoint() (io.ReadWriteCloser, error)
	// VendorCommandEncoder returns nil, false if the device offers no
	// vendor command encoding.
	VendorCommandEncoder() (VendorCommandEncoder, bool)
}

// ClosedCallback is invoked once, after both channels have been torn down,
// whenever an endpoint closes (error or orderly) or Shutdown is called.
type ClosedCallback func(err error)

// Transport owns both endpoints' lifetimes and the two reader goroutines
// (one per endpoint) reading them.
type Transport struct {
	log *logrus.Entry

	cmdConn io.ReadWriteCloser
	aclConn io.ReadWriteCloser

	CommandChannel *command.Channel
	ACLChannel     *acldata.Channel

	vendorEncoder VendorCommandEncoder
	haveVendor    bool

	closedCb ClosedCallback

	closeOnce sync.Once
	done      chan struct{}
}

// commandEndpoint adapts an io.ReadWriteCloser into command.Channel's
// Endpoint (a framed Writer plus a whole-event Reader).
type commandEndpoint struct {
	mu sync.Mutex
	rw io.ReadWriteCloser
}

func (e *commandEndpoint) Write(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rw.Write(b)
}

func (e *commandEndpoint) ReadEvent() ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(e.rw, hdr); err != nil {
		return nil, wrapClosed(err)
	}
	plen := int(hdr[1])
	frame := make([]byte, 2+plen)
	copy(frame, hdr)
	if plen > 0 {
		if _, err := io.ReadFull(e.rw, frame[2:]); err != nil {
			return nil, wrapClosed(err)
		}
	}
	return frame, nil
}

// aclEndpoint adapts an io.ReadWriteCloser into acldata.Channel's Endpoint.
type aclEndpoint struct {
	mu sync.Mutex
	rw io.ReadWriteCloser
}

func (e *aclEndpoint) Write(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rw.Write(b)
}

func (e *aclEndpoint) ReadACL() ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(e.rw, hdr); err != nil {
		return nil, wrapClosed(err)
	}
	dlen := int(binary.LittleEndian.Uint16(hdr[2:4]))
	frame := make([]byte, 4+dlen)
	copy(frame, hdr)
	if dlen > 0 {
		if _, err := io.ReadFull(e.rw, frame[4:]); err != nil {
			return nil, wrapClosed(err)
		}
	}
	return frame, nil
}

func wrapClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", hcidef.ErrEndpointClosed, err)
	}
	return err
}

// Open opens both endpoints from dev, constructs the Command and ACL Data
// Channels over them, and starts one reader goroutine per endpoint.
func Open(dev DeviceWrapper, log *logrus.Entry, initialCredits int) (*Transport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cmdConn, err := dev.OpenCommandEndpoint()
	if err != nil {
		return nil, fmt.Errorf("transport: open command endpoint: %w", err)
	}
	aclConn, err := dev.OpenACLDataEndpoint()
	if err != nil {
		cmdConn.Close()
		return nil, fmt.Errorf("transport: open acl endpoint: %w", err)
	}

	cep := &commandEndpoint{rw: cmdConn}
	aep := &aclEndpoint{rw: aclConn}

	t := &Transport{
		log:     log.WithField("component", "transport"),
		cmdConn: cmdConn, aclConn: aclConn,
		done: make(chan struct{}),
	}
	t.CommandChannel = command.New(cep, log, initialCredits)
	t.ACLChannel = acldata.New(aep, log)
	t.CommandChannel.SetChannelTimeoutCallback(func(err error) { t.onEndpointError(err) })

	if enc, ok := dev.VendorCommandEncoder(); ok {
		t.vendorEncoder = enc
		t.haveVendor = true
	}

	go t.readCommandEndpoint(cep)
	go t.readACLEndpoint(aep)
	return t, nil
}

// SetClosedCallback registers the supervisor-closed-callback (spec.md
// §4.8). It fires at most once.
func (t *Transport) SetClosedCallback(cb ClosedCallback) { t.closedCb = cb }

// VendorCommandEncoder returns the device's vendor command encoder, if any.
func (t *Transport) VendorCommandEncoder() (VendorCommandEncoder, bool) {
	return t.vendorEncoder, t.haveVendor
}

// Done returns a channel closed once the transport has shut down, whether
// via Shutdown or an endpoint error.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) readCommandEndpoint(cep *commandEndpoint) {
	for {
		frame, err := cep.ReadEvent()
		if err != nil {
			t.onEndpointError(err)
			return
		}
		ev, err := packet.ParseEvent(frame)
		if err != nil {
			t.log.WithError(err).Warn("malformed event frame, dropped")
			continue
		}
		t.dispatchEvent(ev)
	}
}

func (t *Transport) dispatchEvent(ev packet.Event) {
	code := hcidef.EventCode(ev.Code)
	switch code {
	case hcidef.EventCommandComplete:
		if err := t.CommandChannel.HandleCommandComplete(ev.Params); err != nil {
			t.log.WithError(err).Warn("malformed command complete, dropped")
		}
	case hcidef.EventCommandStatus:
		if err := t.CommandChannel.HandleCommandStatus(ev.Params); err != nil {
			t.log.WithError(err).Warn("malformed command status, dropped")
		}
	case hcidef.EventNumberOfCompletedPackets:
		if err := t.ACLChannel.HandleNumberOfCompletedPackets(ev.Params); err != nil {
			t.log.WithError(err).Warn("malformed number-of-completed-packets, dropped")
		}
	case hcidef.EventDataBufferOverflow:
		t.log.Error("data buffer overflow reported by controller, treating as fatal")
		t.onEndpointError(fmt.Errorf("transport: %w", hcidef.ErrEndpointClosed))
	default:
		t.CommandChannel.Dispatch(code, ev.Params)
	}
}

func (t *Transport) readACLEndpoint(aep *aclEndpoint) {
	for {
		frame, err := aep.ReadACL()
		if err != nil {
			t.onEndpointError(err)
			return
		}
		a, err := packet.ParseACL(frame)
		if err != nil {
			t.log.WithError(err).Warn("malformed acl frame, dropped")
			continue
		}
		t.ACLChannel.DeliverRx(hcidef.ConnectionHandle(a.Handle), a.Payload)
	}
}

func (t *Transport) onEndpointError(err error) {
	t.closeOnce.Do(func() {
		close(t.done)
		t.shutdownLocked()
		if t.closedCb != nil {
			t.closedCb(err)
		}
	})
}

// Shutdown tears both channels down in order — ACL before commands — and
// closes both endpoints, which ends the reader goroutines (spec.md §4.8).
// It is idempotent.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.shutdownLocked()
		if t.closedCb != nil {
			t.closedCb(nil)
		}
	})
}

// shutdownLocked tears the two channels down in order — ACL before
// commands (spec.md §4.8). ACL Data Channel owns no pending-transaction
// state to fail out, so "tear down" for it means closing its endpoint;
// Command Channel additionally fails every queued/pending transaction with
// hcidef.ErrEndpointClosed.
func (t *Transport) shutdownLocked() {
	t.aclConn.Close()
	t.CommandChannel.Close()
	t.cmdConn.Close()
}
