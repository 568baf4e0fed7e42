package transport

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btstack/hci/acldata"
	"github.com/btstack/hci/hcidef"
)

type pipeDevice struct {
	cmdHost io.ReadWriteCloser
	aclHost io.ReadWriteCloser
}

func newPipeDevice() (*pipeDevice, net.Conn, net.Conn) {
	cmdHost, cmdDev := net.Pipe()
	aclHost, aclDev := net.Pipe()
	return &pipeDevice{cmdHost: cmdDev, aclHost: aclDev}, cmdHost, aclHost
}

func (d *pipeDevice) OpenCommandEndpoint() (io.ReadWriteCloser, error) { return d.cmdHost, nil }
func (d *pipeDevice) OpenACLDataEndpoint() (io.ReadWriteCloser, error) { return d.aclHost, nil }
func (d *pipeDevice) VendorCommandEncoder() (VendorCommandEncoder, bool) { return nil, false }

func writeEventFrame(w io.Writer, code hcidef.EventCode, params []byte) {
	frame := append([]byte{byte(code), byte(len(params))}, params...)
	w.Write(frame)
}

func writeACLFrame(w io.Writer, handle uint16, payload []byte) {
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:2], handle&0x0fff)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	w.Write(append(hdr, payload...))
}

func readFrame(t *testing.T, r io.Reader, headerLen int, lengthOffset int) []byte {
	t.Helper()
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	plen := int(hdr[lengthOffset])
	if headerLen == 4 {
		plen = int(binary.LittleEndian.Uint16(hdr[2:4]))
	}
	body := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return append(hdr, body...)
}

func TestOpenDispatchesCommandCompleteEvent(t *testing.T) {
	dev, cmdHost, _ := newPipeDevice()
	tr, err := Open(dev, nil, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Shutdown()

	done := make(chan struct{})
	// net.Pipe is unbuffered: the command write blocks until readFrame below
	// consumes it, so submit from another goroutine.
	go tr.CommandChannel.SendCommand(hcidef.OpReset, nil, func([]byte, error) { close(done) }, hcidef.EventCommandComplete)

	readFrame(t, cmdHost, 3, 2) // drain the outbound Reset command
	writeEventFrame(cmdHost, hcidef.EventCommandComplete, []byte{1, byte(hcidef.OpReset), byte(hcidef.OpReset >> 8)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("command complete never dispatched to the pending transaction")
	}
}

func TestOpenRoutesACLDataToRxHandler(t *testing.T) {
	dev, _, aclHost := newPipeDevice()
	tr, err := Open(dev, nil, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Shutdown()

	tr.ACLChannel.Initialize(acldata.BufferInfo{MaxPayloadLength: 27, MaxNumPackets: 4}, acldata.BufferInfo{})
	tr.ACLChannel.RegisterLink(0x0040, hcidef.LinkTypeACL)

	got := make(chan []byte, 1)
	tr.ACLChannel.SetDataRxHandler(func(_ hcidef.ConnectionHandle, payload []byte) { got <- payload })

	writeACLFrame(aclHost, 0x0040, []byte("hello"))

	select {
	case payload := <-got:
		if string(payload) != "hello" {
			t.Fatalf("payload = %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("ACL payload never delivered to rx handler")
	}
}

func TestShutdownIsIdempotentAndClosesDone(t *testing.T) {
	dev, _, _ := newPipeDevice()
	tr, err := Open(dev, nil, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.Shutdown()
	tr.Shutdown()

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done() channel should be closed after Shutdown")
	}
}

func TestEndpointErrorTriggersClosedCallback(t *testing.T) {
	dev, cmdHost, _ := newPipeDevice()
	tr, err := Open(dev, nil, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	closed := make(chan error, 1)
	tr.SetClosedCallback(func(err error) { closed <- err })

	cmdHost.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("closed callback never fired after peer closed the command endpoint")
	case <-tr.Done():
	}
}
