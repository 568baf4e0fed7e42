package advertiser

import (
	"testing"

	"github.com/btstack/hci/acldata"
	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/le/conn"
)

type fakeEndpoint struct {
	writes []hcidef.Opcode
}

func (f *fakeEndpoint) Write(b []byte) (int, error) {
	op := hcidef.Opcode(uint16(b[0]) | uint16(b[1])<<8)
	f.writes = append(f.writes, op)
	return len(b), nil
}

func (f *fakeEndpoint) ReadEvent() ([]byte, error) { select {} }

type fakeACLEndpoint struct{}

func (fakeACLEndpoint) Write(b []byte) (int, error) { return len(b), nil }
func (fakeACLEndpoint) ReadACL() ([]byte, error)     { select {} }

type fakeAdvData struct {
	size    int
	txPower int8
}

func (f *fakeAdvData) CalculateBlockSize(bool) int { return f.size }
func (f *fakeAdvData) WriteBlock(buf []byte, flags *uint8) {
	for i := range buf {
		buf[i] = 0xaa
	}
}
func (f *fakeAdvData) SetTxPower(p int8) { f.txPower = p }
func (f *fakeAdvData) Copy() AdvDataCodec {
	cp := *f
	return &cp
}

func newTestAdvertiser(flavor Flavor, capacity int) (*Advertiser, *command.Channel, *fakeEndpoint) {
	ep := &fakeEndpoint{}
	ch := command.New(ep, nil, 10)
	acl := acldata.New(fakeACLEndpoint{}, nil)
	mgr := conn.NewManager(ch, acl, nil)
	a := New(flavor, ch, mgr, capacity, 31, nil)
	return a, ch, ep
}

func complete(ch *command.Channel, op hcidef.Opcode) {
	ch.HandleCommandComplete([]byte{1, byte(op), byte(op >> 8)})
}

func TestStartAdvertisingHappyPath(t *testing.T) {
	a, ch, ep := newTestAdvertiser(FlavorLegacy, 1)
	addr := hcidef.Address{}

	var resAddr hcidef.Address
	var resErr error
	called := false
	a.StartAdvertising(addr, &fakeAdvData{size: 10}, nil, Options{}, nil, func(ad hcidef.Address, err error) {
		called = true
		resAddr = ad
		resErr = err
	})

	// Options{} omits tx-power readback, so the batch is SetParameters,
	// SetAdvertisingData, and Enable, dispatched together in one batch.
	wantOps := map[hcidef.Opcode]bool{
		hcidef.OpLESetAdvertisingParameters: true,
		hcidef.OpLESetAdvertisingData:       true,
		hcidef.OpLESetAdvertiseEnable:       true,
	}
	if len(ep.writes) != len(wantOps) {
		t.Fatalf("writes = %v, want one entry per %v", ep.writes, wantOps)
	}
	for _, op := range ep.writes {
		if !wantOps[op] {
			t.Fatalf("unexpected opcode %v written", op)
		}
	}
	for _, op := range append([]hcidef.Opcode{}, ep.writes...) {
		complete(ch, op)
	}

	if !called || resErr != nil || resAddr != addr {
		t.Fatalf("called=%v err=%v addr=%v", called, resErr, resAddr)
	}
	if !a.IsAdvertisingAddr(addr) {
		t.Fatal("address should be marked active after successful start")
	}
}

func TestStartAdvertisingDataTooLongRejectedSynchronously(t *testing.T) {
	a, _, ep := newTestAdvertiser(FlavorLegacy, 1)
	addr := hcidef.Address{}

	var resErr error
	a.StartAdvertising(addr, &fakeAdvData{size: 999}, nil, Options{}, nil, func(_ hcidef.Address, err error) { resErr = err })
	if resErr != hcidef.ErrAdvertisingDataTooLong {
		t.Fatalf("err = %v, want ErrAdvertisingDataTooLong", resErr)
	}
	if len(ep.writes) != 0 {
		t.Fatalf("writes = %v, want none", ep.writes)
	}
}

func TestStopAdvertisingNotActiveReportsError(t *testing.T) {
	a, _, _ := newTestAdvertiser(FlavorLegacy, 1)
	var resErr error
	a.StopAdvertising(hcidef.Address{}, func(_ hcidef.Address, err error) { resErr = err })
	if resErr != hcidef.ErrNotAdvertising {
		t.Fatalf("err = %v, want ErrNotAdvertising", resErr)
	}
}

func TestQueuedStartWhileOperationInFlight(t *testing.T) {
	// Two sets are needed for both addresses to end up active; legacy has one.
	a, ch, ep := newTestAdvertiser(FlavorExtended, 2)
	addr1 := hcidef.Address{Bytes: [6]byte{1}}
	addr2 := hcidef.Address{Bytes: [6]byte{2}}

	done1 := false
	done2 := false
	a.StartAdvertising(addr1, &fakeAdvData{size: 5}, nil, Options{}, nil, func(hcidef.Address, error) { done1 = true })
	a.StartAdvertising(addr2, &fakeAdvData{size: 5}, nil, Options{}, nil, func(hcidef.Address, error) { done2 = true })

	// addr2's batch must not be on the wire until addr1's batch finishes.
	writesForAddr1 := len(ep.writes)
	if writesForAddr1 == 0 {
		t.Fatal("addr1's batch was never queued")
	}
	if done2 {
		t.Fatal("addr2's start should not run concurrently with addr1's")
	}
	for i := 0; i < writesForAddr1; i++ {
		complete(ch, ep.writes[i])
	}
	if !done1 {
		t.Fatal("addr1's start never completed")
	}
	for i := writesForAddr1; i < len(ep.writes); i++ {
		complete(ch, ep.writes[i])
	}
	if !done2 {
		t.Fatal("addr2's start never completed")
	}
	if !a.IsAdvertisingAddr(addr1) || !a.IsAdvertisingAddr(addr2) {
		t.Fatal("both addresses should be active")
	}
}

func TestResolveIncomingLegacyClaimsSoleActiveAddress(t *testing.T) {
	a, ch, ep := newTestAdvertiser(FlavorLegacy, 1)
	addr := hcidef.Address{Bytes: [6]byte{9}}

	var gotCb *conn.Connection
	a.StartAdvertising(addr, &fakeAdvData{size: 5}, nil, Options{}, func(c *conn.Connection) { gotCb = c }, func(hcidef.Address, error) {})
	for _, op := range append([]hcidef.Opcode{}, ep.writes...) {
		complete(ch, op)
	}
	if !a.IsAdvertisingAddr(addr) {
		t.Fatal("setup failed: address never became active")
	}

	cn := &conn.Connection{Handle: 0x0010}
	claimed := a.ResolveIncoming(cn)
	if !claimed {
		t.Fatal("ResolveIncoming should claim the connection for the sole active address")
	}
	if cn.LocalAddr != addr {
		t.Fatalf("cn.LocalAddr = %v, want %v", cn.LocalAddr, addr)
	}
	if gotCb != cn {
		t.Fatal("registered connect callback was not invoked with the connection")
	}
}

func TestResolveIncomingReturnsFalseWhenNothingActive(t *testing.T) {
	a, _, _ := newTestAdvertiser(FlavorLegacy, 1)
	cn := &conn.Connection{Handle: 0x0010}
	if a.ResolveIncoming(cn) {
		t.Fatal("ResolveIncoming should not claim a connection with no active advertiser")
	}
}
