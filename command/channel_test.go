package command

import (
	"errors"
	"testing"
	"time"

	"github.com/btstack/hci/hcidef"
)

// fakeEndpoint records every write; it never produces events on its own —
// tests drive completions directly via HandleCommandComplete/Status.
type fakeEndpoint struct {
	writes [][]byte
}

func (f *fakeEndpoint) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func (f *fakeEndpoint) ReadEvent() ([]byte, error) {
	select {}
}

func TestSendCommandCompletesOnCommandComplete(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	var gotParams []byte
	var gotErr error
	ch.SendCommand(hcidef.OpReadBDADDR, nil, func(p []byte, err error) {
		gotParams = p
		gotErr = err
	}, hcidef.EventCommandComplete)

	if len(ep.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(ep.writes))
	}

	params := append([]byte{1, byte(hcidef.OpReadBDADDR), byte(hcidef.OpReadBDADDR >> 8)}, 0xaa, 0xbb)
	if err := ch.HandleCommandComplete(params); err != nil {
		t.Fatal(err)
	}
	if gotErr != nil {
		t.Fatalf("err = %v, want nil", gotErr)
	}
	if len(gotParams) != 2 || gotParams[0] != 0xaa || gotParams[1] != 0xbb {
		t.Fatalf("return params = %x", gotParams)
	}
}

func TestCreditWindowBlocksUntilAvailable(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 0)

	fired := false
	ch.SendCommand(hcidef.OpReadBDADDR, nil, func([]byte, error) { fired = true }, hcidef.EventCommandComplete)
	if len(ep.writes) != 0 {
		t.Fatalf("command sent with zero credits")
	}

	// A Command Complete for an unrelated opcode still carries a fresh
	// credit window and should unblock the queue.
	ch.HandleCommandComplete([]byte{1, 0xff, 0xff})
	if len(ep.writes) != 1 {
		t.Fatalf("writes after credit replenished = %d, want 1", len(ep.writes))
	}
	ch.HandleCommandComplete(append([]byte{1, byte(hcidef.OpReadBDADDR), byte(hcidef.OpReadBDADDR >> 8)}))
	if !fired {
		t.Fatal("callback never fired")
	}
}

func TestSameOpcodeSerializes(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 5)

	var order []int
	ch.SendCommand(hcidef.OpDisconnect, nil, func([]byte, error) { order = append(order, 1) }, hcidef.EventCommandComplete)
	ch.SendCommand(hcidef.OpDisconnect, nil, func([]byte, error) { order = append(order, 2) }, hcidef.EventCommandComplete)

	if len(ep.writes) != 1 {
		t.Fatalf("writes = %d, want 1 (second should wait for same opcode)", len(ep.writes))
	}

	opcodeParams := []byte{1, byte(hcidef.OpDisconnect), byte(hcidef.OpDisconnect >> 8)}
	ch.HandleCommandComplete(opcodeParams)
	if len(ep.writes) != 2 {
		t.Fatalf("writes after first completion = %d, want 2", len(ep.writes))
	}
	ch.HandleCommandComplete(opcodeParams)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("completion order = %v, want [1 2]", order)
	}
}

func TestCommandStatusErrorCompletesTransaction(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	var gotErr error
	ch.SendCommand(hcidef.OpDisconnect, nil, func(_ []byte, err error) { gotErr = err }, hcidef.EventCommandComplete)

	status := []byte{byte(hcidef.StatusCommandDisallowed), 1, byte(hcidef.OpDisconnect), byte(hcidef.OpDisconnect >> 8)}
	ch.HandleCommandStatus(status)

	st, ok := hcidef.AsStatusError(gotErr)
	if !ok || st != hcidef.StatusCommandDisallowed {
		t.Fatalf("err = %v, want StatusCommandDisallowed", gotErr)
	}
}

func TestCommandStatusSuccessDoesNotCompleteUnlessDeclared(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	fired := false
	ch.SendCommand(hcidef.OpLECreateConnection, nil, func([]byte, error) { fired = true }, hcidef.EventCommandComplete)

	status := []byte{byte(hcidef.StatusSuccess), 1, byte(hcidef.OpLECreateConnection), byte(hcidef.OpLECreateConnection >> 8)}
	ch.HandleCommandStatus(status)
	if fired {
		t.Fatal("transaction completed on success Command Status despite declaring Command Complete")
	}
}

func TestAsyncCommandDeclaringStatusCompletesOnSuccessStatus(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	var gotErr error
	called := 0
	ch.SendCommand(hcidef.OpLECreateConnection, nil, func(_ []byte, err error) {
		called++
		gotErr = err
	}, hcidef.EventCommandStatus)

	status := []byte{byte(hcidef.StatusSuccess), 1, byte(hcidef.OpLECreateConnection), byte(hcidef.OpLECreateConnection >> 8)}
	ch.HandleCommandStatus(status)
	if called != 1 || gotErr != nil {
		t.Fatalf("called = %d err = %v", called, gotErr)
	}
}

func TestExclusionBlocksEligibility(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 5)

	ch.SendCommand(hcidef.OpLESetScanEnable, nil, nil, hcidef.EventCommandComplete)
	fired := false
	ch.SendExclusiveCommand(hcidef.OpLECreateConnection, nil, func([]byte, error) { fired = true },
		hcidef.EventCommandStatus, []hcidef.Opcode{hcidef.OpLESetScanEnable})

	if len(ep.writes) != 1 {
		t.Fatalf("excluded command sent early; writes = %d", len(ep.writes))
	}

	ch.HandleCommandComplete([]byte{1, byte(hcidef.OpLESetScanEnable), byte(hcidef.OpLESetScanEnable >> 8)})
	if len(ep.writes) != 2 {
		t.Fatalf("writes after exclusion cleared = %d, want 2", len(ep.writes))
	}
	ch.HandleCommandStatus([]byte{byte(hcidef.StatusSuccess), 1, byte(hcidef.OpLECreateConnection), byte(hcidef.OpLECreateConnection >> 8)})
	if !fired {
		t.Fatal("callback never fired")
	}
}

func TestRemoveQueuedCancelsUnsent(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 0)

	id := ch.SendCommand(hcidef.OpReadBDADDR, nil, nil, hcidef.EventCommandComplete)
	if id == 0 {
		t.Fatal("enqueue failed")
	}
	if !ch.RemoveQueued(id) {
		t.Fatal("RemoveQueued reported not found")
	}
	if ch.RemoveQueued(id) {
		t.Fatal("RemoveQueued twice should report false")
	}
}

func TestEventDispatchToMultipleHandlers(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	// Any non-reserved code will do; Hardware Error is reserved and would be
	// refused by AddEventHandler.
	code := hcidef.EventCode(0x0c)
	n := 0
	ch.AddEventHandler(code, func([]byte) Verdict { n++; return Continue })
	ch.AddEventHandler(code, func([]byte) Verdict { n++; return Remove })

	ch.Dispatch(code, []byte{0x01})
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	ch.Dispatch(code, []byte{0x01})
	if n != 3 {
		t.Fatalf("n = %d after second dispatch, want 3 (one handler removed)", n)
	}
}

func TestReservedEventHandlerRefused(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)
	if id := ch.AddEventHandler(hcidef.EventCommandComplete, func([]byte) Verdict { return Continue }); id != 0 {
		t.Fatalf("handler id = %d, want 0 for reserved code", id)
	}
}

func TestLEMetaDispatchBySubevent(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	// The handler receives the parameters that follow the subevent byte.
	fired := false
	var got []byte
	ch.AddLEMetaEventHandler(hcidef.LESubeventConnectionComplete, func(params []byte) Verdict {
		fired = true
		got = params
		return Continue
	})
	ch.Dispatch(hcidef.EventLEMeta, []byte{byte(hcidef.LESubeventConnectionComplete), 0x00})
	if !fired || len(got) != 1 || got[0] != 0x00 {
		t.Fatalf("fired = %v, got = %v, want params [0x00]", fired, got)
	}
}

func TestCloseFailsQueuedAndPending(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1)

	var pendingErr, queuedErr error
	ch.SendCommand(hcidef.OpDisconnect, nil, func(_ []byte, err error) { pendingErr = err }, hcidef.EventCommandComplete)
	ch.SendCommand(hcidef.OpDisconnect, nil, func(_ []byte, err error) { queuedErr = err }, hcidef.EventCommandComplete)

	ch.Close()
	if !errors.Is(pendingErr, hcidef.ErrEndpointClosed) {
		t.Fatalf("pendingErr = %v", pendingErr)
	}
	if !errors.Is(queuedErr, hcidef.ErrEndpointClosed) {
		t.Fatalf("queuedErr = %v", queuedErr)
	}

	if id := ch.SendCommand(hcidef.OpDisconnect, nil, nil, hcidef.EventCommandComplete); id != 0 {
		t.Fatalf("SendCommand after Close returned %d, want 0", id)
	}
	ch.Close() // idempotent
}

func TestTransactionTimeout(t *testing.T) {
	ep := &fakeEndpoint{}
	ch := New(ep, nil, 1, WithTimeout(10*time.Millisecond))

	done := make(chan error, 1)
	ch.SendCommand(hcidef.OpReadBDADDR, nil, func(_ []byte, err error) { done <- err }, hcidef.EventCommandComplete)

	select {
	case err := <-done:
		if !errors.Is(err, hcidef.ErrTransactionTimeout) {
			t.Fatalf("err = %v, want ErrTransactionTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
}
