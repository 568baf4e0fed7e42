// Package sequence implements the Sequential Command Runner (spec.md §4.3):
// an order-preserving chain of HCI commands with opt-in parallel batches,
// short-circuit on failure, and cancellation that is safe against re-entry.
//
// The teacher has no direct analogue (paypal-gatt dispatches its one-shot
// reset sequence inline in linux/hci.go's resetDevice), so this package
// generalizes that pattern — "send these in order, stop the controller
// reset if one fails" — into the reusable batch-and-sequence-number shape
// spec.md calls for, wired against command.Channel the same way
// resetDevice is wired against cmd.Cmd.
package sequence

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/command"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/internal/corrid"
)

// ResultCallback is invoked exactly once per Run, with the failing status
// (nil on full success, hcidef.ErrCanceled on Cancel, or the first
// transaction's error).
type ResultCallback func(err error)

type queuedEntry struct {
	opcode     hcidef.Opcode
	params     []byte
	cb         command.Callback
	wait       bool
	completion hcidef.EventCode
	leSubevent *hcidef.LESubevent
	exclusions []hcidef.Opcode
}

// Runner is the Sequential Command Runner.
type Runner struct {
	ch  *command.Channel
	log *logrus.Entry

	mu       sync.Mutex
	queued   []queuedEntry
	running  bool
	result   ResultCallback
	seq      uint64 // guards callbacks arriving after cancel/re-run, spec.md §4.3 "Re-entry"
}

// New constructs a Runner bound to ch.
func New(ch *command.Channel, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{ch: ch, log: log.WithField("component", "sequence")}
}

// IsReady reports whether Run is not currently in progress.
func (r *Runner) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running
}

// HasQueuedCommands reports whether any commands are queued for the next Run.
func (r *Runner) HasQueuedCommands() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queued) > 0
}

// QueueCommand appends a command to the pending queue. wait=true starts a
// new batch; wait=false joins the current batch (spec.md §4.3 "Semantics").
func (r *Runner) QueueCommand(opcode hcidef.Opcode, params []byte, cb command.Callback, wait bool, completionEvent hcidef.EventCode, exclusions []hcidef.Opcode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, queuedEntry{
		opcode: opcode, params: params, cb: cb, wait: wait,
		completion: completionEvent, exclusions: exclusions,
	})
}

// QueueLEAsyncCommand queues an LE command completed by a LE Meta subevent.
func (r *Runner) QueueLEAsyncCommand(opcode hcidef.Opcode, params []byte, subevent hcidef.LESubevent, cb command.Callback, wait bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	se := subevent
	r.queued = append(r.queued, queuedEntry{
		opcode: opcode, params: params, cb: cb, wait: wait,
		completion: hcidef.EventLEMeta, leSubevent: &se,
	})
}

// RunCommands dispatches the queued commands in batches and invokes result
// exactly once when the sequence finishes, fails, or is cancelled.
func (r *Runner) RunCommands(result ResultCallback) {
	r.mu.Lock()
	entries := r.queued
	r.queued = nil
	r.running = true
	r.result = result
	r.seq++
	mySeq := r.seq
	r.mu.Unlock()

	corrID := corrid.New()
	r.log.WithFields(logrus.Fields{"corr_id": corrID, "seq": mySeq, "commands": len(entries)}).Debug("sequence run started")

	if len(entries) == 0 {
		r.finish(mySeq, nil, result)
		return
	}
	r.runBatches(mySeq, entries, result)
}

// Cancel completes the current run immediately with hcidef.ErrCanceled.
// Already-dispatched commands continue in flight; their per-command
// callbacks still fire but further batches never start, because every
// callback checks the sequence number first. Calling Cancel when nothing is
// running, or calling it twice, is a no-op — it is idempotent and safe from
// any goroutine (spec.md §4.3, §5).
func (r *Runner) Cancel() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	mySeq := r.seq
	r.seq++ // invalidate in-flight callbacks from the cancelled run
	result := r.result
	r.result = nil
	r.mu.Unlock()
	r.log.WithField("seq", mySeq).Debug("sequence cancelled")
	if result != nil {
		result(hcidef.ErrCanceled)
	}
}

func (r *Runner) runBatches(seq uint64, entries []queuedEntry, result ResultCallback) {
	batches := splitBatches(entries)
	r.runBatch(seq, batches, 0, result)
}

// splitBatches groups entries per spec.md §4.3: a batch begins at the first
// queued command (or the command after the previous batch) and extends
// through subsequent wait=false commands; the next wait=true command starts
// a new batch. The very first command always starts immediately regardless
// of its own wait flag.
func splitBatches(entries []queuedEntry) [][]queuedEntry {
	var batches [][]queuedEntry
	cur := []queuedEntry{entries[0]}
	for _, e := range entries[1:] {
		if e.wait {
			batches = append(batches, cur)
			cur = []queuedEntry{e}
			continue
		}
		cur = append(cur, e)
	}
	batches = append(batches, cur)
	return batches
}

func (r *Runner) runBatch(seq uint64, batches [][]queuedEntry, idx int, result ResultCallback) {
	if idx >= len(batches) {
		r.finish(seq, nil, result)
		return
	}
	batch := batches[idx]

	var mu sync.Mutex
	remaining := len(batch)
	var failErr error
	failed := int32(0)

	for _, e := range batch {
		e := e
		cb := func(params []byte, err error) {
			r.mu.Lock()
			stale := r.seq != seq
			r.mu.Unlock()
			if e.cb != nil {
				e.cb(params, err)
			}
			if stale {
				return
			}
			mu.Lock()
			if err != nil && atomic.CompareAndSwapInt32(&failed, 0, 1) {
				failErr = err
			}
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				if atomic.LoadInt32(&failed) == 1 {
					r.finish(seq, failErr, result)
					return
				}
				r.runBatch(seq, batches, idx+1, result)
			}
		}
		if e.leSubevent != nil {
			r.ch.SendLEAsyncCommand(e.opcode, e.params, cb, *e.leSubevent)
		} else {
			r.ch.SendCommand(e.opcode, e.params, cb, e.completion)
		}
	}
}

func (r *Runner) finish(seq uint64, err error, result ResultCallback) {
	r.mu.Lock()
	stale := r.seq != seq
	if !stale {
		r.running = false
		r.result = nil
	}
	r.mu.Unlock()
	if stale {
		return
	}
	if result != nil {
		result(err)
	}
}
