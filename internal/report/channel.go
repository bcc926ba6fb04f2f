package report

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChannelBroken is returned by Emit once the transport has failed; the
// agent has nothing left to do but let the Controller observe
// TransportError.
var ErrChannelBroken = errors.New("report: channel transport broken")

// ErrReportLost is returned when the queue's hard upper bound is reached and
// a report could not be accepted; this must itself be reported and trigger
// a build failure.
var ErrReportLost = errors.New("report: queue overflow, report lost")

// overflowWait is how long Emit backs off against a full queue before
// giving up on the record. The queue capacity is a soft back-pressure
// bound; a producer still stuck behind it after overflowWait is treated as
// a genuine overflow rather than blocked forever.
const overflowWait = 200 * time.Millisecond

// lostRecord is the synthetic record pushed onto the wire in place of one
// that could not be enqueued within overflowWait. It bypasses the capacity
// check so the Controller learns about the loss even while the queue
// itself stays jammed.
func lostRecord(path string) ReportRecord {
	return ReportRecord{Kind: DebugMessage, Path: path, ErrorCode: 1}
}

type dedupKey struct {
	path      string
	operation byte
	access    byte
	status    byte
}

func keyOf(r ReportRecord) dedupKey {
	return dedupKey{path: r.Path, operation: byte(r.Operation), access: byte(r.RequestedAccess), status: byte(r.Status)}
}

// Channel is one agent instance's Report Channel: an in-process FIFO queue
// drained by a background writer onto a shared transport. Reports from a
// single producer goroutine (modeling "a thread") are enqueued and flushed
// strictly in submission order, which is a stronger guarantee than the
// per-thread prefix-consistency required of the stream.
type Channel struct {
	agentID  uuid.UUID
	out      io.Writer
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []ReportRecord
	seen   map[dedupKey]struct{}
	closed bool
	broken error
	lost   uint64

	wg sync.WaitGroup
}

// NewChannel builds a Channel that drains into out, with a hard queue bound
// of capacity records, guaranteeing progress even under sustained
// back-pressure. A random UUID identifies this agent instance; Emit stamps
// it onto every record so the Controller can attribute the stream even when
// the OS recycles a process id mid-run.
func NewChannel(out io.Writer, capacity int) *Channel {
	if capacity <= 0 {
		capacity = 4096
	}
	c := &Channel{
		agentID:  uuid.New(),
		out:      out,
		capacity: capacity,
		seen:     make(map[dedupKey]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.run()
	return c
}

// AgentID identifies this Channel's owning agent instance.
func (c *Channel) AgentID() uuid.UUID { return c.agentID }

// Emit enqueues r for transmission. If the transport has already failed,
// Emit returns ErrChannelBroken immediately. If the queue is at capacity,
// Emit blocks the caller — modeling "the writer blocks the calling
// syscall's return" — until space frees or the channel closes/breaks, for
// at most overflowWait; past that the record is dropped, a lostRecord
// marker is queued in its place, and Emit returns ErrReportLost. A tuple
// identical to one already emitted on this Channel (same canonical path,
// operation, requested access, and status) is coalesced: the duplicate is
// dropped so the first occurrence's error code is what reaches the
// controller.
func (c *Channel) Emit(r ReportRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.AgentID = c.agentID

	if c.broken != nil {
		c.lost++
		return ErrChannelBroken
	}
	if c.closed {
		return fmt.Errorf("report: channel closed")
	}

	key := keyOf(r)
	if _, dup := c.seen[key]; dup {
		return nil
	}

	deadline := time.Now().Add(overflowWait)
	for len(c.queue) >= c.capacity && c.broken == nil && !c.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.lost++
			lr := lostRecord(r.Path)
			lr.AgentID = c.agentID
			c.queue = append(c.queue, lr)
			c.cond.Signal()
			return ErrReportLost
		}
		c.waitFor(remaining)
	}
	if c.broken != nil {
		c.lost++
		return ErrChannelBroken
	}
	if c.closed {
		return fmt.Errorf("report: channel closed")
	}

	c.seen[key] = struct{}{}
	c.queue = append(c.queue, r)
	c.cond.Signal()
	return nil
}

// waitFor blocks on c.cond for at most d, returning either when another
// goroutine signals/broadcasts or when d elapses. Callers re-check their
// wait condition afterward since a wake is not itself a guarantee.
func (c *Channel) waitFor(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
}

// Lost returns the number of reports dropped because the transport broke or
// the queue stayed full past overflowWait. Emit calls rejected because the
// channel was already closed are not counted.
func (c *Channel) Lost() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		rec := c.queue[0]
		c.queue = c.queue[1:]
		c.cond.Signal() // wake any Emit blocked on capacity
		c.mu.Unlock()

		if _, err := c.out.Write(Encode(rec)); err != nil {
			c.mu.Lock()
			c.broken = fmt.Errorf("report: transport write failed: %w", err)
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
	}
}

// Close flushes all queued reports before the exit is acknowledged and
// stops the background writer. It returns the transport error if the
// channel broke before it could finish flushing.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}
