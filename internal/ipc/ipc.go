// Package ipc implements the Endpoint, Notification and IPC Transfer
// Engine: synchronous send/recv/call/reply rendezvous, asynchronous
// signal/wait aggregation, and the shared transfer routine that copies
// a bounded message (label, message registers, optional capabilities)
// between a sender's and a receiver's IPC buffer.
//
// A genuine single-threaded kernel suspends a thread by saving its trap
// frame and returning to the scheduler, then resumes it later by
// restoring that frame — there is no goroutine to "come back to". This
// Go model instead parks the calling goroutine on a channel for the
// duration of a blocking operation, which is observationally equivalent
// for every property the suite tests (FIFO order, rights checks, badge
// delivery, cancellation) without requiring a hand-rolled coroutine
// scheduler; internal/trap's dispatcher is the layer a real port would
// change to drive this from saved trap frames instead.
package ipc

import (
	"sync"

	"kaal/internal/cnode"
	"kaal/internal/defs"
	"kaal/internal/sched"
)

// Message is the bounded IPC payload: a label word, up to
// MaxMsgRegisters 64-bit message registers, and optionally capability
// transfer descriptors naming a (CSpace, slot) pair in the sender's CSpace
// to resolve and install into the receiver's CSpace.
type Message struct {
	Label      uint64
	Registers  []uint64
	CapSources []CapSlot // resolved against the sender's CSpace
	CapDests   []CapSlot // where to install in the receiver's CSpace
}

// CapSlot names a capability slot for transfer purposes.
type CapSlot struct {
	CSpace *cnode.CSpace
	Slot   int
}

// waiter is one thread blocked in an Endpoint queue.
type waiter struct {
	tcb    *sched.TCB
	msg    Message
	badge  uint64
	isCall bool
	// caller is filled on a queued receiver when the rendezvous that
	// completes it is a Call, so RecvCaller can report who to reply to.
	caller *sched.TCB
	// delivered is closed once this waiter's half of the rendezvous has
	// completed, unparking a blocked Send. Call waiters ignore it and
	// wait on reply.done instead (see Call/Destroy).
	delivered chan struct{}
	// reply is set only for isCall waiters still queued on the endpoint
	// (no receiver was available yet), so Destroy can cancel the pending
	// call directly instead of leaving it blocked forever.
	reply *replySlot
}

// Endpoint is a synchronous IPC rendezvous object. At most
// one of senders/receivers is non-empty at any moment.
type Endpoint struct {
	mu        sync.Mutex
	senders   []*waiter
	receivers []*waiter
	destroyed bool
}

// NewEndpoint constructs an idle endpoint.
func NewEndpoint() *Endpoint {
	return &Endpoint{}
}

// Send implements the Send primitive. If a receiver is
// already queued, the message transfers directly and the receiver becomes
// Runnable; otherwise the calling thread blocks in BlockedOnSend.
// hasGrant must be true for a non-empty msg.CapSources: capability
// transfer requires GRANT on the endpoint.
func (e *Endpoint) Send(sc *sched.Scheduler, self *sched.TCB, msg Message, badge uint64, hasBadge, hasGrant bool) defs.Err_t {
	if len(msg.CapSources) > 0 && !hasGrant {
		return defs.InsufficientRights
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return defs.IPCCancelled
	}
	if len(e.receivers) > 0 {
		r := e.receivers[0]
		e.receivers = e.receivers[1:]
		e.mu.Unlock()

		deliver(msg, badge, hasBadge, r)
		sc.Enqueue(r.tcb)
		close(r.delivered)
		return 0
	}
	w := &waiter{tcb: self, msg: msg, badge: pickBadge(badge, hasBadge), delivered: make(chan struct{})}
	e.senders = append(e.senders, w)
	e.mu.Unlock()

	self.Block(sched.BlockedOnSend)
	<-w.delivered
	return 0
}

// Recv implements the Recv primitive. If a sender is already queued, its
// message is delivered immediately and the sender becomes Runnable (or
// stays BlockedOnReply if it used Call); otherwise the calling thread
// blocks in BlockedOnReceive.
func (e *Endpoint) Recv(sc *sched.Scheduler, self *sched.TCB) (Message, uint64, defs.Err_t) {
	msg, badge, _, err := e.RecvCaller(sc, self)
	return msg, badge, err
}

// RecvCaller is Recv plus the identity of a blocked Call's sender: when
// the delivered message came in through Call, caller is the TCB now parked
// in BlockedOnReply, so the syscall layer can record it as the receiver's
// reply target. caller is nil for
// a plain Send.
func (e *Endpoint) RecvCaller(sc *sched.Scheduler, self *sched.TCB) (Message, uint64, *sched.TCB, defs.Err_t) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return Message{}, 0, nil, defs.IPCCancelled
	}
	if len(e.senders) > 0 {
		s := e.senders[0]
		e.senders = e.senders[1:]
		e.mu.Unlock()

		var caller *sched.TCB
		if s.isCall {
			caller = s.tcb
		} else {
			sc.Enqueue(s.tcb)
		}
		close(s.delivered)
		return s.msg, s.badge, caller, 0
	}
	w := &waiter{tcb: self, delivered: make(chan struct{})}
	e.receivers = append(e.receivers, w)
	e.mu.Unlock()

	self.Block(sched.BlockedOnReceive)
	<-w.delivered
	return w.msg, w.badge, w.caller, 0
}

// replySlot is the one-shot reply authority a Call generates: the TCB it
// will unblock, and the channel Reply uses to hand back the response
// message. Consuming it (in Reply) clears the caller's reply target,
// reply authority is one-shot: consumption clears the slot.
type replySlot struct {
	mu       sync.Mutex
	caller   *sched.TCB
	consumed bool
	done     chan replyResult
}

// replyResult is what unblocks a Call: either a genuine Reply message, or
// a cancellation when the endpoint the call was queued on is destroyed
// while still waiting for a receiver.
type replyResult struct {
	msg Message
	err defs.Err_t
}

// Call is Send plus an implicit one-shot Reply capability: the caller
// blocks in BlockedOnReply until the matching Reply
// delivers a response message, rather than becoming Runnable the moment
// the Recv side picks up the call.
func (e *Endpoint) Call(sc *sched.Scheduler, self *sched.TCB, msg Message, badge uint64, hasBadge, hasGrant bool) (Message, defs.Err_t) {
	if len(msg.CapSources) > 0 && !hasGrant {
		return Message{}, defs.InsufficientRights
	}
	reply := &replySlot{caller: self, done: make(chan replyResult, 1)}
	self.SetReplyState(reply)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return Message{}, defs.IPCCancelled
	}
	if len(e.receivers) > 0 {
		r := e.receivers[0]
		e.receivers = e.receivers[1:]
		e.mu.Unlock()

		self.ReplyTo = r.tcb
		deliver(msg, badge, hasBadge, r)
		r.caller = self
		sc.Enqueue(r.tcb)
		close(r.delivered)
	} else {
		w := &waiter{tcb: self, msg: msg, badge: pickBadge(badge, hasBadge), isCall: true, delivered: make(chan struct{}), reply: reply}
		e.senders = append(e.senders, w)
		e.mu.Unlock()
	}

	self.Block(sched.BlockedOnReply)
	resp := <-reply.done
	self.SetReplyState(nil)
	self.ReplyTo = nil
	return resp.msg, resp.err
}

// Reply delivers resp through the caller's one-shot reply handle (as
// stashed on caller by Call) and wakes it. A second Reply through an
// already-consumed handle fails with InvalidCapability.
func Reply(caller *sched.TCB, resp Message) defs.Err_t {
	v := caller.ReplyState()
	rs, ok := v.(*replySlot)
	if !ok || rs == nil {
		return defs.InvalidCapability
	}
	rs.mu.Lock()
	if rs.consumed {
		rs.mu.Unlock()
		return defs.InvalidCapability
	}
	rs.consumed = true
	rs.mu.Unlock()

	rs.done <- replyResult{msg: resp}
	return 0
}

func deliver(msg Message, badge uint64, hasBadge bool, r *waiter) {
	r.msg = msg
	r.badge = pickBadge(badge, hasBadge)
	n := len(msg.CapDests)
	if len(msg.CapSources) < n {
		n = len(msg.CapSources)
	}
	if n > defs.MaxMsgCaps {
		n = defs.MaxMsgCaps
	}
	for i := 0; i < n; i++ {
		src, dst := msg.CapSources[i], msg.CapDests[i]
		cnode.Copy(src.CSpace, src.Slot, dst.CSpace, dst.Slot)
	}
}

func pickBadge(badge uint64, has bool) uint64 {
	if !has {
		return 0
	}
	return badge
}

// Destroy unblocks every queued thread with IPCCancelled, used when the last capability referencing this
// endpoint is revoked.
func (e *Endpoint) Destroy(sc *sched.Scheduler) {
	e.mu.Lock()
	e.destroyed = true
	senders, receivers := e.senders, e.receivers
	e.senders, e.receivers = nil, nil
	e.mu.Unlock()

	for _, w := range senders {
		sc.Enqueue(w.tcb)
		if w.isCall {
			w.reply.mu.Lock()
			if !w.reply.consumed {
				w.reply.consumed = true
				w.reply.done <- replyResult{err: defs.IPCCancelled}
			}
			w.reply.mu.Unlock()
		} else {
			close(w.delivered)
		}
	}
	for _, w := range receivers {
		sc.Enqueue(w.tcb)
		close(w.delivered)
	}
}

// Validate checks the WRITE (Send) / READ (Recv) right against the
// rights carried by the capability used to name this endpoint.
func Validate(rights defs.Rights, forSend bool) defs.Err_t {
	need := defs.Read
	if forSend {
		need = defs.Write
	}
	if !rights.Contains(need) {
		return defs.InsufficientRights
	}
	return 0
}
