package ipc

import (
	"testing"
	"time"

	"kaal/internal/defs"
	"kaal/internal/sched"
)

func newSchedWithIdle() *sched.Scheduler {
	return sched.NewScheduler(sched.NewTCB())
}

// TestEndpointRendezvousReceiverFirst: a queued receiver picks up the
// next send directly.
func TestEndpointRendezvousReceiverFirst(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	r := sched.NewTCB()
	r.Priority = 100
	s := sched.NewTCB()
	s.Priority = 100

	recvDone := make(chan Message, 1)
	go func() {
		msg, _, err := ep.Recv(sc, r)
		if err != 0 {
			t.Errorf("Recv: unexpected error %v", err)
		}
		recvDone <- msg
	}()

	time.Sleep(10 * time.Millisecond) // let Recv queue as receiver
	if err := ep.Send(sc, s, Message{Registers: []uint64{'h', 'i'}}, 0, false, false); err != 0 {
		t.Fatalf("Send: unexpected error %v", err)
	}

	msg := <-recvDone
	if len(msg.Registers) != 2 || msg.Registers[0] != 'h' || msg.Registers[1] != 'i' {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

// TestCallReply: the caller stays blocked until Reply, and the reply
// authority is single-use.
func TestCallReply(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	r := sched.NewTCB()
	s := sched.NewTCB()

	callDone := make(chan Message, 1)
	go func() {
		msg, err := ep.Call(sc, s, Message{Label: 1, Registers: []uint64{'p', 'i', 'n', 'g'}}, 0, false, false)
		if err != 0 {
			t.Errorf("Call: unexpected error %v", err)
		}
		callDone <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	msg, _, err := ep.Recv(sc, r)
	if err != 0 {
		t.Fatalf("Recv: unexpected error %v", err)
	}
	if len(msg.Registers) != 4 {
		t.Fatalf("expected 4-byte ping payload, got %v", msg.Registers)
	}

	if err := Reply(s, Message{Registers: []uint64{'p', 'o', 'n', 'g'}}); err != 0 {
		t.Fatalf("Reply: unexpected error %v", err)
	}
	resp := <-callDone
	if len(resp.Registers) != 4 || resp.Registers[0] != 'p' {
		t.Fatalf("unexpected reply payload: %v", resp.Registers)
	}

	// Second reply through the consumed slot must fail (S2).
	if err := Reply(s, Message{}); err != defs.InvalidCapability {
		t.Fatalf("expected InvalidCapability on second reply, got %v", err)
	}
}

// TestSignalPollRoundTrip: poll returns the accumulated OR of signals.
func TestSignalPollRoundTrip(t *testing.T) {
	sc := newSchedWithIdle()
	n := NewNotification()
	b0 := n.Poll()
	n.Signal(sc, 0x4)
	if got := n.Poll(); got != (b0 | 0x4) {
		t.Fatalf("poll round-trip: got %#x want %#x", got, b0|0x4)
	}
}

func TestNotificationWaitWakesOnSignal(t *testing.T) {
	sc := newSchedWithIdle()
	n := NewNotification()
	waiter := sched.NewTCB()

	result := make(chan uint64, 1)
	go func() { result <- n.Wait(waiter) }()

	time.Sleep(10 * time.Millisecond)
	n.Signal(sc, 0x1)

	got := <-result
	if got != 0x1 {
		t.Fatalf("expected signal bit 0x1, got %#x", got)
	}
	if waiter.State() != sched.Runnable {
		t.Fatalf("expected waiter re-enqueued as Runnable, got %v", waiter.State())
	}
}

func TestEndpointDestroyCancelsQueuedCall(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	caller := sched.NewTCB()

	callDone := make(chan defs.Err_t, 1)
	go func() {
		_, err := ep.Call(sc, caller, Message{}, 0, false, false)
		callDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ep.Destroy(sc)

	if err := <-callDone; err != defs.IPCCancelled {
		t.Fatalf("expected IPCCancelled, got %v", err)
	}
}

func TestSendRequiresGrantForCapTransfer(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	s := sched.NewTCB()
	msg := Message{CapSources: []CapSlot{{}}, CapDests: []CapSlot{{}}}
	if err := ep.Send(sc, s, msg, 0, false, false); err != defs.InsufficientRights {
		t.Fatalf("expected InsufficientRights without grant, got %v", err)
	}
}

func TestRecvCallerIdentifiesCallSender(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	caller := sched.NewTCB()
	receiver := sched.NewTCB()

	go ep.Call(sc, caller, Message{Label: 9}, 0, false, false)
	time.Sleep(10 * time.Millisecond)

	msg, _, got, err := ep.RecvCaller(sc, receiver)
	if err != 0 {
		t.Fatalf("RecvCaller: %v", err)
	}
	if msg.Label != 9 {
		t.Fatalf("label = %d", msg.Label)
	}
	if got != caller {
		t.Fatal("RecvCaller should report the blocked caller")
	}
	Reply(caller, Message{})

	// A plain Send reports no caller.
	sender := sched.NewTCB()
	go ep.Send(sc, sender, Message{}, 0, false, false)
	time.Sleep(10 * time.Millisecond)
	_, _, got, err = ep.RecvCaller(sc, receiver)
	if err != 0 || got != nil {
		t.Fatalf("plain send: caller=%v err=%v, want nil caller", got, err)
	}
}

func TestBadgeDeliveredToReceiver(t *testing.T) {
	sc := newSchedWithIdle()
	ep := NewEndpoint()
	s := sched.NewTCB()
	r := sched.NewTCB()

	go ep.Send(sc, s, Message{}, 0x42, true, false)
	time.Sleep(10 * time.Millisecond)
	_, badge, err := ep.Recv(sc, r)
	if err != 0 {
		t.Fatalf("Recv: %v", err)
	}
	if badge != 0x42 {
		t.Fatalf("badge = %#x, want 0x42", badge)
	}
}
