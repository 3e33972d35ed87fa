package antimatter

import (
	"testing"
	"time"

	"github.com/braidfs/braidfs/internal/crdt"
	"github.com/braidfs/braidfs/internal/wire"
)

func noopSend(ConnID, Message) {}

func TestUpdateSetsFrontier(t *testing.T) {
	c := New("peerA", nil, noopSend)
	v := c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "hi", Op: crdt.OpInsert}})
	if len(c.Frontier()) != 1 || c.Frontier()[0] != v {
		t.Fatalf("expected frontier [%s], got %v", v, c.Frontier())
	}
}

func TestReceiveUpdateRejectsUnknownParent(t *testing.T) {
	c := New("peerA", nil, noopSend)
	_, err := c.Receive("conn1", Message{
		Kind:    MsgUpdate,
		Version: "v1",
		Parents: []wire.Version{"bogus"},
		Patches: []crdt.Splice{{Pos: 0, Insert: "x", Op: crdt.OpInsert}},
	})
	if err == nil {
		t.Fatal("expected unknown parent rejection")
	}
}

func TestReceiveUpdateAppliesAndExtendsFrontier(t *testing.T) {
	c := New("peerA", nil, noopSend)
	v1 := c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "hello", Op: crdt.OpInsert}})
	_, err := c.Receive("conn1", Message{
		Kind:    MsgUpdate,
		Version: "v2",
		Parents: []wire.Version{v1},
		Patches: []crdt.Splice{{Pos: 5, Insert: " world", Op: crdt.OpInsert}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := c.Frontier()
	if len(f) != 1 || f[0] != "v2" {
		t.Fatalf("expected frontier [v2], got %v", f)
	}
}

func TestAckmeZeroConnsCompletesImmediately(t *testing.T) {
	c := New("peerA", nil, noopSend)
	v := c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "x", Op: crdt.OpInsert}})
	a := c.StartAckme([]wire.Version{v})
	if _, ok := c.ackedBoundary[v]; !ok {
		t.Fatalf("expected %s in acked boundary after zero-conn ackme, ackme=%+v", v, a)
	}
}

func TestDisconnectWithFissureRecordsFrontier(t *testing.T) {
	c := New("peerA", nil, noopSend)
	c.Subscribe("conn1", "peerB")
	c.mu.Lock()
	c.conns["conn1"] = ConnState{Peer: "peerB", Seq: 1}
	c.mu.Unlock()
	c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "x", Op: crdt.OpInsert}})
	c.Disconnect("conn1", true)
	if len(c.fissures) != 1 {
		t.Fatalf("expected 1 fissure, got %d", len(c.fissures))
	}
}

func TestAckmeWaitSeededAndDrivenByEWMA(t *testing.T) {
	c := New("peerA", nil, noopSend)
	if c.ackmeCurrentWaitTime != 2000*time.Millisecond {
		t.Fatalf("initial wait = %v, want 2000ms", c.ackmeCurrentWaitTime)
	}

	c.updateEWMA1(400 * time.Millisecond)
	c.mu.Lock()
	c.updateEWMA2Locked(200 * time.Millisecond)
	c.mu.Unlock()

	// First samples seed the estimates directly: 4*(400+200)ms.
	if got, want := c.ackmeCurrentWaitTime, 2400*time.Millisecond; got != want {
		t.Fatalf("wait after acks = %v, want %v", got, want)
	}

	// Fast acks shrink the wait, but never below the floor.
	for i := 0; i < 100; i++ {
		c.updateEWMA1(time.Millisecond)
		c.mu.Lock()
		c.updateEWMA2Locked(time.Millisecond)
		c.mu.Unlock()
	}
	if c.ackmeCurrentWaitTime != minAckmeWait {
		t.Fatalf("wait = %v, want floor %v", c.ackmeCurrentWaitTime, minAckmeWait)
	}
}

func TestCheckAckmeTimeoutsCancelsOverdueRound(t *testing.T) {
	c := New("peerA", nil, noopSend)
	a := &Ackme{
		ID:       "a1",
		IsOrigin: true,
		Count:    1,
		Versions: map[wire.Version]bool{"v1": true},
		Time:     time.Now().Add(-10 * time.Second),
	}
	c.ackmes["a1"] = a

	c.CheckAckmeTimeouts()

	if !a.Cancelled {
		t.Fatal("overdue ackme not cancelled")
	}
	if _, ok := c.ackmes["a1"]; ok {
		t.Fatal("cancelled ackme still registered")
	}
}

func TestCheckAckmeTimeoutsKeepsFreshRound(t *testing.T) {
	c := New("peerA", nil, noopSend)
	a := &Ackme{ID: "a2", IsOrigin: true, Count: 1, Time: time.Now()}
	c.ackmes["a2"] = a

	c.CheckAckmeTimeouts()

	if a.Cancelled {
		t.Fatal("fresh ackme should not be cancelled")
	}
}

func TestPruneNoEligibleVersionsReturnsFalse(t *testing.T) {
	c := New("peerA", nil, noopSend)
	c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "x", Op: crdt.OpInsert}})
	if c.Prune(true) {
		t.Fatal("expected nothing eligible to prune yet")
	}
}

func TestPruneBubblesLinearChain(t *testing.T) {
	c := New("peerA", nil, noopSend)
	v1 := c.Update(nil, []crdt.Splice{{Pos: 0, Insert: "a", Op: crdt.OpInsert}})
	v2 := c.Update([]wire.Version{v1}, []crdt.Splice{{Pos: 1, Insert: "b", Op: crdt.OpInsert}})
	v3 := c.Update([]wire.Version{v2}, []crdt.Splice{{Pos: 2, Insert: "c", Op: crdt.OpInsert}})

	c.mu.Lock()
	c.ackedBoundary[v1] = struct{}{}
	c.ackedBoundary[v2] = struct{}{}
	c.ackedBoundary[v3] = struct{}{}
	c.mu.Unlock()

	if !c.Prune(false) {
		t.Fatal("expected pruning work to be done")
	}
	if got := c.seq.Content(crdt.AlwaysVisible); got != "abc" {
		t.Fatalf("content changed across pruning: %q", got)
	}
}
