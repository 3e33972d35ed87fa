// Package antimatter implements the antimatter coordinator (C4):
// per-resource peer coordination layered over a
// pruneable CRDT. It tracks the version DAG and frontier, drives the
// three-phase ackme acknowledgement protocol that determines when a
// version is safe to prune, and records fissures (broken-connection
// frontier snapshots) so pruning never discards history a disconnected
// peer still needs to resynchronize.
package antimatter

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/crdt"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/wire"
)

// seenExpectedElements and seenFalsePositiveRate size the per-resource
// Bloom filter that dedups replayed Update/Ack messages. One filter
// guards a single resource's connections, so it can stay small.
const (
	seenExpectedElements  = 4096
	seenFalsePositiveRate = 0.01
	seenResetInterval     = time.Hour
)

// initialAckmeWait is the timeout for an ackme round before any acks
// have returned; once the EWMA estimates have data the wait is derived
// from them instead.
const initialAckmeWait = 2000 * time.Millisecond

// minAckmeWait bounds how far the derived timeout can shrink, so a
// burst of fast local acks doesn't start cancelling rounds that merely
// cross a slow link.
const minAckmeWait = time.Second

var log = logging.For("antimatter")

// ConnID identifies one peer connection.
type ConnID string

// PeerID identifies a peer.
type PeerID string

// ConnState is the per-connection bookkeeping kept once a connection
// has completed the Subscribe/Welcome handshake.
type ConnState struct {
	Peer PeerID
	Seq  int64 // registration sequence number, used to gate global acks
}

// Fissure records that at the moment a connection broke, peer A's
// frontier included Versions.
type Fissure struct {
	A, B     PeerID
	Conn     ConnID
	Versions map[wire.Version]struct{}
	Time     time.Time
}

// Ackme is one in-flight acknowledgement round of the pruning
// protocol.
type Ackme struct {
	ID        string
	Origin    ConnID
	IsOrigin  bool
	Count     int
	OrigCount int
	Versions  map[wire.Version]bool
	Seq       int64
	Time      time.Time
	Time2     time.Time
	RealAckme bool
	Cancelled bool
}

// Bubble is a pruneable contiguous DAG region, same shape as
// crdt.Bubble.
type Bubble = crdt.Bubble

// Message is the antimatter wire-level dispatch envelope. Exactly one
// of the payload fields is populated per Kind.
type Message struct {
	Kind MessageKind

	Conn    ConnID
	Parents []wire.Version

	Peer     PeerID
	Versions []wire.Version
	Fissures []Fissure

	Version  wire.Version
	Patches  []crdt.Splice
	AckmeID  string
	AckmeVer map[wire.Version]bool

	Seen string // "local" | "global", for Kind == MsgAck

	Fissure *Fissure
}

type MessageKind int

const (
	MsgSubscribe MessageKind = iota
	MsgWelcome
	MsgUpdate
	MsgAck
	MsgFissure
)

// SendFunc delivers a Message to one connection; the coordinator never
// holds transport details itself.
type SendFunc func(conn ConnID, msg Message)

// Coordinator is one antimatter instance, one per synchronized
// resource.
type Coordinator struct {
	mu sync.Mutex

	ID PeerID

	seq          *crdt.Sequence
	conns        map[ConnID]ConnState
	protoConns   map[ConnID]struct{}
	connPeer     map[ConnID]PeerID
	versionGraph map[wire.Version]map[wire.Version]struct{} // child -> parents
	frontier     map[wire.Version]bool

	fissures map[string]Fissure
	ackmes   map[string]*Ackme
	ackmeMap map[wire.Version]string // version -> ackme id awaiting local ack

	ackedBoundary map[wire.Version]struct{}

	connCount int64

	ackmeTimeEst1        float64 // EWMA of local-ack round trip, ms
	ackmeTimeEst2        float64 // EWMA of global-ack round trip, ms
	ackmeCurrentWaitTime time.Duration

	// seenFilter dedups replayed Update/Ack messages: a connection
	// that retransmits a frame we have already processed (common
	// after a reconnect mid-subscribe) is
	// dropped before it touches the CRDT or the ackme state machine.
	seenFilter  *bloom.BloomFilter
	seenResetAt time.Time

	sendCB SendFunc
}

// New creates a coordinator for peer id, wrapping the given sequence
// CRDT (nil creates an empty one).
func New(id PeerID, seq *crdt.Sequence, sendCB SendFunc) *Coordinator {
	if seq == nil {
		seq = crdt.NewSequence()
	}
	return &Coordinator{
		ID:                   id,
		seq:                  seq,
		conns:                map[ConnID]ConnState{},
		protoConns:           map[ConnID]struct{}{},
		connPeer:             map[ConnID]PeerID{},
		versionGraph:         map[wire.Version]map[wire.Version]struct{}{},
		frontier:             map[wire.Version]bool{},
		fissures:             map[string]Fissure{},
		ackmes:               map[string]*Ackme{},
		ackmeMap:             map[wire.Version]string{},
		ackedBoundary:        map[wire.Version]struct{}{},
		ackmeCurrentWaitTime: initialAckmeWait,
		seenFilter:           bloom.NewWithEstimates(seenExpectedElements, seenFalsePositiveRate),
		seenResetAt:          time.Now(),
		sendCB:               sendCB,
	}
}

// markSeenLocked reports whether key has already been observed on this
// coordinator, recording it if not. Must be called with c.mu held.
// Periodically resets the filter (it supports no deletion) so
// long-lived resources don't saturate it into always-positive.
func (c *Coordinator) markSeenLocked(key string) bool {
	if time.Since(c.seenResetAt) > seenResetInterval {
		c.seenFilter = bloom.NewWithEstimates(seenExpectedElements, seenFalsePositiveRate)
		c.seenResetAt = time.Now()
	}
	b := []byte(key)
	if c.seenFilter.Test(b) {
		return true
	}
	c.seenFilter.Add(b)
	return false
}

// Frontier returns the current set of heads.
func (c *Coordinator) Frontier() []wire.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Version, 0, len(c.frontier))
	for v, present := range c.frontier {
		if present {
			out = append(out, v)
		}
	}
	return out
}

// Subscribe registers conn as a protocol-handshake-in-progress
// connection and emits a Subscribe message carrying the current
// frontier.
func (c *Coordinator) Subscribe(conn ConnID, peer PeerID) {
	c.mu.Lock()
	c.protoConns[conn] = struct{}{}
	c.connPeer[conn] = peer
	parents := c.frontierLocked()
	c.mu.Unlock()

	c.send(conn, Message{Kind: MsgSubscribe, Conn: conn, Parents: parents, Peer: c.ID2Peer()})
}

func (c *Coordinator) ID2Peer() PeerID { return c.ID }

func (c *Coordinator) frontierLocked() []wire.Version {
	out := make([]wire.Version, 0, len(c.frontier))
	for v, present := range c.frontier {
		if present {
			out = append(out, v)
		}
	}
	return out
}

// Disconnect removes connection state. If createFissure is set and
// the peer is known, a fissure recording the current frontier is
// stored keyed "{self}:{peer}:{conn}".
func (c *Coordinator) Disconnect(conn ConnID, createFissure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, known := c.connPeer[conn]
	delete(c.conns, conn)
	delete(c.protoConns, conn)
	delete(c.connPeer, conn)
	if createFissure && known {
		versions := map[wire.Version]struct{}{}
		for v, present := range c.frontier {
			if present {
				versions[v] = struct{}{}
			}
		}
		key := fmt.Sprintf("%s:%s:%s", c.ID, peer, conn)
		c.fissures[key] = Fissure{A: c.ID, B: peer, Conn: conn, Versions: versions, Time: time.Now()}
	}
}

// Update mints a new version from patches, applies it locally, and
// returns the version for the caller to broadcast.
// The accompanying ackme round is started via StartAckme by the
// caller once the Update has actually been sent to peers.
func (c *Coordinator) Update(parents []wire.Version, patches []crdt.Splice) wire.Version {
	v := wire.Version(uuid.NewString())
	c.mu.Lock()
	ancestor := c.ancestorPredicateLocked(parents)
	c.seq.AddVersion(v, patches, ancestor)
	c.recordVersionLocked(v, parents)
	c.mu.Unlock()
	return v
}

func (c *Coordinator) recordVersionLocked(v wire.Version, parents []wire.Version) {
	parentSet := map[wire.Version]struct{}{}
	for _, p := range parents {
		if p == "" || p == "ROOT" {
			continue
		}
		parentSet[p] = struct{}{}
		delete(c.frontier, p)
	}
	c.versionGraph[v] = parentSet
	c.frontier[v] = true
}

func (c *Coordinator) ancestorPredicateLocked(parents []wire.Version) crdt.Visible {
	seen := map[wire.Version]struct{}{}
	var walk func(wire.Version)
	walk = func(v wire.Version) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		for p := range c.versionGraph[v] {
			walk(p)
		}
	}
	for _, p := range parents {
		if p == "" || p == "ROOT" {
			continue
		}
		walk(p)
	}
	return func(v wire.Version) bool {
		_, ok := seen[v]
		return ok
	}
}

// Receive dispatches an incoming Message and returns the rebased
// patches applied to T as a result, if any.
func (c *Coordinator) Receive(from ConnID, msg Message) ([]crdt.Splice, error) {
	switch msg.Kind {
	case MsgSubscribe:
		c.mu.Lock()
		c.protoConns[from] = struct{}{}
		c.connPeer[from] = msg.Peer
		fissures := make([]Fissure, 0, len(c.fissures))
		for _, f := range c.fissures {
			fissures = append(fissures, f)
		}
		parents := c.frontierLocked()
		c.mu.Unlock()
		c.send(from, Message{Kind: MsgWelcome, Conn: from, Fissures: fissures, Parents: parents, Peer: c.ID})
		return nil, nil

	case MsgWelcome:
		c.mu.Lock()
		delete(c.protoConns, from)
		c.connCount++
		c.conns[from] = ConnState{Peer: msg.Peer, Seq: c.connCount}
		for _, f := range msg.Fissures {
			key := fmt.Sprintf("%s:%s:%s", f.A, f.B, f.Conn)
			c.fissures[key] = f
		}
		c.mu.Unlock()
		return nil, nil

	case MsgUpdate:
		c.mu.Lock()
		dup := c.markSeenLocked("update:" + string(msg.Version))
		c.mu.Unlock()
		if dup {
			log.WithField("version", msg.Version).Debug("dropping replayed update")
			return nil, nil
		}
		for _, parent := range msg.Parents {
			if parent == "" || parent == "ROOT" {
				continue
			}
			c.mu.Lock()
			_, known := c.versionGraph[parent]
			c.mu.Unlock()
			if !known {
				return nil, braiderr.UnknownParent(string(parent))
			}
		}
		c.mu.Lock()
		ancestor := c.ancestorPredicateLocked(msg.Parents)
		rebased := c.seq.AddVersion(msg.Version, msg.Patches, ancestor)
		c.recordVersionLocked(msg.Version, msg.Parents)
		c.mu.Unlock()
		if msg.AckmeID != "" {
			c.driveAckmeLocalPhase(msg.AckmeID, msg.AckmeVer, from)
		}
		return rebased, nil

	case MsgAck:
		c.mu.Lock()
		dup := c.markSeenLocked("ack:" + msg.Seen + ":" + msg.AckmeID)
		c.mu.Unlock()
		if dup {
			return nil, nil
		}
		switch msg.Seen {
		case "local":
			c.onLocalAck(msg.AckmeID)
		case "global":
			c.addFullAckLeaves(msg.AckmeID, versionSet(msg.Versions))
		}
		return nil, nil

	case MsgFissure:
		c.mu.Lock()
		if msg.Fissure != nil {
			key := fmt.Sprintf("%s:%s:%s", msg.Fissure.A, msg.Fissure.B, msg.Fissure.Conn)
			c.fissures[key] = *msg.Fissure
		}
		for _, f := range msg.Fissures {
			key := fmt.Sprintf("%s:%s:%s", f.A, f.B, f.Conn)
			c.fissures[key] = f
		}
		c.mu.Unlock()
		return nil, nil
	}
	return nil, braiderr.Malformed("unknown antimatter message kind")
}

func versionSet(vs []wire.Version) map[wire.Version]bool {
	m := make(map[wire.Version]bool, len(vs))
	for _, v := range vs {
		m[v] = true
	}
	return m
}

func (c *Coordinator) send(conn ConnID, msg Message) {
	if c.sendCB != nil {
		c.sendCB(conn, msg)
	}
}

// StartAckme begins a new acknowledgement round for the given
// versions, initiated by this peer as origin.
func (c *Coordinator) StartAckme(versions []wire.Version) *Ackme {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.conns)
	a := &Ackme{
		ID:        uuid.NewString(),
		IsOrigin:  true,
		Count:     count,
		OrigCount: count,
		Versions:  versionSet(versions),
		Seq:       c.connCount,
		Time:      time.Now(),
		RealAckme: true,
	}
	c.ackmes[a.ID] = a
	for v := range a.Versions {
		c.ackmeMap[v] = a.ID
	}
	if count == 0 {
		c.goGlobalLocked(a)
	}
	return a
}

// driveAckmeLocalPhase handles phase 1 for a non-origin peer that just
// applied an Update carrying an ackme.
func (c *Coordinator) driveAckmeLocalPhase(ackmeID string, versions map[wire.Version]bool, origin ConnID) {
	c.mu.Lock()
	a, ok := c.ackmes[ackmeID]
	if !ok {
		a = &Ackme{ID: ackmeID, Origin: origin, Versions: versions, Time: time.Now(), RealAckme: true}
		c.ackmes[ackmeID] = a
	}
	a.Count--
	done := a.Count <= 0
	c.mu.Unlock()

	if !done {
		return
	}
	start := a.Time
	c.updateEWMA1(time.Since(start))
	c.send(origin, Message{Kind: MsgAck, Seen: "local", AckmeID: ackmeID, Versions: versionsOf(versions)})
}

func versionsOf(m map[wire.Version]bool) []wire.Version {
	out := make([]wire.Version, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	return out
}

func (c *Coordinator) onLocalAck(ackmeID string) {
	c.mu.Lock()
	a, ok := c.ackmes[ackmeID]
	if !ok || !a.IsOrigin {
		c.mu.Unlock()
		return
	}
	a.Count--
	ready := a.Count <= 0
	c.mu.Unlock()
	if ready {
		c.mu.Lock()
		c.goGlobalLocked(a)
		c.mu.Unlock()
	}
}

// goGlobalLocked must be called with c.mu held.
func (c *Coordinator) goGlobalLocked(a *Ackme) {
	a.Time2 = time.Now()
	c.updateEWMA2Locked(a.Time2.Sub(a.Time))
	// Only connections registered before the ackme was minted took
	// part in the round; later joiners learn the boundary from the
	// Welcome handshake instead.
	for conn, state := range c.conns {
		if state.Seq > a.Seq {
			continue
		}
		c.send(conn, Message{Kind: MsgAck, Seen: "global", AckmeID: a.ID, Versions: versionsOf(a.Versions)})
	}
	c.addFullAckLeavesLocked(a.ID, a.Versions)
}

func (c *Coordinator) updateEWMA1(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackmeTimeEst1 = ewma(c.ackmeTimeEst1, float64(d.Milliseconds()), 0.1)
	c.recomputeAckmeWaitLocked()
}

// updateEWMA2Locked must be called with c.mu held.
func (c *Coordinator) updateEWMA2Locked(d time.Duration) {
	c.ackmeTimeEst2 = ewma(c.ackmeTimeEst2, float64(d.Milliseconds()), 0.1)
	c.recomputeAckmeWaitLocked()
}

// recomputeAckmeWaitLocked derives ackmeCurrentWaitTime from the two
// EWMA round-trip estimates: four times their sum, bounded below by
// minAckmeWait. Until either estimate has data the initial wait
// stands. Must be called with c.mu held.
func (c *Coordinator) recomputeAckmeWaitLocked() {
	est := c.ackmeTimeEst1 + c.ackmeTimeEst2
	if est <= 0 {
		return
	}
	wait := time.Duration(4*est) * time.Millisecond
	if wait < minAckmeWait {
		wait = minAckmeWait
	}
	c.ackmeCurrentWaitTime = wait
}

func ewma(prev, sample, weight float64) float64 {
	if prev == 0 {
		return sample
	}
	return weight*sample + (1-weight)*prev
}

// addFullAckLeaves is phase 3: it walks the DAG upwards from each
// seed version, removing traversed versions from the acked boundary
// and then inserting the seed version, then attempts a non-destructive
// prune.
func (c *Coordinator) addFullAckLeaves(ackmeID string, versions map[wire.Version]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addFullAckLeavesLocked(ackmeID, versions)
}

func (c *Coordinator) addFullAckLeavesLocked(ackmeID string, versions map[wire.Version]bool) {
	for v := range versions {
		c.walkAndMarkBoundaryLocked(v)
	}
	delete(c.ackmes, ackmeID)
	c.pruneLocked(false)
}

func (c *Coordinator) walkAndMarkBoundaryLocked(v wire.Version) {
	var walk func(wire.Version)
	seen := map[wire.Version]struct{}{}
	walk = func(cur wire.Version) {
		if _, ok := seen[cur]; ok {
			return
		}
		seen[cur] = struct{}{}
		delete(c.ackedBoundary, cur)
		for p := range c.versionGraph[cur] {
			walk(p)
		}
	}
	walk(v)
	c.ackedBoundary[v] = struct{}{}
}

// CheckAckmeTimeouts cancels any ackme whose wait has exceeded
// ackme_current_wait_time and runs a non-destructive prune to reclaim
// what is provably safe.
func (c *Coordinator) CheckAckmeTimeouts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, a := range c.ackmes {
		if a.Cancelled {
			continue
		}
		if now.Sub(a.Time) > c.ackmeCurrentWaitTime {
			a.Cancelled = true
			delete(c.ackmes, id)
			log.WithField("ackme", id).Warn("ackme round timed out, cancelling")
			c.pruneLocked(false)
		}
	}
}

// Prune computes the set of bubbleable versions and, unless
// justChecking, applies the resulting bubbles to T via ApplyBubbles.
// It returns whether any pruning work was (or could be) done.
func (c *Coordinator) Prune(justChecking bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(justChecking)
}

func (c *Coordinator) pruneLocked(justChecking bool) bool {
	fissureVersions := map[wire.Version]struct{}{}
	for _, f := range c.fissures {
		for v := range f.Versions {
			fissureVersions[v] = struct{}{}
		}
	}

	eligible := map[wire.Version]struct{}{}
	for v := range c.ackedBoundary {
		if _, mentioned := fissureVersions[v]; mentioned {
			continue
		}
		eligible[v] = struct{}{}
	}
	if len(eligible) == 0 {
		return false
	}
	if justChecking {
		return true
	}

	bubbles := computeContiguousBubbles(c.versionGraph, eligible)
	if len(bubbles) == 0 {
		return false
	}
	c.seq.ApplyBubbles(bubbles)

	c.retireStaleFissuresLocked()
	return true
}

// retireStaleFissuresLocked drops any fissure whose versions are all
// already present in acked_boundary: the peer has since reconnected
// and acknowledged the boundary, so the fissure is no longer load
// bearing.
func (c *Coordinator) retireStaleFissuresLocked() {
	for key, f := range c.fissures {
		allAcked := true
		for v := range f.Versions {
			if _, ok := c.ackedBoundary[v]; !ok {
				allAcked = false
				break
			}
		}
		if allAcked {
			delete(c.fissures, key)
		}
	}
}

// computeContiguousBubbles groups the eligible version set into
// maximal runs along single-parent/single-child chains of the DAG,
// each becoming one bubble {old -> (bottom, top)}. Versions with
// fan-in/fan-out (merge or fork points) always start a new bubble,
// since a bubble must have exactly one bottom and one top.
func computeContiguousBubbles(graph map[wire.Version]map[wire.Version]struct{}, eligible map[wire.Version]struct{}) map[wire.Version]Bubble {
	childCount := map[wire.Version]int{}
	for child, parents := range graph {
		if _, ok := eligible[child]; !ok {
			continue
		}
		for p := range parents {
			childCount[p]++
		}
	}

	visited := map[wire.Version]struct{}{}
	out := map[wire.Version]Bubble{}

	for v := range eligible {
		if _, ok := visited[v]; ok {
			continue
		}
		// Walk towards parents while the single-parent, single-child
		// chain condition holds, to find the bottom.
		bottom := v
		members := map[wire.Version]struct{}{v: {}}
		for {
			parents := graph[bottom]
			if len(parents) != 1 {
				break
			}
			var onlyParent wire.Version
			for p := range parents {
				onlyParent = p
			}
			if _, ok := eligible[onlyParent]; !ok {
				break
			}
			if childCount[onlyParent] != 1 {
				break
			}
			bottom = onlyParent
			members[bottom] = struct{}{}
		}
		// Walk upward (towards the version that has exactly one
		// eligible child) to find the top of this chain.
		top := v
		cur := v
		for {
			kids := childrenOf(graph, cur)
			if len(kids) != 1 {
				break
			}
			child := kids[0]
			if _, ok := eligible[child]; !ok {
				break
			}
			if len(graph[child]) != 1 {
				break
			}
			cur = child
			top = cur
			members[cur] = struct{}{}
		}
		for m := range members {
			visited[m] = struct{}{}
			out[m] = Bubble{Bottom: bottom, Top: top}
		}
	}
	return out
}

func childrenOf(graph map[wire.Version]map[wire.Version]struct{}, parent wire.Version) []wire.Version {
	var out []wire.Version
	for child, parents := range graph {
		if _, ok := parents[parent]; ok {
			out = append(out, child)
		}
	}
	return out
}
