package torrent

import (
	"sync"
	"time"
)

// peerEntry is one address's worth of state (spec.md §3's Peer enum), tracked regardless of
// whether a connection currently exists.
type peerEntry struct {
	addr  string
	state PeerState

	conn *PeerConn // non-nil only while state == PeerLive or PeerConnecting

	connectFailures int
	lastBackoff     time.Duration
	nextAttemptAt   time.Time
}

// PeerSet is the per-torrent authority over known addresses and their connections: a map guarded
// by one mutex. It keeps no aggregate per-state counters. It deduplicates addresses from the
// peer-source stream and drives Queued -> Connecting -> Live/Dead/NotNeeded transitions.
type PeerSet struct {
	mu      sync.Mutex
	byAddr  map[string]*peerEntry
	backoff Backoff
}

func NewPeerSet(backoff Backoff) *PeerSet {
	return &PeerSet{byAddr: make(map[string]*peerEntry), backoff: backoff}
}

// AddAddr registers addr if unseen, leaving existing entries untouched (the peer-source stream
// may repeat addresses; spec.md §6.4 "duplicates are permitted, the peer set deduplicates").
func (s *PeerSet) AddAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddr[addr]; ok {
		return
	}
	s.byAddr[addr] = &peerEntry{addr: addr, state: PeerQueued}
}

// DialableAddrs returns addresses currently eligible for a connection attempt: Queued, or Dead
// past their backoff deadline.
func (s *PeerSet) DialableAddrs(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for addr, e := range s.byAddr {
		switch e.state {
		case PeerQueued:
			out = append(out, addr)
		case PeerDead:
			if !e.nextAttemptAt.After(now) {
				out = append(out, addr)
			}
		}
	}
	return out
}

// MarkConnecting transitions addr to Connecting, or reports false if it's not eligible (e.g.
// already live, or someone else raced to connect first).
func (s *PeerSet) MarkConnecting(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byAddr[addr]
	if !ok {
		e = &peerEntry{addr: addr}
		s.byAddr[addr] = e
	}
	if e.state == PeerLive || e.state == PeerConnecting {
		return false
	}
	e.state = PeerConnecting
	return true
}

// MarkLive transitions addr to Live with the given connection.
func (s *PeerSet) MarkLive(addr string, conn *PeerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byAddr[addr]
	if !ok {
		e = &peerEntry{addr: addr}
		s.byAddr[addr] = e
	}
	e.state = PeerLive
	e.conn = conn
	e.connectFailures = 0
	e.lastBackoff = 0
}

// MarkConnectFailed records a dial failure and schedules the next retry via the backoff policy
// (by default initial 10s, x6, cap 1h). After maxFailures consecutive failures the peer becomes
// NotNeeded; elapsed time is not checked, so Backoff.GiveUp plays no part here.
func (s *PeerSet) MarkConnectFailed(addr string, now time.Time, maxFailures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byAddr[addr]
	if !ok {
		return
	}
	e.connectFailures++
	e.conn = nil
	if e.connectFailures >= maxFailures {
		e.state = PeerNotNeeded
		return
	}
	e.lastBackoff = s.backoff.Next(e.lastBackoff)
	e.state = PeerDead
	e.nextAttemptAt = now.Add(e.lastBackoff)
}

// MarkDisconnected transitions a Live peer back to Dead (clean or unclean EOF, spec.md §7
// PeerDisconnected: "peer -> Dead, may retry later").
func (s *PeerSet) MarkDisconnected(addr string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byAddr[addr]
	if !ok {
		return
	}
	e.conn = nil
	e.lastBackoff = s.backoff.Next(e.lastBackoff)
	e.state = PeerDead
	e.nextAttemptAt = now.Add(e.lastBackoff)
}

// MarkNotNeeded moves addr out of the reconnect rotation: we have every piece the peer has and
// it's not interested in us (spec.md §4.3 Interest maintenance).
func (s *PeerSet) MarkNotNeeded(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byAddr[addr]; ok {
		e.state = PeerNotNeeded
		e.conn = nil
	}
}

// LiveConns returns every currently live connection, a snapshot safe to iterate without holding
// the set's lock.
func (s *PeerSet) LiveConns() []*PeerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PeerConn
	for _, e := range s.byAddr {
		if e.state == PeerLive && e.conn != nil {
			out = append(out, e.conn)
		}
	}
	return out
}

// State returns addr's current state, or PeerQueued (the zero value) if never seen.
func (s *PeerSet) State(addr string) PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byAddr[addr]; ok {
		return e.state
	}
	return PeerQueued
}

// Len reports how many addresses are tracked, live or not.
func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddr)
}
