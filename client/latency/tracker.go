// Package latency keeps the per-peer round-trip time table.
//
// Tracker does no I/O: the owner asks for due probes on every tick, sends
// them, and reports back completions and drops. It is not safe for
// concurrent use.
package latency

import (
	"sort"
	"time"

	"github.com/adwski/roomsync/client/model"
	"github.com/google/uuid"
)

type (
	Probe struct {
		Peer  model.UserID
		Nonce string
	}

	Tracker struct {
		table       map[model.UserID]time.Duration
		outstanding map[model.UserID]string
		peers       map[model.UserID]struct{}
		running     bool
		nonce       func() string
	}
)

func NewTracker() *Tracker {
	return &Tracker{
		table:       make(map[model.UserID]time.Duration),
		outstanding: make(map[model.UserID]string),
		peers:       make(map[model.UserID]struct{}),
		nonce:       uuid.NewString,
	}
}

func (t *Tracker) Running() bool { return t.running }

// Start begins tracking peers. An empty peer id stands for the server.
func (t *Tracker) Start(peers []model.UserID) {
	t.running = true
	for _, p := range peers {
		t.peers[p] = struct{}{}
	}
}

// Stop clears the table, the peer set and every outstanding probe.
func (t *Tracker) Stop() {
	t.running = false
	clear(t.table)
	clear(t.outstanding)
	clear(t.peers)
}

func (t *Tracker) AddPeer(p model.UserID) {
	if !t.running {
		return
	}
	t.peers[p] = struct{}{}
}

// RemovePeer forgets p together with its latency and outstanding probe.
func (t *Tracker) RemovePeer(p model.UserID) {
	delete(t.peers, p)
	delete(t.table, p)
	delete(t.outstanding, p)
}

// Due returns one new probe for every peer without an outstanding one and
// marks them outstanding.
func (t *Tracker) Due() []Probe {
	if !t.running {
		return nil
	}
	probes := make([]Probe, 0, len(t.peers))
	for p := range t.peers {
		if _, busy := t.outstanding[p]; busy {
			continue
		}
		n := t.nonce()
		t.outstanding[p] = n
		probes = append(probes, Probe{Peer: p, Nonce: n})
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i].Peer < probes[j].Peer })
	return probes
}

// Complete records rtt for a probe. Probes that are no longer outstanding
// are ignored and false is returned.
func (t *Tracker) Complete(p model.UserID, nonce string, rtt time.Duration) bool {
	if !t.matches(p, nonce) {
		return false
	}
	delete(t.outstanding, p)
	if rtt < 0 {
		rtt = 0
	}
	t.table[p] = rtt
	return true
}

// Drop releases a probe that timed out or failed; the previous sample is kept.
func (t *Tracker) Drop(p model.UserID, nonce string) bool {
	if !t.matches(p, nonce) {
		return false
	}
	delete(t.outstanding, p)
	return true
}

func (t *Tracker) matches(p model.UserID, nonce string) bool {
	n, ok := t.outstanding[p]
	return ok && n == nonce
}

func (t *Tracker) Latency(p model.UserID) (time.Duration, bool) {
	d, ok := t.table[p]
	return d, ok
}

// Table returns a copy of the latency table.
func (t *Tracker) Table() map[model.UserID]time.Duration {
	out := make(map[model.UserID]time.Duration, len(t.table))
	for k, v := range t.table {
		out[k] = v
	}
	return out
}

func (t *Tracker) Outstanding() int { return len(t.outstanding) }
