// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import "time"

// pendingCommand is a transmitted frame awaiting its ACK
type pendingCommand struct {
	seq     uint8
	rqid    uint16
	frame   []byte
	retries int
	timer   *time.Timer
	gen     uint64 // bumped on every arm; stale timer fires are ignored
	call    *Call
}

func (p *pendingCommand) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
}

// pendingTable holds pending commands keyed by sequence id
type pendingTable struct {
	entries map[uint8]*pendingCommand
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint8]*pendingCommand)}
}

func (t *pendingTable) add(p *pendingCommand) {
	t.entries[p.seq] = p
}

func (t *pendingTable) get(seq uint8) *pendingCommand {
	return t.entries[seq]
}

// remove deletes p if it is still the entry for its sequence id
func (t *pendingTable) remove(p *pendingCommand) bool {
	if t.entries[p.seq] != p {
		return false
	}
	delete(t.entries, p.seq)
	p.stopTimer()
	return true
}

func (t *pendingTable) seqInUse(id uint16) bool {
	_, ok := t.entries[uint8(id)]
	return ok
}

func (t *pendingTable) reqInUse(id uint16) bool {
	for _, p := range t.entries {
		if p.rqid == id {
			return true
		}
	}
	return false
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

// drain removes every entry, stopping its timer, and returns them
func (t *pendingTable) drain() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(t.entries))
	for seq, p := range t.entries {
		p.stopTimer()
		delete(t.entries, seq)
		out = append(out, p)
	}
	return out
}
