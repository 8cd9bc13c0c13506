// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

type waitResult struct {
	data []byte
	err  error
}

// waitingRequest is a caller blocked in GetResponse
type waitingRequest struct {
	rqid      uint16
	seq       uint8
	sequenced bool
	result    chan waitResult
}

func newWaitingRequest(rqid uint16, seq uint8, sequenced bool) *waitingRequest {
	return &waitingRequest{
		rqid:      rqid,
		seq:       seq,
		sequenced: sequenced,
		result:    make(chan waitResult, 1),
	}
}

// resolve never blocks; a waiter is resolved at most once because it is
// removed from the registry first
func (w *waitingRequest) resolve(data []byte, err error) {
	select {
	case w.result <- waitResult{data: data, err: err}:
	default:
	}
}

// waitRegistry maps request ids to waiting callers
type waitRegistry struct {
	entries map[uint16]*waitingRequest
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{entries: make(map[uint16]*waitingRequest)}
}

func (r *waitRegistry) add(w *waitingRequest) {
	r.entries[w.rqid] = w
}

// take removes and returns the waiter for rqid
func (r *waitRegistry) take(rqid uint16) *waitingRequest {
	w, ok := r.entries[rqid]
	if !ok {
		return nil
	}
	delete(r.entries, rqid)
	return w
}

// remove deletes w if it is still registered
func (r *waitRegistry) remove(w *waitingRequest) bool {
	if r.entries[w.rqid] != w {
		return false
	}
	delete(r.entries, w.rqid)
	return true
}

func (r *waitRegistry) inUse(id uint16) bool {
	_, ok := r.entries[id]
	return ok
}

func (r *waitRegistry) len() int {
	return len(r.entries)
}

func (r *waitRegistry) drain() []*waitingRequest {
	out := make([]*waitingRequest, 0, len(r.entries))
	for id, w := range r.entries {
		delete(r.entries, id)
		out = append(out, w)
	}
	return out
}
