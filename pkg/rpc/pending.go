package rpc

import "sync"

// pendingTable maps in-flight promise ids to their promise.
type pendingTable struct {
	lk       sync.Mutex
	promises map[uint64]*Promise
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		promises: make(map[uint64]*Promise),
	}
}

func (pt *pendingTable) insert(p *Promise) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pt.promises[p.ID()] = p
}

// take removes and returns the promise registered under id.
func (pt *pendingTable) take(id uint64) (*Promise, bool) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	p, has := pt.promises[id]
	if has {
		delete(pt.promises, id)
	}
	return p, has
}

// drain empties the table and returns what it contained.
func (pt *pendingTable) drain() []*Promise {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	drained := make([]*Promise, 0, len(pt.promises))
	for id, p := range pt.promises {
		drained = append(drained, p)
		delete(pt.promises, id)
	}
	return drained
}

func (pt *pendingTable) len() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return len(pt.promises)
}
