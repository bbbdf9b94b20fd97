package qcow2

// allocator tracks cluster reclamation. It never touches refcounts
// itself — callers are responsible for stamping a refcount of 1 on
// whatever it hands back.
//
// available holds clusters that are free to reuse immediately.
// pendingUnref holds clusters freed by a COW rotation that are not yet
// safe to reuse: the old cluster is still reachable from an L1/refcount
// root that has not itself been flushed. promotePending moves them into
// available once that root write is durable.
type allocator struct {
	raw          *rawFile
	available    []uint64
	pendingUnref []uint64
}

func newAllocator(raw *rawFile) *allocator {
	return &allocator{raw: raw}
}

// allocate returns a fresh cluster address: popped from available if
// non-empty, otherwise the file is extended by one cluster at EOF.
func (a *allocator) allocate() (uint64, error) {
	if n := len(a.available); n > 0 {
		addr := a.available[n-1]
		a.available = a.available[:n-1]
		return addr, nil
	}
	return a.raw.addClusterEnd()
}

// deferUnref marks addr as freed by a COW rotation but not yet
// reusable: it stays reachable until the root table pointing at its
// replacement is itself durable on disk.
func (a *allocator) deferUnref(addr uint64) {
	a.pendingUnref = append(a.pendingUnref, addr)
}

// promotePending moves every pending-unref cluster into the available
// queue. Called only after the root tables referencing the rotated
// blocks have been written and synced.
func (a *allocator) promotePending() {
	if len(a.pendingUnref) == 0 {
		return
	}
	a.available = append(a.available, a.pendingUnref...)
	a.pendingUnref = nil
}
