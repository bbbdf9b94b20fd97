package qcow2

import "fmt"

// l1Index returns the index into the L1 table for a guest address.
func (img *Image) l1Index(address uint64) uint64 {
	return (address / img.clusterSize) / img.l2Entries
}

// l2Index returns the index into an L2 table for a guest address.
func (img *Image) l2Index(address uint64) uint64 {
	return (address / img.clusterSize) % img.l2Entries
}

// loadL2 returns the L2 table for l1Idx, loading it from disk into the
// cache on first touch. The returned entry is shared with the cache;
// callers that mutate it must call img.l2Cache.markDirty(l1Idx).
func (img *Image) loadL2(l1Idx uint64) (*blockEntry[uint64], error) {
	if e := img.l2Cache.get(l1Idx); e != nil {
		return e, nil
	}

	l2Addr := img.l1Table[l1Idx] & offsetMask
	var table []uint64
	if l2Addr == 0 {
		table = make([]uint64, img.l2Entries)
	} else {
		var err error
		table, err = img.raw.readPointerCluster(l2Addr, offsetMask|L2EntryCompressed|ClusterUsedFlag)
		if err != nil {
			return nil, fmt.Errorf("qcow2: reading L2 table at 0x%x: %w", l2Addr, err)
		}
	}

	ev := img.l2Cache.insert(l1Idx, table, l1Idx)
	if ev.ok && ev.entry.dirty {
		if err := img.flushL2Rotation(ev.idx, ev.entry); err != nil {
			return nil, err
		}
	}
	return img.l2Cache.get(l1Idx), nil
}

// translateRead resolves address to a host cluster offset for reading.
// ok is false when the cluster is unallocated (the caller must treat the
// read as all-zero); it is never true alongside a non-nil error.
func (img *Image) translateRead(address uint64) (hostOffset uint64, ok bool, err error) {
	if address >= img.virtualSize {
		return 0, false, fmt.Errorf("%w: 0x%x", ErrInvalidOffset, address)
	}

	l1Idx := img.l1Index(address)
	if l1Idx >= uint64(len(img.l1Table)) {
		return 0, false, nil
	}
	if img.l1Table[l1Idx]&L2EntryCompressed != 0 {
		return 0, false, ErrCompressedBlocksNotSupported
	}
	if img.l1Table[l1Idx]&offsetMask == 0 {
		return 0, false, nil
	}

	l2, err := img.loadL2(l1Idx)
	if err != nil {
		return 0, false, err
	}

	entry := l2.addrs[img.l2Index(address)]
	if entry&L2EntryCompressed != 0 {
		return 0, false, ErrCompressedBlocksNotSupported
	}
	clusterAddr := entry & offsetMask
	if clusterAddr == 0 {
		return 0, false, nil
	}
	return clusterAddr | img.raw.clusterOffset(address), true, nil
}

// translateWrite resolves address to a host cluster offset for writing,
// allocating an L2 table and/or a data cluster on first touch, and
// rotating the owning L2 table to a fresh cluster via copy-on-write if
// it is not already dirty in the cache.
func (img *Image) translateWrite(address uint64) (uint64, error) {
	if address >= img.virtualSize {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidOffset, address)
	}

	l1Idx := img.l1Index(address)
	if l1Idx >= uint64(len(img.l1Table)) {
		return 0, fmt.Errorf("%w: L1 index %d out of range", ErrInvalidOffset, l1Idx)
	}

	if img.l1Table[l1Idx]&L2EntryCompressed != 0 {
		return 0, ErrCompressedBlocksNotSupported
	}

	needNewL2 := img.l1Table[l1Idx]&offsetMask == 0
	l2, err := img.loadL2(l1Idx)
	if err != nil {
		return 0, err
	}

	if needNewL2 {
		newAddr, err := img.allocateL2Cluster()
		if err != nil {
			return 0, err
		}
		img.l1Table[l1Idx] = newAddr | ClusterUsedFlag
		img.l1Dirty = true
		img.l2Cache.markDirty(l1Idx)
	} else if !l2.dirty {
		if err := img.rotateL2(l1Idx, l2); err != nil {
			return 0, err
		}
	}

	l2Idx := img.l2Index(address)
	clusterAddr := l2.addrs[l2Idx] & offsetMask
	if clusterAddr == 0 || l2.addrs[l2Idx]&L2EntryCompressed != 0 {
		if l2.addrs[l2Idx]&L2EntryCompressed != 0 {
			return 0, ErrCompressedBlocksNotSupported
		}
		newAddr, err := img.allocateDataCluster()
		if err != nil {
			return 0, err
		}
		l2.addrs[l2Idx] = newAddr
		img.l2Cache.markDirty(l1Idx)
		clusterAddr = newAddr
	}

	return clusterAddr | img.raw.clusterOffset(address), nil
}

// rotateL2 moves a clean cached L2 table to a freshly allocated cluster,
// defers the old cluster for reclamation, and repoints the in-memory L1
// entry. The new cluster is not yet durable; the rotation is only safe
// once img.Flush writes both the new L2 cluster and the repointed L1
// root in the correct order.
func (img *Image) rotateL2(l1Idx uint64, l2 *blockEntry[uint64]) error {
	oldAddr := img.l1Table[l1Idx] & offsetMask
	newAddr, err := img.allocateL2Cluster()
	if err != nil {
		return err
	}
	if err := img.setRefcount(oldAddr, 0); err != nil {
		return err
	}
	img.alloc.deferUnref(oldAddr)
	img.l1Table[l1Idx] = newAddr | ClusterUsedFlag
	img.l1Dirty = true
	img.l2Cache.markDirty(l1Idx)
	return nil
}

// flushL2Rotation writes a dirty L2 table evicted from the cache to its
// current on-disk address before it is dropped from memory. It does not
// sync; the next Flush syncs it before rewriting the L1 root.
func (img *Image) flushL2Rotation(l1Idx uint64, l2 *blockEntry[uint64]) error {
	addr := img.l1Table[l1Idx] & offsetMask
	if addr == 0 {
		return fmt.Errorf("qcow2: evicted L2 table %d has no backing cluster", l1Idx)
	}
	if err := img.raw.writePointerTable(addr, l2.addrs, ClusterUsedFlag); err != nil {
		return fmt.Errorf("qcow2: flushing evicted L2 table at 0x%x: %w", addr, err)
	}
	return nil
}

// allocateL2Cluster allocates a new cluster for an L2 table and stamps
// its refcount to 1.
func (img *Image) allocateL2Cluster() (uint64, error) {
	addr, err := img.alloc.allocate()
	if err != nil {
		return 0, fmt.Errorf("qcow2: allocating L2 cluster: %w", err)
	}
	if err := img.setRefcount(addr, 1); err != nil {
		return 0, err
	}
	return addr, nil
}

// allocateDataCluster allocates a new data cluster and stamps its
// refcount to 1.
func (img *Image) allocateDataCluster() (uint64, error) {
	addr, err := img.alloc.allocate()
	if err != nil {
		return 0, fmt.Errorf("qcow2: allocating data cluster: %w", err)
	}
	if err := img.setRefcount(addr, 1); err != nil {
		return 0, err
	}
	return addr, nil
}
