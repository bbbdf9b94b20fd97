package qcow2

import "fmt"

// refcountBlockIndex returns the index into the refcount table for the
// refcount block covering addr.
func (img *Image) refcountBlockIndex(addr uint64) uint64 {
	return (addr / img.clusterSize) / img.rcEntries
}

// refcountEntryIndex returns addr's index within its refcount block.
func (img *Image) refcountEntryIndex(addr uint64) uint64 {
	return (addr / img.clusterSize) % img.rcEntries
}

// loadRefcountBlock returns the refcount block at refcount-table index
// blockIdx, loading it
// from disk into the cache on first touch. Mutators must call
// img.rcCache.markDirty(blockIdx) after writing through the returned
// entry.
func (img *Image) loadRefcountBlock(blockIdx uint64) (*blockEntry[uint16], error) {
	if e := img.rcCache.get(blockIdx); e != nil {
		return e, nil
	}

	blockAddr := uint64(0)
	if blockIdx < uint64(len(img.refcountTable)) {
		blockAddr = img.refcountTable[blockIdx] & offsetMask
	}

	var counts []uint16
	if blockAddr == 0 {
		counts = make([]uint16, img.rcEntries)
	} else {
		var err error
		counts, err = img.raw.readRefcountBlock(blockAddr)
		if err != nil {
			return nil, fmt.Errorf("qcow2: reading refcount block at 0x%x: %w", blockAddr, err)
		}
	}

	ev := img.rcCache.insert(blockIdx, counts, blockIdx)
	if ev.ok && ev.entry.dirty {
		if err := img.flushRefcountRotation(ev.idx, ev.entry); err != nil {
			return nil, err
		}
	}
	return img.rcCache.get(blockIdx), nil
}

// getRefcount returns the current refcount of the cluster at addr.
func (img *Image) getRefcount(addr uint64) (uint16, error) {
	blockIdx := img.refcountBlockIndex(addr)
	block, err := img.loadRefcountBlock(blockIdx)
	if err != nil {
		return 0, err
	}
	return block.addrs[img.refcountEntryIndex(addr)], nil
}

// setRefcount sets the refcount of the cluster at addr to count,
// rotating the owning refcount block to a fresh cluster via
// copy-on-write if it is not already dirty in the cache.
//
// Allocating the rotated block's replacement cluster itself needs a
// refcount of 1 stamped on it, which recurses into setRefcount once;
// that recursive call lands on a block that is either already dirty
// (no further rotation) or, in the pathological case of a single-block
// refcount table, the same block currently being rotated, which by then
// is already marked dirty and skips rotation.
func (img *Image) setRefcount(addr uint64, count uint16) error {
	blockIdx := img.refcountBlockIndex(addr)
	block, err := img.loadRefcountBlock(blockIdx)
	if err != nil {
		return err
	}

	if blockIdx >= uint64(len(img.refcountTable)) {
		return fmt.Errorf("%w: refcount block index %d out of range", ErrNoRefcountClusters, blockIdx)
	}

	needNewBlock := img.refcountTable[blockIdx]&offsetMask == 0
	if needNewBlock {
		newAddr, err := img.alloc.allocate()
		if err != nil {
			return fmt.Errorf("qcow2: allocating refcount block: %w", err)
		}
		img.refcountTable[blockIdx] = newAddr | ClusterUsedFlag
		img.refcountTableDirty = true
		img.rcCache.markDirty(blockIdx)
		if err := img.setRefcount(newAddr, 1); err != nil {
			return err
		}
		block = img.rcCache.get(blockIdx)
	} else if !block.dirty {
		if err := img.rotateRefcountBlock(blockIdx, block); err != nil {
			return err
		}
		block = img.rcCache.get(blockIdx)
	}

	block.addrs[img.refcountEntryIndex(addr)] = count
	img.rcCache.markDirty(blockIdx)
	return nil
}

// rotateRefcountBlock moves a clean cached refcount block to a freshly
// allocated cluster, defers the old cluster for reclamation, and
// repoints the in-memory refcount-table entry.
//
// The block is marked dirty before either setRefcount call below: oldAddr
// or newAddr may themselves be refcounted by this very block (a small
// refcount table self-covers), and a block already marked dirty skips
// its own clean-rotation branch instead of recursing into this function
// again.
func (img *Image) rotateRefcountBlock(blockIdx uint64, block *blockEntry[uint16]) error {
	oldAddr := img.refcountTable[blockIdx] & offsetMask
	newAddr, err := img.alloc.allocate()
	if err != nil {
		return fmt.Errorf("qcow2: allocating refcount block rotation: %w", err)
	}
	img.refcountTable[blockIdx] = newAddr | ClusterUsedFlag
	img.refcountTableDirty = true
	img.rcCache.markDirty(blockIdx)

	if err := img.setRefcount(oldAddr, 0); err != nil {
		return err
	}
	img.alloc.deferUnref(oldAddr)
	return img.setRefcount(newAddr, 1)
}

// flushRefcountRotation writes a dirty refcount block evicted from the
// cache to its current on-disk address before it is dropped from
// memory. It does not sync; the next Flush syncs it before rewriting the
// refcount-table root.
func (img *Image) flushRefcountRotation(blockIdx uint64, block *blockEntry[uint16]) error {
	addr := img.refcountTable[blockIdx] & offsetMask
	if addr == 0 {
		return fmt.Errorf("qcow2: evicted refcount block %d has no backing cluster", blockIdx)
	}
	if err := img.raw.writeRefcountBlock(addr, block.addrs); err != nil {
		return fmt.Errorf("qcow2: flushing evicted refcount block at 0x%x: %w", addr, err)
	}
	return nil
}

// firstZeroRefcount scans every cluster in the file in cluster-size
// steps and returns the host offset of the first cluster whose
// refcount is zero. ok is false if every cluster up to the current file
// size has a non-zero refcount.
func (img *Image) firstZeroRefcount() (offset uint64, ok bool, err error) {
	info, err := img.raw.file.Stat()
	if err != nil {
		return 0, false, err
	}
	size := uint64(info.Size())
	for addr := uint64(0); addr < size; addr += img.clusterSize {
		count, err := img.getRefcount(addr)
		if err != nil {
			return 0, false, err
		}
		if count == 0 {
			return addr, true, nil
		}
	}
	return 0, false, nil
}
