package qcow2

import "os"

// layout is the static cluster map computed for a freshly created image:
// where the L1 table and refcount table land, and how many clusters
// that bootstrap metadata occupies before a single data cluster or
// refcount block has been allocated. Refcount blocks are not laid out
// here — they are allocated lazily, the same way any other metadata
// cluster is, when the bootstrap refcounts below are stamped.
type layout struct {
	clusterSize           uint64
	entriesPerCluster     uint64 // 8-byte pointers per cluster: L1, L2, and refcount-table entries share this width
	numClusters           uint64 // clusters needed to hold `size` bytes of guest data
	l1Entries             uint64
	l1Clusters            uint64
	maxRefcountClusters   uint64 // refcount blocks needed to refcount numClusters data clusters plus themselves
	refcountTableClusters uint64

	l1TableOffset        uint64
	refcountTableOffset  uint64
	totalInitialClusters uint64 // header + L1 table + refcount table
}

func divRoundUp(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// refcountBytesV3 is the on-disk width of one refcount entry at
// RefcountOrderV3 (2^4 = 16 bits).
const refcountBytesV3 = 2

// computeLayout mirrors QcowHeader::create_for_size: it sizes the L1
// table to address `size` bytes of guest data, then sizes the refcount
// table to cover both the data clusters and the metadata clusters the
// refcount blocks themselves will occupy. Cluster 0 is the header,
// cluster 1 starts the L1 table, and the refcount table immediately
// follows the L1 region.
func computeLayout(size uint64, clusterSize uint64) layout {
	entriesPerCluster := clusterSize / 8
	numClusters := divRoundUp(size, clusterSize)
	numL2Clusters := divRoundUp(numClusters, entriesPerCluster)
	l1Clusters := divRoundUp(numL2Clusters, entriesPerCluster)

	forData := divRoundUp(numClusters*refcountBytesV3, clusterSize)
	forRefcounts := divRoundUp(forData*refcountBytesV3, clusterSize)
	maxRefcountClusters := forData + forRefcounts

	refcountTableClusters := divRoundUp(maxRefcountClusters*8, clusterSize)

	l := layout{
		clusterSize:           clusterSize,
		entriesPerCluster:     entriesPerCluster,
		numClusters:           numClusters,
		l1Entries:             numL2Clusters,
		l1Clusters:            l1Clusters,
		maxRefcountClusters:   maxRefcountClusters,
		refcountTableClusters: refcountTableClusters,
	}

	l.l1TableOffset = clusterSize
	l.refcountTableOffset = clusterSize * (l1Clusters + 1)
	l.totalInitialClusters = 1 + l1Clusters + refcountTableClusters

	return l
}

// CreateForSize creates a new, empty image file at path with the given
// virtual size, and opens it. The cluster size is DefaultClusterBits
// unless overridden by WithClusterBits.
func CreateForSize(path string, size uint64, opts ...Option) (*Image, error) {
	cfg := newImageOptions(opts...)
	clusterSize := uint64(1) << cfg.clusterBits
	l := computeLayout(size, clusterSize)

	if err := writeBareHeader(path, l, size, cfg.clusterBits); err != nil {
		os.Remove(path)
		return nil, err
	}

	img, err := Open(path, opts...)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	// Every cluster the bare header, L1 table, and refcount table occupy
	// needs a refcount of 1. Stamping it through the normal setRefcount
	// path allocates the backing refcount blocks lazily, extending the
	// file at EOF exactly as any other metadata allocation would,
	// mirroring QcowFile::new's bootstrap loop.
	for addr := uint64(0); addr < l.totalInitialClusters*clusterSize; addr += clusterSize {
		if err := img.setRefcount(addr, 1); err != nil {
			img.Close()
			os.Remove(path)
			return nil, err
		}
	}
	if err := img.Flush(); err != nil {
		img.Close()
		os.Remove(path)
		return nil, err
	}

	return img, nil
}

// writeBareHeader lays out the header, the (all-zero, unallocated) L1
// table, and the (all-zero, unallocated) refcount table of a new image.
// No refcount block exists yet; nothing in this region has a refcount
// stamped on it until the caller bootstraps one through the engine.
func writeBareHeader(path string, l layout, size uint64, clusterBits uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(int64(l.totalInitialClusters * l.clusterSize)); err != nil {
		return err
	}

	header := &Header{
		Magic:                 Magic,
		Version:               Version3,
		ClusterBits:           clusterBits,
		Size:                  size,
		L1Size:                uint32(l.l1Entries),
		L1TableOffset:         l.l1TableOffset,
		RefcountTableOffset:   l.refcountTableOffset,
		RefcountTableClusters: uint32(l.refcountTableClusters),
		RefcountOrder:         RefcountOrderV3,
		HeaderLength:          HeaderSizeV3,
	}
	if _, err := f.WriteAt(header.Encode(), 0); err != nil {
		return err
	}

	return f.Sync()
}
