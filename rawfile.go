package qcow2

import (
	"encoding/binary"
	"os"
)

// rawFile is the typed accessor over the backing file: it knows nothing
// about L1/L2/refcount semantics, only how to move fixed-width big-endian
// words and cluster-sized blocks in and out of the file.
type rawFile struct {
	file        *os.File
	clusterSize uint64
	clusterMask uint64
}

func newRawFile(f *os.File, clusterSize uint64) *rawFile {
	return &rawFile{file: f, clusterSize: clusterSize, clusterMask: clusterSize - 1}
}

// clusterOffset returns the offset of address within its cluster.
func (r *rawFile) clusterOffset(address uint64) uint64 {
	return address & r.clusterMask
}

// readPointerTable reads count big-endian 64-bit words starting at offset.
// Each word is masked with mask before being returned; mask of all-ones
// (^uint64(0)) leaves the words untouched.
func (r *rawFile) readPointerTable(offset uint64, count uint64, mask uint64) ([]uint64, error) {
	buf := make([]byte, count*8)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	table := make([]uint64, count)
	for i := range table {
		table[i] = binary.BigEndian.Uint64(buf[i*8:]) & mask
	}
	return table, nil
}

// readPointerCluster reads one cluster's worth of 64-bit words.
func (r *rawFile) readPointerCluster(offset uint64, mask uint64) ([]uint64, error) {
	return r.readPointerTable(offset, r.clusterSize/8, mask)
}

// writePointerTable writes table as big-endian 64-bit words at offset.
// Zero words are written as zero; non-zero words are OR-ed with
// nonZeroFlags (used to stamp the persisted "used" bit).
func (r *rawFile) writePointerTable(offset uint64, table []uint64, nonZeroFlags uint64) error {
	buf := make([]byte, len(table)*8)
	for i, v := range table {
		if v != 0 {
			v |= nonZeroFlags
		}
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	_, err := r.file.WriteAt(buf, int64(offset))
	return err
}

// readRefcountBlock reads one cluster's worth of 16-bit big-endian counts.
func (r *rawFile) readRefcountBlock(offset uint64) ([]uint16, error) {
	count := r.clusterSize / 2
	buf := make([]byte, count*2)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	counts := make([]uint16, count)
	for i := range counts {
		counts[i] = binary.BigEndian.Uint16(buf[i*2:])
	}
	return counts, nil
}

// writeRefcountBlock writes counts as 16-bit big-endian values at offset.
func (r *rawFile) writeRefcountBlock(offset uint64, counts []uint16) error {
	buf := make([]byte, len(counts)*2)
	for i, c := range counts {
		binary.BigEndian.PutUint16(buf[i*2:], c)
	}
	_, err := r.file.WriteAt(buf, int64(offset))
	return err
}

// addClusterEnd extends the file by one cluster and returns the
// cluster-aligned address of the new cluster. The filesystem sparse-zero
// fills it; no explicit zeroing write is issued.
func (r *rawFile) addClusterEnd() (uint64, error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	fileEnd := uint64(info.Size())
	newAddr := (fileEnd + r.clusterSize - 1) &^ r.clusterMask
	if err := r.file.Truncate(int64(newAddr + r.clusterSize)); err != nil {
		return 0, err
	}
	return newAddr, nil
}
