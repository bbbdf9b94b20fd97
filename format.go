// Package qcow2 implements the core of a QCOW2 virtual-disk image engine:
// header validation, two-level cluster address translation, refcount
// bookkeeping, bounded metadata caches, and crash-safe flush ordering.
package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the QCOW2 magic number: "QFI\xfb".
const Magic = 0x5146_49fb

// Version3 is the only on-disk version this engine opens.
const Version3 = 3

// HeaderSizeV3 is the size in bytes of the bare V3 header record.
const HeaderSizeV3 = 104

// Cluster size bounds (inclusive), in bits.
const (
	MinClusterBits     = 9
	MaxClusterBits     = 30
	DefaultClusterBits = 16
)

// RefcountOrderV3 is the only refcount_order this engine supports: 16-bit counts.
const RefcountOrderV3 = 4

// L1/L2 entry flags and masks. Bits 9-55 hold the cluster-aligned host
// offset; bit 62 marks a compressed cluster (fatal, unsupported); bit 63
// is the persisted "used" flag.
const (
	L2EntryCompressed = uint64(1) << 62
	ClusterUsedFlag   = uint64(1) << 63
	offsetMask        = uint64(0x00ff_ffff_ffff_fe00)
)

// Errors. Structural failures abort construction; I/O failures are tagged
// by the phase in which they occurred.
var (
	ErrBadMagic                     = errors.New("qcow2: bad magic")
	ErrUnsupportedVersion           = errors.New("qcow2: unsupported version")
	ErrUnsupportedRefcountOrder     = errors.New("qcow2: unsupported refcount order")
	ErrInvalidClusterSize           = errors.New("qcow2: invalid cluster size")
	ErrNoRefcountClusters           = errors.New("qcow2: no refcount clusters")
	ErrInvalidL1TableOffset         = errors.New("qcow2: invalid L1 table offset")
	ErrInvalidRefcountTableOffset   = errors.New("qcow2: invalid refcount table offset")
	ErrInvalidOffset                = errors.New("qcow2: offset not cluster-aligned")
	ErrBackingFilesNotSupported     = errors.New("qcow2: backing files are not supported")
	ErrCompressedBlocksNotSupported = errors.New("qcow2: compressed blocks are not supported")
	ErrEncryptedImage               = errors.New("qcow2: encrypted images are not supported")
	ErrSnapshotsNotSupported        = errors.New("qcow2: internal snapshots are not supported")
	ErrInvalidArgument              = errors.New("qcow2: invalid argument")
	ErrReadOnly                     = errors.New("qcow2: image is read-only")
)

// Header is the fixed-layout V3 QCOW2 header.
type Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64 // virtual size in bytes
	CryptMethod           uint32
	L1Size                uint32 // entry count
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  uint64
	CompatibleFeatures    uint64
	AutoclearFeatures     uint64
	RefcountOrder         uint32
	HeaderLength          uint32
}

// ClusterSize returns 1 << ClusterBits.
func (h *Header) ClusterSize() uint64 {
	return uint64(1) << h.ClusterBits
}

// L2Entries returns the number of 64-bit entries per L2 table.
func (h *Header) L2Entries() uint64 {
	return h.ClusterSize() / 8
}

// ParseHeader reads and validates a V3 header from raw bytes.
// data must be at least HeaderSizeV3 bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSizeV3 {
		return nil, fmt.Errorf("qcow2: header too short: %d bytes", len(data))
	}

	h := &Header{
		Magic:                 binary.BigEndian.Uint32(data[0:4]),
		Version:               binary.BigEndian.Uint32(data[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(data[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(data[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(data[20:24]),
		Size:                  binary.BigEndian.Uint64(data[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(data[32:36]),
		L1Size:                binary.BigEndian.Uint32(data[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(data[40:48]),
		RefcountTableOffset:   binary.BigEndian.Uint64(data[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(data[56:60]),
		NbSnapshots:           binary.BigEndian.Uint32(data[60:64]),
		SnapshotsOffset:       binary.BigEndian.Uint64(data[64:72]),
		IncompatibleFeatures:  binary.BigEndian.Uint64(data[72:80]),
		CompatibleFeatures:    binary.BigEndian.Uint64(data[80:88]),
		AutoclearFeatures:     binary.BigEndian.Uint64(data[88:96]),
		RefcountOrder:         binary.BigEndian.Uint32(data[96:100]),
		HeaderLength:          binary.BigEndian.Uint32(data[100:104]),
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate rejects everything this engine does not implement.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version3 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits {
		return fmt.Errorf("%w: %d", ErrInvalidClusterSize, h.ClusterBits)
	}
	if h.RefcountOrder != RefcountOrderV3 {
		return fmt.Errorf("%w: %d", ErrUnsupportedRefcountOrder, h.RefcountOrder)
	}
	if h.BackingFileOffset != 0 {
		return ErrBackingFilesNotSupported
	}
	if h.CryptMethod != 0 {
		return ErrEncryptedImage
	}
	if h.NbSnapshots != 0 || h.SnapshotsOffset != 0 {
		return ErrSnapshotsNotSupported
	}
	if h.RefcountTableClusters == 0 {
		return ErrNoRefcountClusters
	}

	clusterMask := h.ClusterSize() - 1
	for _, off := range []uint64{h.BackingFileOffset, h.L1TableOffset, h.RefcountTableOffset, h.SnapshotsOffset} {
		if off&clusterMask != 0 {
			return fmt.Errorf("%w: 0x%x", ErrInvalidOffset, off)
		}
	}

	return nil
}

// Encode serializes the header to its on-disk byte layout.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSizeV3)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(buf[20:24], h.ClusterBits)
	binary.BigEndian.PutUint64(buf[24:32], h.Size)
	binary.BigEndian.PutUint32(buf[32:36], h.CryptMethod)
	binary.BigEndian.PutUint32(buf[36:40], h.L1Size)
	binary.BigEndian.PutUint64(buf[40:48], h.L1TableOffset)
	binary.BigEndian.PutUint64(buf[48:56], h.RefcountTableOffset)
	binary.BigEndian.PutUint32(buf[56:60], h.RefcountTableClusters)
	binary.BigEndian.PutUint32(buf[60:64], h.NbSnapshots)
	binary.BigEndian.PutUint64(buf[64:72], h.SnapshotsOffset)
	binary.BigEndian.PutUint64(buf[72:80], h.IncompatibleFeatures)
	binary.BigEndian.PutUint64(buf[80:88], h.CompatibleFeatures)
	binary.BigEndian.PutUint64(buf[88:96], h.AutoclearFeatures)
	binary.BigEndian.PutUint32(buf[96:100], h.RefcountOrder)
	binary.BigEndian.PutUint32(buf[100:104], h.HeaderLength)

	return buf
}

// String renders the header fields for diagnostics.
func (h *Header) String() string {
	return fmt.Sprintf("qcow2 header: version=%d cluster_bits=%d size=%d l1_size=%d l1_offset=0x%x refcount_table_offset=0x%x refcount_table_clusters=%d",
		h.Version, h.ClusterBits, h.Size, h.L1Size, h.L1TableOffset, h.RefcountTableOffset, h.RefcountTableClusters)
}
