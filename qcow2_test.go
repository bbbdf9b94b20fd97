package qcow2

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// basicHeaderBytes is a literal, hand-built V3 header: cluster_bits=16,
// virtual size 0x20_0000_0000, L1 table at 0x4_0000, a 3-cluster
// refcount table at 0x1_0000, no refcount blocks allocated yet. It
// backs a handful of open/translate tests that don't need a fully
// created image.
func basicHeaderBytes() []byte {
	return []byte{
		0x51, 0x46, 0x49, 0xfb, // magic
		0x00, 0x00, 0x00, 0x03, // version
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // backing file offset
		0x00, 0x00, 0x00, 0x00, // backing file size
		0x00, 0x00, 0x00, 0x10, // cluster_bits
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, // size
		0x00, 0x00, 0x00, 0x00, // crypt method
		0x00, 0x00, 0x01, 0x00, // L1 size
		0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, // L1 table offset
		0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, // refcount table offset
		0x00, 0x00, 0x00, 0x03, // refcount table clusters
		0x00, 0x00, 0x00, 0x00, // nb snapshots
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // snapshots offset
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // incompatible_features
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // compatible_features
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // autoclear_features
		0x00, 0x00, 0x00, 0x04, // refcount_order
		0x00, 0x00, 0x00, 0x68, // header_length
	}
}

func withBasicFile(t *testing.T, header []byte) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "basic.qcow2")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.Write(header)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(0x5_0000))
	require.NoError(t, f.Close())

	img, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestOpenBasicHeader(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())
	require.Equal(t, uint64(0x20_0000_0000), img.Size())
}

func TestOpenInvalidMagicRejected(t *testing.T) {
	h := basicHeaderBytes()
	h[2] = 0x4a
	path := filepath.Join(t.TempDir(), "bad.qcow2")
	require.NoError(t, os.WriteFile(path, h, 0o644))
	_, err := Open(path)
	require.True(t, errors.Is(err, ErrBadMagic))
}

func TestOpenInvalidRefcountOrderRejected(t *testing.T) {
	h := basicHeaderBytes()
	h[99] = 2
	path := filepath.Join(t.TempDir(), "bad.qcow2")
	require.NoError(t, os.WriteFile(path, h, 0o644))
	require.NoError(t, os.Truncate(path, 0x5_0000))
	_, err := Open(path)
	require.True(t, errors.Is(err, ErrUnsupportedRefcountOrder))
}

func TestWriteReadStart(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())

	_, err := img.Write([]byte("test first bytes"))
	require.NoError(t, err)

	_, err = img.Seek(0, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = img.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "test", string(buf))
}

func TestOffsetWriteRead(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())

	b := bytes.Repeat([]byte{0x55}, 0x1000)
	_, err := img.Seek(0xfff2000, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(b)
	require.NoError(t, err)

	_, err = img.Seek(0xfff2000, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = img.Read(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), buf[0])
}

func TestReadSmallBufferUnallocatedIsZero(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())

	_, err := img.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	b := bytes.Repeat([]byte{5}, 16)
	_, err = img.Read(b)
	require.NoError(t, err)
	require.Equal(t, byte(0), b[0])
	require.Equal(t, byte(0), b[15])
}

// TestReplayScatteredExt4LikeTrace exercises the translator and
// allocator against a trace of scattered 4KB-aligned reads followed by
// writes, in the shape a filesystem mkfs pass produces: many
// unallocated reads (all zero), then a handful of writes scattered
// across the range mapped by the first L2 table, forcing on-demand L2
// allocation and repeated data cluster allocation.
func TestReplayScatteredExt4LikeTrace(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())
	const bufSize = 0x1000

	reads := []uint64{
		0xfff0000, 0xfffe000, 0x0, 0x1000, 0xffff000, 0xffdf000, 0xfff8000,
		0xffe0000, 0xffce000, 0xffb6000, 0xffab000, 0xffa4000, 0xff8e000,
		0xff86000, 0xff84000, 0xff89000, 0xfe7e000, 0x100000, 0x3000,
		0x7000, 0xf000, 0x2000, 0x4000, 0x5000, 0x6000, 0x8000, 0x9000,
		0xa000, 0xb000, 0xc000, 0xd000, 0xe000, 0x10000, 0x11000, 0x12000,
		0x13000, 0x14000, 0x15000, 0x16000, 0x17000, 0x18000, 0x19000,
		0x1a000, 0x1b000, 0x1c000, 0x1d000, 0x1e000, 0x1f000, 0x21000,
		0x22000, 0x24000, 0x40000, 0x0, 0x3000, 0x7000, 0x0, 0x1000,
		0x2000, 0x3000, 0x0, 0x449000, 0x48000, 0x48000, 0x448000,
		0x44a000, 0x48000, 0x48000,
	}
	writes := []uint64{
		0x0, 0x448000, 0x449000, 0x44a000, 0xfff0000, 0xfff1000, 0xfff2000,
		0xfff3000, 0xfff4000, 0xfff5000, 0xfff6000, 0xfff7000, 0xfff8000,
		0xfff9000, 0xfffa000, 0xfffb000, 0xfffc000, 0xfffd000, 0xfffe000,
		0xffff000,
	}
	require.Len(t, reads, 67)
	require.Len(t, writes, 20)

	buf := make([]byte, bufSize)
	for _, addr := range reads {
		_, err := img.Seek(int64(addr), io.SeekStart)
		require.NoError(t, err)
		n, err := img.Read(buf)
		require.NoError(t, err)
		require.Equal(t, bufSize, n)
	}

	data := bytes.Repeat([]byte{0xaa}, bufSize)
	for _, addr := range writes {
		_, err := img.Seek(int64(addr), io.SeekStart)
		require.NoError(t, err)
		_, err = img.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, img.Flush())

	for _, addr := range writes {
		_, err := img.Seek(int64(addr), io.SeekStart)
		require.NoError(t, err)
		out := make([]byte, bufSize)
		_, err = img.Read(out)
		require.NoError(t, err)
		require.Equal(t, data, out)
	}
}

func TestCreateForSizeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.qcow2")
	img, err := CreateForSize(path, 64<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(64<<20), img.Size())

	data := bytes.Repeat([]byte{0x42}, 4096)
	_, err = img.Seek(1<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(data)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	img2, err := Open(path)
	require.NoError(t, err)
	defer img2.Close()

	_, err = img2.Seek(1<<20, io.SeekStart)
	require.NoError(t, err)
	out := make([]byte, 4096)
	_, err = img2.Read(out)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestCreateForSizeEveryBootstrapClusterHasRefcountOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.qcow2")
	img, err := CreateForSize(path, 16<<20)
	require.NoError(t, err)
	defer img.Close()

	_, ok, err := img.FirstZeroRefcount()
	require.NoError(t, err)
	require.False(t, ok, "every bootstrap cluster should already carry a refcount of 1")
}

func TestComboWriteReadManyBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combo.qcow2")
	img, err := CreateForSize(path, 256<<30)
	require.NoError(t, err)
	defer img.Close()

	const numBlocks = 555
	const blockSize = 0x1_0000
	const baseOffset = 0x1_0000_0020

	data := bytes.Repeat([]byte{0x55}, blockSize)
	for i := 0; i < numBlocks; i++ {
		_, err := img.Seek(int64(baseOffset+i*blockSize), io.SeekStart)
		require.NoError(t, err)
		_, err = img.Write(data)
		require.NoError(t, err)
	}

	_, err = img.Seek(0, io.SeekStart)
	require.NoError(t, err)
	zero := make([]byte, 16)
	_, err = img.Read(zero)
	require.NoError(t, err)
	require.True(t, bytes.Equal(zero, make([]byte, 16)))

	for i := 0; i < numBlocks; i++ {
		_, err := img.Seek(int64(baseOffset+i*blockSize), io.SeekStart)
		require.NoError(t, err)
		out := make([]byte, blockSize)
		_, err = img.Read(out)
		require.NoError(t, err)
		require.Equal(t, data, out)
	}

	require.NoError(t, img.Flush())
	_, ok, err := img.FirstZeroRefcount()
	require.NoError(t, err)
	require.False(t, ok, "every allocated cluster must carry a non-zero refcount after flush")
}

func TestSeekOutOfRangeRejected(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())
	_, err := img.Seek(-1, io.SeekStart)
	require.Error(t, err)

	_, err = img.Seek(int64(img.Size()+1), io.SeekStart)
	require.Error(t, err)
}

func TestWritePastEndRejected(t *testing.T) {
	img := withBasicFile(t, basicHeaderBytes())
	_, err := img.Seek(int64(img.Size()-10), io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(make([]byte, 20))
	require.True(t, errors.Is(err, ErrInvalidOffset))
}
