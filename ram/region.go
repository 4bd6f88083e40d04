// Package ram implements the frame allocator of the simulated
// virtual-memory core: a bit-addressed, first-fit allocator that manages a
// caller-supplied byte region and stores its own bookkeeping (a region
// descriptor and a usage bitmap) inside the very region it manages.
package ram

import (
	"encoding/binary"
	"log"

	"github.com/mvojtko/vmsim/kernel"
	"github.com/mvojtko/vmsim/kernel/mem"
)

// descriptorSize is the number of bytes the region descriptor occupies at
// offset 0 of the managed region: RegionSize(2) + FrameSize(2) +
// BitmapOffset(2) + BitmapLen(2).
const descriptorSize = 8

// Frame identifies a physical frame by index in [0, N).
type Frame uint16

var (
	// ErrBadSize is returned by InitRegion when size is not a positive
	// power of two.
	ErrBadSize = &kernel.Error{Module: "ram", Message: "region size must be a positive power of two", Code: -1}

	// ErrBadFrameSize is returned by InitRegion when frameSize is not a
	// positive power of two no greater than size.
	ErrBadFrameSize = &kernel.Error{Module: "ram", Message: "frame size must be a positive power of two not larger than the region", Code: -2}

	// ErrMemoryInvalid is returned by InitRegion when memory is nil or
	// not entirely zeroed.
	ErrMemoryInvalid = &kernel.Error{Module: "ram", Message: "memory must be non-nil and zeroed", Code: -3}

	// ErrRegionTooSmall is returned by InitRegion when the region cannot
	// hold its own descriptor and bitmap.
	ErrRegionTooSmall = &kernel.Error{Module: "ram", Message: "region too small to hold descriptor and bitmap", Code: -4}

	// ErrNotInitialized is returned by Reserve when the region has not
	// been initialized.
	ErrNotInitialized = &kernel.Error{Module: "ram", Message: "region not initialized", Code: -1}

	// ErrBadParams is returned by Reserve for invalid parameters.
	ErrBadParams = &kernel.Error{Module: "ram", Message: "invalid parameters", Code: -1}

	// ErrNoSpace is returned by Reserve when no run of n free frames exists.
	ErrNoSpace = &kernel.Error{Module: "ram", Message: "insufficient contiguous free frames", Code: -1}
)

// Descriptor is a read-only view of a region's bookkeeping state.
type Descriptor struct {
	RegionSize uint16
	FrameSize  uint16
	FrameCount uint16
}

// Stats reports a frame-level usage summary, the Go equivalent of a
// dump_ram_stats debug dump.
type Stats struct {
	TotalFrames    uint16
	ReservedFrames uint16
	FreeFrames     uint16
}

// Region manages a caller-supplied byte slice as a set of equal-sized
// frames, tracking reservations in a bitmap stored inside the region
// itself.
type Region struct {
	memory []byte
	initialized bool

	regionSize uint16
	frameSize  uint16
	frameCount uint16
	bitmap     []byte
}

// InitRegion partitions memory into frameCount = size/frameSize frames and
// reserves the contiguous prefix of frames needed to hold the region
// descriptor and its usage bitmap. It returns the frame count on success or
// one of the exact negative codes documented on the Err* sentinels above.
func (r *Region) InitRegion(memory []byte, size, frameSize uint16) (int, error) {
	if memory == nil || !allZero(memory) {
		return int(ErrMemoryInvalid.Code), ErrMemoryInvalid
	}
	if size == 0 || !mem.IsPowerOfTwo(uint32(size)) {
		return int(ErrBadSize.Code), ErrBadSize
	}
	if frameSize == 0 || !mem.IsPowerOfTwo(uint32(frameSize)) || frameSize > size {
		return int(ErrBadFrameSize.Code), ErrBadFrameSize
	}

	frameCount := size / frameSize
	bitmapBytes := mem.BitmapBytes(uint32(frameCount))
	reservedBytes := uint32(descriptorSize) + bitmapBytes
	reservedFrames := mem.Size(reservedBytes).Pages(frameSize)
	if reservedFrames > uint32(frameCount) {
		return int(ErrRegionTooSmall.Code), ErrRegionTooSmall
	}

	r.memory = memory[:size]
	r.regionSize = size
	r.frameSize = frameSize
	r.frameCount = frameCount
	r.bitmap = r.memory[descriptorSize : descriptorSize+uint16(bitmapBytes)]

	binary.LittleEndian.PutUint16(r.memory[0:2], size)
	binary.LittleEndian.PutUint16(r.memory[2:4], frameSize)
	binary.LittleEndian.PutUint16(r.memory[4:6], descriptorSize)
	binary.LittleEndian.PutUint16(r.memory[6:8], uint16(bitmapBytes))

	for f := Frame(0); f < Frame(reservedFrames); f++ {
		r.setBit(f, true)
	}

	r.initialized = true
	log.Printf("[ram] region initialized: %d frames (%d bytes each), %d reserved for bookkeeping", frameCount, frameSize, reservedFrames)
	return int(frameCount), nil
}

// Destroy forgets this region's bookkeeping. The caller's underlying buffer
// is unaffected but must not be reused without re-zeroing and
// re-initializing.
func (r *Region) Destroy() {
	*r = Region{}
}

// Reserve finds the lowest-indexed run of n contiguous free frames using a
// first-fit linear scan, marks them reserved, and returns the starting
// frame index.
func (r *Region) Reserve(n uint16) (int, error) {
	if !r.initialized {
		return int(ErrNotInitialized.Code), ErrNotInitialized
	}
	if n == 0 {
		return int(ErrBadParams.Code), ErrBadParams
	}

	runStart := Frame(0)
	runLen := uint16(0)
	for f := Frame(0); f < Frame(r.frameCount); f++ {
		if r.bit(f) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == n {
			for i := Frame(0); i < Frame(n); i++ {
				r.setBit(runStart+i, true)
			}
			return int(runStart), nil
		}
	}

	return int(ErrNoSpace.Code), ErrNoSpace
}

// Release clears the n bits starting at frameID. It is a silent no-op if
// the region is not initialized or if frameID+n exceeds the frame count;
// no check is made that the bits were previously set.
func (r *Region) Release(frameID, n uint16) {
	if !r.initialized {
		return
	}
	if uint32(frameID)+uint32(n) > uint32(r.frameCount) {
		return
	}
	for i := uint16(0); i < n; i++ {
		r.setBit(Frame(frameID+i), false)
	}
}

// State returns a read-only descriptor snapshot, or false if the region is
// not initialized.
func (r *Region) State() (Descriptor, bool) {
	if !r.initialized {
		return Descriptor{}, false
	}
	return Descriptor{
		RegionSize: r.regionSize,
		FrameSize:  r.frameSize,
		FrameCount: r.frameCount,
	}, true
}

// Stats reports free/reserved/total frame counts.
func (r *Region) Stats() Stats {
	if !r.initialized {
		return Stats{}
	}
	var reserved uint16
	for f := Frame(0); f < Frame(r.frameCount); f++ {
		if r.bit(f) {
			reserved++
		}
	}
	return Stats{
		TotalFrames:    r.frameCount,
		ReservedFrames: reserved,
		FreeFrames:     r.frameCount - reserved,
	}
}

// FrameOffset returns the byte offset within the region of the given frame.
func (r *Region) FrameOffset(f Frame) uint32 {
	return uint32(f) * uint32(r.frameSize)
}

// FrameSize returns the configured frame size in bytes.
func (r *Region) FrameSize() uint16 {
	return r.frameSize
}

// Bytes returns the frameSize bytes backing the given frame.
func (r *Region) Bytes(f Frame) []byte {
	off := r.FrameOffset(f)
	return r.memory[off : off+uint32(r.frameSize)]
}

// ReadByte reads a single byte at the given physical (region-relative)
// address.
func (r *Region) ReadByte(addr uint16) byte {
	return r.memory[addr]
}

// WriteByte writes a single byte at the given physical (region-relative)
// address.
func (r *Region) WriteByte(addr uint16, v byte) {
	r.memory[addr] = v
}

func (r *Region) bit(f Frame) bool {
	block := f / 8
	off := f % 8
	return r.bitmap[block]&(1<<(7-off)) != 0
}

func (r *Region) setBit(f Frame, v bool) {
	block := f / 8
	off := f % 8
	mask := byte(1 << (7 - off))
	if v {
		r.bitmap[block] |= mask
	} else {
		r.bitmap[block] &^= mask
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
