package mmu

import (
	"github.com/mvojtko/vmsim/kernel"
	"github.com/mvojtko/vmsim/ram"
)

var (
	// ErrNilOut is returned when the out-parameter of Translate is nil.
	ErrNilOut = &kernel.Error{Module: "mmu", Message: "out pointer is nil", Code: -3}

	// ErrNoActiveTable is returned when no page table is active.
	ErrNoActiveTable = &kernel.Error{Module: "mmu", Message: "no active page table", Code: -4}

	// ErrRegionNotInitialized is returned when the backing ram region is
	// not initialized.
	ErrRegionNotInitialized = &kernel.Error{Module: "mmu", Message: "ram region not initialized", Code: -5}

	// ErrSegFault is returned when the page index is out of range or the
	// resolved entry has no protection bits set. Either condition alone
	// triggers a segfault.
	ErrSegFault = &kernel.Error{Module: "mmu", Message: "segmentation fault", Code: -2}

	// ErrPageFault is returned when the resolved entry is accessible but
	// not present.
	ErrPageFault = &kernel.Error{Module: "mmu", Message: "page fault", Code: -1}

	// ErrAccessViolation is returned when a resident page is accessed in
	// a way its protection bits disallow.
	ErrAccessViolation = &kernel.Error{Module: "mmu", Message: "access violation", Code: -3}
)

// MMU translates virtual addresses through the currently active page table
// and performs byte-granularity instruction fetch, data load and data store
// with per-access protection enforcement.
type MMU struct {
	region *ram.Region
	active *[PageTableSize]PTE
}

// New returns an MMU bound to the given physical memory region.
func New(region *ram.Region) *MMU {
	return &MMU{region: region}
}

// SetActivePageTable unconditionally sets the active page table. Passing
// nil deactivates translation.
func (m *MMU) SetActivePageTable(pt *[PageTableSize]PTE) {
	m.active = pt
}

// Translate resolves a virtual address to a physical address, writing the
// result to *out.
func (m *MMU) Translate(vaddr uint16, out *uint16) (int, error) {
	if out == nil {
		return int(ErrNilOut.Code), ErrNilOut
	}
	if m.active == nil {
		return int(ErrNoActiveTable.Code), ErrNoActiveTable
	}
	if m.region == nil {
		return int(ErrRegionNotInitialized.Code), ErrRegionNotInitialized
	}
	if _, ok := m.region.State(); !ok {
		return int(ErrRegionNotInitialized.Code), ErrRegionNotInitialized
	}

	entry, code, err := m.resolve(vaddr)
	if err != nil {
		return code, err
	}

	frameSize := m.region.FrameSize()
	offsetMask := frameSize - 1
	*out = entry.FrameID()*frameSize + (vaddr & offsetMask)
	return 0, nil
}

// resolve performs the common page-index lookup and segfault/page-fault
// checks shared by Translate, Fetch, Load and Store.
func (m *MMU) resolve(vaddr uint16) (*PTE, int, error) {
	frameSize := m.region.FrameSize()
	pageID := vaddr / frameSize
	if pageID >= PageTableSize {
		return nil, int(ErrSegFault.Code), ErrSegFault
	}

	entry := &m.active[pageID]
	if entry.NoProtection() {
		return nil, int(ErrSegFault.Code), ErrSegFault
	}
	if !entry.HasFlags(FlagPresent) {
		return nil, int(ErrPageFault.Code), ErrPageFault
	}

	return entry, 0, nil
}

// Fetch reads one byte at vaddr for instruction execution, requiring
// execute permission, and sets the entry's referenced bit.
func (m *MMU) Fetch(vaddr uint16, out *uint8) (int, error) {
	return m.access(vaddr, out, FlagX, false)
}

// Load reads one byte at vaddr, requiring read permission, and sets the
// entry's referenced bit.
func (m *MMU) Load(vaddr uint16, out *uint8) (int, error) {
	return m.access(vaddr, out, FlagR, false)
}

// Store writes one byte at vaddr, requiring write permission, and sets the
// entry's referenced and modified bits.
func (m *MMU) Store(vaddr uint16, value uint8) (int, error) {
	v := value
	return m.access(vaddr, &v, FlagW, true)
}

// access implements the shared translate-then-protection-check-then-stamp
// sequence of Fetch/Load/Store: only the byte operation and which status
// bits get stamped differ between the three.
func (m *MMU) access(vaddr uint16, data *uint8, required Flag, write bool) (int, error) {
	var paddr uint16
	if code, err := m.Translate(vaddr, &paddr); err != nil {
		return code, err
	}

	entry, _, _ := m.resolve(vaddr)
	if !entry.HasFlags(required) {
		return int(ErrAccessViolation.Code), ErrAccessViolation
	}

	if write {
		m.region.WriteByte(paddr, *data)
		entry.SetFlags(FlagReferenced | FlagModified)
	} else {
		*data = m.region.ReadByte(paddr)
		entry.SetFlags(FlagReferenced)
	}

	return 0, nil
}
