// Package pager implements the demand-paging fault handler: it makes the
// page covering a faulting virtual address resident, selecting a victim
// within the task's resident set under a Not-Recently-Used (NRU) policy
// when the task is at its resident-frame cap or no free frame is available.
package pager

import (
	"github.com/mvojtko/vmsim/kernel"
	"github.com/mvojtko/vmsim/mmu"
	"github.com/mvojtko/vmsim/ram"
	"github.com/mvojtko/vmsim/task"
)

var (
	// ErrNotFound is returned when the task or region cannot be resolved.
	ErrNotFound = &kernel.Error{Module: "pager", Message: "task or region not found", Code: -1}

	// ErrAlreadyResident is returned when the faulting page is already present.
	ErrAlreadyResident = &kernel.Error{Module: "pager", Message: "page already resident", Code: -2}

	// ErrOutOfResources is returned when no frame can be obtained or evicted.
	ErrOutOfResources = &kernel.Error{Module: "pager", Message: "out of resources", Code: -3}

	// ErrSegFault is returned when the page index is out of range or the
	// entry has no protection bits set.
	ErrSegFault = &kernel.Error{Module: "pager", Message: "segmentation fault", Code: -4}
)

// nruClass ranks resident entries for eviction. A higher class number is a
// better (less recently used) victim: class 4 (unreferenced, unmodified)
// is the best victim, class 1 (referenced and modified) the worst.
type nruClass uint8

const (
	classWorst nruClass = iota + 1 // r_bit=1, m_bit=1
	classReferencedOnly
	classModifiedOnly
	classBest // r_bit=0, m_bit=0
)

func classOf(e mmu.PTE) nruClass {
	r := e.HasFlags(mmu.FlagReferenced)
	m := e.HasFlags(mmu.FlagModified)
	switch {
	case !r && !m:
		return classBest
	case !r && m:
		return classModifiedOnly
	case r && !m:
		return classReferencedOnly
	default:
		return classWorst
	}
}

// PageFault services a page fault for pid at vaddr: it makes the page
// covering vaddr resident in the task's current page table, evicting a
// victim chosen by NRU if necessary.
func PageFault(reg *ram.Region, registry *task.Registry, pid int, vaddr uint16) (int, error) {
	if reg == nil || registry == nil {
		return int(ErrNotFound.Code), ErrNotFound
	}
	if _, ok := reg.State(); !ok {
		return int(ErrNotFound.Code), ErrNotFound
	}
	t, ok := registry.Lookup(pid)
	if !ok {
		return int(ErrNotFound.Code), ErrNotFound
	}

	frameSize := reg.FrameSize()
	pageID := vaddr / frameSize
	if pageID >= mmu.PageTableSize {
		return int(ErrSegFault.Code), ErrSegFault
	}

	entry := &t.PageTable[pageID]
	if entry.NoProtection() {
		return int(ErrSegFault.Code), ErrSegFault
	}
	if entry.HasFlags(mmu.FlagPresent) {
		return int(ErrAlreadyResident.Code), ErrAlreadyResident
	}

	// Single pass: count the resident set, track the best NRU victim, and
	// write back every dirty resident page while resetting r_bit/m_bit on
	// all of them. This runs unconditionally, even if the fault later
	// fails for lack of resources.
	var (
		cnt          int
		bestClass    nruClass
		victimID     uint16
		victimChosen bool
	)
	for id := uint16(0); id < mmu.PageTableSize; id++ {
		candidate := &t.PageTable[id]
		if !candidate.HasFlags(mmu.FlagPresent) {
			continue
		}
		cnt++

		if c := classOf(*candidate); !victimChosen || c > bestClass {
			bestClass = c
			victimID = id
			victimChosen = true
		}

		if candidate.HasFlags(mmu.FlagModified) {
			frame := candidate.FrameID()
			copy(t.AddressSpace[uint32(id)*uint32(frameSize):], reg.Bytes(ram.Frame(frame)))
		}
		candidate.ClearFlags(mmu.FlagReferenced | mmu.FlagModified)
	}

	underCap := t.MaxFrames == 0 || cnt < int(t.MaxFrames)
	frameID := -1
	if underCap {
		if f, err := reg.Reserve(1); err == nil {
			frameID = f
		}
	}

	if frameID < 0 {
		if cnt == 0 {
			return int(ErrOutOfResources.Code), ErrOutOfResources
		}
		victim := &t.PageTable[victimID]
		frameID = int(victim.FrameID())
		victim.ClearFlags(mmu.FlagPresent)
		victim.SetFrameID(0)
	}

	entry.SetFrameID(uint16(frameID))
	entry.SetFlags(mmu.FlagPresent)
	copy(reg.Bytes(ram.Frame(frameID)), t.AddressSpace[uint32(pageID)*uint32(frameSize):uint32(pageID+1)*uint32(frameSize)])

	return 0, nil
}
