// Package vmsim wires the ram, task, mmu and pager packages into a single
// context, encapsulating the process-wide state a bare-metal kernel would
// otherwise keep in package-level globals (a frame allocator singleton, an
// active page-directory pointer) in one explicit, caller-owned struct.
package vmsim

import (
	"github.com/mvojtko/vmsim/mmu"
	"github.com/mvojtko/vmsim/pager"
	"github.com/mvojtko/vmsim/ram"
	"github.com/mvojtko/vmsim/task"
)

// System bundles one ram.Region, one task.Registry and one mmu.MMU. Callers
// must sequence initialization and teardown correctly: region before
// registry, registry before any task, tasks destroyed before the registry,
// registry destroyed before the region.
type System struct {
	Region   ram.Region
	Registry task.Registry
	MMU      *mmu.MMU
}

// New creates an empty System. Memory is supplied to Init, and the region
// and registry are not initialized until Init is called.
func New() *System {
	return &System{}
}

// Init initializes the region over memory and then the task registry on
// top of it, enforcing the required lifecycle ordering. It returns the
// frame count on success or the first negative code either step reports.
func (s *System) Init(memory []byte, size, frameSize uint16) (int, error) {
	n, err := s.Region.InitRegion(memory, size, frameSize)
	if err != nil {
		return n, err
	}
	if code, err := s.Registry.InitRegistry(&s.Region); err != nil {
		return code, err
	}
	s.MMU = mmu.New(&s.Region)
	return n, nil
}

// Destroy tears the system down in the required order: the registry (which
// releases every task's frames as part of destroying each task) must have
// had its tasks destroyed by the caller already; Destroy then releases the
// registry's own storage and finally forgets the region.
func (s *System) Destroy() {
	s.Registry.Destroy()
	s.Region.Destroy()
	s.MMU = nil
}

// CreateTask creates a task. It does not activate the task's page table;
// callers must call ActivateTask explicitly, since activation is a
// distinct MMU operation from task creation.
func (s *System) CreateTask(pageTable [mmu.PageTableSize]mmu.PTE, maxFrames uint8, addressSpace []byte) (int, error) {
	return s.Registry.CreateTask(pageTable, maxFrames, addressSpace)
}

// ActivateTask sets the MMU's active page table to pid's page table.
func (s *System) ActivateTask(pid int) (int, error) {
	t, ok := s.Registry.Lookup(pid)
	if !ok {
		return -1, task.ErrNoSuchTask
	}
	s.MMU.SetActivePageTable(&t.PageTable)
	return 0, nil
}

// PageFault services a page fault for pid at vaddr via the pager package.
func (s *System) PageFault(pid int, vaddr uint16) (int, error) {
	return pager.PageFault(&s.Region, &s.Registry, pid, vaddr)
}
