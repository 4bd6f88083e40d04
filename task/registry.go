// Package task implements the fixed-capacity task registry: each task
// carries a page table, a protection-mask view of its virtual address
// space, an optional cap on resident frames, and a handle to its private
// backing buffer.
package task

import (
	"log"
	"unsafe"

	"github.com/mvojtko/vmsim/kernel"
	"github.com/mvojtko/vmsim/kernel/mem"
	"github.com/mvojtko/vmsim/mmu"
	"github.com/mvojtko/vmsim/ram"
)

// Capacity is the fixed number of task slots in the registry.
const Capacity = 8

// freePID marks a slot that holds no live task.
const freePID = -1

var (
	// ErrNotInitialized is returned when the region or registry has not
	// been initialized.
	ErrNotInitialized = &kernel.Error{Module: "task", Message: "region or registry not initialized", Code: -1}

	// ErrNoFreeSlot is returned by CreateTask when the registry is full.
	ErrNoFreeSlot = &kernel.Error{Module: "task", Message: "no free task slot", Code: -1}

	// ErrBadArgs is returned by CreateTask for a nil address space.
	ErrBadArgs = &kernel.Error{Module: "task", Message: "invalid arguments", Code: -2}

	// ErrRegistryNotInitialized is returned by CreateTask when the
	// registry itself was never initialized.
	ErrRegistryNotInitialized = &kernel.Error{Module: "task", Message: "registry not initialized", Code: -3}

	// ErrNoSuchTask is returned by DestroyTask for a pid with no live task.
	ErrNoSuchTask = &kernel.Error{Module: "task", Message: "no such live task", Code: -1}

	// ErrRegionInitFailed is returned by InitRegistry when the region
	// cannot supply the frames the registry needs.
	ErrRegionInitFailed = &kernel.Error{Module: "task", Message: "region has no room for the registry", Code: -1}
)

// Task is a single registry slot: a process id, an optional resident-frame
// cap, a handle to the task's private backing buffer, and its page table.
type Task struct {
	PID          int
	MaxFrames    uint8
	AddressSpace []byte
	PageTable    [mmu.PageTableSize]mmu.PTE
}

// Stat is a read-only per-task usage summary, the Go equivalent of a
// dump_tasks_stats debug dump.
type Stat struct {
	PID       int
	MaxFrames uint8
	Resident  int
}

// Registry is the fixed-capacity directory of active tasks. InitRegistry
// reserves a run of frames in a ram.Region sized to hold the registry, so
// its footprint is accounted for in the region's bitmap. The task slots
// themselves are held in this struct; they are not written into those
// reserved frames.
type Registry struct {
	region      *ram.Region
	baseFrame   uint16
	frameCount  uint16
	initialized bool

	tasks [Capacity]Task
}

// InitRegistry reserves the frames needed to back a Registry from reg and
// marks every slot free. It returns 0 on success, or -1 if the region is
// not initialized or has no room for the registry.
func (r *Registry) InitRegistry(reg *ram.Region) (int, error) {
	if reg == nil {
		return int(ErrNotInitialized.Code), ErrNotInitialized
	}
	if _, ok := reg.State(); !ok {
		return int(ErrNotInitialized.Code), ErrNotInitialized
	}

	needed := mem.Size(unsafe.Sizeof(Registry{})).Pages(reg.FrameSize())
	frame, err := reg.Reserve(uint16(needed))
	if err != nil {
		return int(ErrRegionInitFailed.Code), ErrRegionInitFailed
	}

	r.region = reg
	r.baseFrame = uint16(frame)
	r.frameCount = uint16(needed)
	for i := range r.tasks {
		r.tasks[i] = Task{PID: freePID}
	}
	r.initialized = true

	log.Printf("[task] registry initialized: %d slots, %d frames reserved", Capacity, needed)
	return 0, nil
}

// Destroy releases the registry's frames and forgets it. It is a no-op if
// the registry is not initialized.
func (r *Registry) Destroy() {
	if !r.initialized {
		return
	}
	r.region.Release(r.baseFrame, r.frameCount)
	*r = Registry{}
}

// CreateTask assigns the first free slot to a new task, copying
// pageTable by value, and returns the assigned pid. No frames are
// reserved by this call; pages become resident lazily on first fault.
func (r *Registry) CreateTask(pageTable [mmu.PageTableSize]mmu.PTE, maxFrames uint8, addressSpace []byte) (int, error) {
	if !r.initialized {
		return int(ErrRegistryNotInitialized.Code), ErrRegistryNotInitialized
	}
	if addressSpace == nil {
		return int(ErrBadArgs.Code), ErrBadArgs
	}

	for i := range r.tasks {
		if r.tasks[i].PID == freePID {
			r.tasks[i] = Task{
				PID:          i,
				MaxFrames:    maxFrames,
				AddressSpace: addressSpace,
				PageTable:    pageTable,
			}
			return i, nil
		}
	}

	return int(ErrNoFreeSlot.Code), ErrNoFreeSlot
}

// DestroyTask releases every resident frame of pid's task back to the ram
// region, then frees its slot.
func (r *Registry) DestroyTask(pid int) (int, error) {
	if !r.initialized {
		return int(ErrNotInitialized.Code), ErrNotInitialized
	}
	if _, ok := r.region.State(); !ok {
		return int(ErrNotInitialized.Code), ErrNotInitialized
	}
	if pid < 0 || pid >= Capacity || r.tasks[pid].PID == freePID {
		return int(ErrNoSuchTask.Code), ErrNoSuchTask
	}

	t := &r.tasks[pid]
	for i := range t.PageTable {
		entry := &t.PageTable[i]
		if entry.HasFlags(mmu.FlagPresent) {
			r.region.Release(entry.FrameID(), 1)
		}
	}

	r.tasks[pid] = Task{PID: freePID}
	return 0, nil
}

// Lookup returns a pointer to the live slot for pid, or false if pid has
// no live task. The returned pointer aliases the registry's internal
// storage so that page-table mutations made through it (by the mmu and
// pager packages) are observed by the registry.
func (r *Registry) Lookup(pid int) (*Task, bool) {
	if !r.initialized || pid < 0 || pid >= Capacity || r.tasks[pid].PID == freePID {
		return nil, false
	}
	return &r.tasks[pid], true
}

// State returns the registry, or false if it is not initialized.
func (r *Registry) State() (*Registry, bool) {
	if !r.initialized {
		return nil, false
	}
	return r, true
}

// Stats returns a usage summary for every live task.
func (r *Registry) Stats() []Stat {
	if !r.initialized {
		return nil
	}
	var stats []Stat
	for i := range r.tasks {
		if r.tasks[i].PID == freePID {
			continue
		}
		resident := 0
		for _, e := range r.tasks[i].PageTable {
			if e.HasFlags(mmu.FlagPresent) {
				resident++
			}
		}
		stats = append(stats, Stat{PID: r.tasks[i].PID, MaxFrames: r.tasks[i].MaxFrames, Resident: resident})
	}
	return stats
}
