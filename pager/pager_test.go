package pager

import (
	"testing"

	"github.com/mvojtko/vmsim/mmu"
	"github.com/mvojtko/vmsim/ram"
	"github.com/mvojtko/vmsim/task"
)

const (
	testSize      = 2048
	testFrameSize = 128
)

// seededAddressSpace returns an address space where byte i of page p has
// value p+5.
func seededAddressSpace() []byte {
	buf := make([]byte, testSize)
	for p := 0; p < mmu.PageTableSize; p++ {
		for i := 0; i < testFrameSize; i++ {
			buf[p*testFrameSize+i] = byte(p + 5)
		}
	}
	return buf
}

// newFixtureCap wires a region and registry matching the N=16 scenario and
// creates a single task with the given max_frames and every page readable
// and writable.
func newFixtureCap(t *testing.T, maxFrames uint8) (*ram.Region, *task.Registry, int) {
	t.Helper()
	mem := make([]byte, testSize)
	var r ram.Region
	if _, err := r.InitRegion(mem, testSize, testFrameSize); err != nil {
		t.Fatalf("region init failed: %v", err)
	}

	var reg task.Registry
	if _, err := reg.InitRegistry(&r); err != nil {
		t.Fatalf("registry init failed: %v", err)
	}

	var pt [mmu.PageTableSize]mmu.PTE
	for i := range pt {
		pt[i].SetFlags(mmu.FlagR | mmu.FlagW)
	}

	pid, err := reg.CreateTask(pt, maxFrames, seededAddressSpace())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	return &r, &reg, pid
}

func newFixture(t *testing.T) (*ram.Region, *task.Registry, int) {
	return newFixtureCap(t, 3)
}

// Scenario 1.
func TestPageFaultBasic(t *testing.T) {
	r, reg, pid := newFixture(t)

	code, err := PageFault(r, reg, pid, 1*testFrameSize)
	if err != nil {
		t.Fatalf("expected success; got code %d, err %v", code, err)
	}

	tsk, _ := reg.Lookup(pid)
	entry := tsk.PageTable[1]
	if !entry.HasFlags(mmu.FlagPresent) {
		t.Fatalf("expected page 1 to be resident")
	}

	frame := r.Bytes(ram.Frame(entry.FrameID()))
	for i, b := range frame {
		if b != 1+5 {
			t.Fatalf("byte %d of frame mismatches address space page 1: got %d", i, b)
		}
	}
}

// Scenario 2.
func TestPageFaultAlreadyResident(t *testing.T) {
	r, reg, pid := newFixture(t)

	if _, err := PageFault(r, reg, pid, 1*testFrameSize); err != nil {
		t.Fatalf("first fault failed: %v", err)
	}

	code, err := PageFault(r, reg, pid, 1*testFrameSize)
	if err == nil || code != -2 {
		t.Fatalf("expected code -2; got %d, %v", code, err)
	}
}

// Scenario 3.
func TestPageFaultEvictsOnCapacity(t *testing.T) {
	r, reg, pid := newFixture(t)

	for _, page := range []uint16{1, 2, 7} {
		if _, err := PageFault(r, reg, pid, page*testFrameSize); err != nil {
			t.Fatalf("fault on page %d failed: %v", page, err)
		}
	}

	tsk, _ := reg.Lookup(pid)
	resident := 0
	for _, p := range []int{1, 2, 7} {
		if tsk.PageTable[p].HasFlags(mmu.FlagPresent) {
			resident++
		}
	}
	if resident != 3 {
		t.Fatalf("expected all of {1,2,7} resident; got %d resident", resident)
	}

	if _, err := PageFault(r, reg, pid, 3*testFrameSize); err != nil {
		t.Fatalf("fourth fault failed: %v", err)
	}

	stillResident := 0
	for _, p := range []int{1, 2, 7} {
		if tsk.PageTable[p].HasFlags(mmu.FlagPresent) {
			stillResident++
		}
	}
	if stillResident != 2 {
		t.Fatalf("expected exactly one of {1,2,7} evicted after the 4th fault; %d still resident", stillResident)
	}
	if !tsk.PageTable[3].HasFlags(mmu.FlagPresent) {
		t.Fatalf("expected page 3 to be resident after its fault")
	}
}

// Scenario 4. Uses a 2-slot cap so the resident set is already full when
// page 7 is faulted, forcing the eviction the scenario describes.
func TestPageFaultNRUPrefersUnreferenced(t *testing.T) {
	r, reg, pid := newFixtureCap(t, 2)

	for _, page := range []uint16{1, 2} {
		if _, err := PageFault(r, reg, pid, page*testFrameSize); err != nil {
			t.Fatalf("fault on page %d failed: %v", page, err)
		}
	}

	tsk, _ := reg.Lookup(pid)
	tsk.PageTable[1].SetFlags(mmu.FlagReferenced) // class 2; page 2's class 4 makes it the better victim

	if _, err := PageFault(r, reg, pid, 7*testFrameSize); err != nil {
		t.Fatalf("fault on page 7 failed: %v", err)
	}

	if !tsk.PageTable[1].HasFlags(mmu.FlagPresent) {
		t.Fatalf("expected page 1 (referenced) to survive eviction")
	}
	if tsk.PageTable[1].HasFlags(mmu.FlagReferenced) {
		t.Fatalf("expected page 1's referenced bit to be cleared by the fault scan")
	}
	if tsk.PageTable[2].HasFlags(mmu.FlagPresent) {
		t.Fatalf("expected page 2 (class 4, unreferenced) to be the victim")
	}
	if !tsk.PageTable[7].HasFlags(mmu.FlagPresent) {
		t.Fatalf("expected page 7 to be resident after its fault")
	}
}

// Scenario 5. Uses a 2-slot cap for the same reason as scenario 4: the
// resident set must already be full before page 7's fault for an eviction
// (and so a writeback) to occur at all.
func TestPageFaultWritesBackDirtyVictim(t *testing.T) {
	r, reg, pid := newFixtureCap(t, 2)

	for _, page := range []uint16{1, 2} {
		if _, err := PageFault(r, reg, pid, page*testFrameSize); err != nil {
			t.Fatalf("fault on page %d failed: %v", page, err)
		}
	}

	tsk, _ := reg.Lookup(pid)
	tsk.PageTable[1].SetFlags(mmu.FlagModified)
	tsk.PageTable[2].SetFlags(mmu.FlagModified)

	f1 := tsk.PageTable[1].FrameID()
	f2 := tsk.PageTable[2].FrameID()
	r.Bytes(ram.Frame(f1))[0] = 0xAA
	r.Bytes(ram.Frame(f2))[0] = 0xBB

	if _, err := PageFault(r, reg, pid, 7*testFrameSize); err != nil {
		t.Fatalf("fault on page 7 failed: %v", err)
	}

	if tsk.PageTable[1].HasFlags(mmu.FlagModified) || tsk.PageTable[2].HasFlags(mmu.FlagModified) {
		t.Fatalf("expected modified bits cleared on both entries after the fault scan")
	}
	if tsk.AddressSpace[1*testFrameSize] != 0xAA {
		t.Errorf("expected page 1's sentinel byte written back to the address space")
	}
	if tsk.AddressSpace[2*testFrameSize] != 0xBB {
		t.Errorf("expected page 2's sentinel byte written back to the address space")
	}

	evicted := 0
	if !tsk.PageTable[1].HasFlags(mmu.FlagPresent) {
		evicted++
	}
	if !tsk.PageTable[2].HasFlags(mmu.FlagPresent) {
		evicted++
	}
	if evicted != 1 {
		t.Fatalf("expected exactly one of {1,2} evicted; got %d", evicted)
	}
}

// Scenario 6.
func TestDestroyTaskFreesContiguousFrames(t *testing.T) {
	r, reg, pid := newFixture(t)

	for _, page := range []uint16{1, 2} {
		if _, err := PageFault(r, reg, pid, page*testFrameSize); err != nil {
			t.Fatalf("fault on page %d failed: %v", page, err)
		}
	}

	before := r.Stats()
	if _, err := reg.DestroyTask(pid); err != nil {
		t.Fatalf("destroy task failed: %v", err)
	}
	after := r.Stats()
	if after.FreeFrames != before.FreeFrames+2 {
		t.Fatalf("expected 2 frames freed; before=%+v after=%+v", before, after)
	}

	if _, err := r.Reserve(2); err != nil {
		t.Fatalf("expected a 2-frame reservation to succeed at the newly freed positions: %v", err)
	}
}

func TestPageFaultSegfaultOutOfRange(t *testing.T) {
	r, reg, pid := newFixture(t)

	code, err := PageFault(r, reg, pid, uint16(mmu.PageTableSize)*testFrameSize)
	if err == nil || code != -4 {
		t.Fatalf("expected code -4; got %d, %v", code, err)
	}
}

func TestPageFaultSegfaultOnNoProtection(t *testing.T) {
	r, reg, pid := newFixture(t)
	tsk, _ := reg.Lookup(pid)
	tsk.PageTable[4].ClearFlags(mmu.FlagR | mmu.FlagW | mmu.FlagX)

	code, err := PageFault(r, reg, pid, 4*testFrameSize)
	if err == nil || code != -4 {
		t.Fatalf("expected code -4; got %d, %v", code, err)
	}
}

func TestPageFaultUnknownTask(t *testing.T) {
	r, reg, _ := newFixture(t)

	code, err := PageFault(r, reg, 99, 0)
	if err == nil || code != -1 {
		t.Fatalf("expected code -1; got %d, %v", code, err)
	}
}
