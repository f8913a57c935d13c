package jit

import (
	"testing"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
)

func newArena(t *testing.T, size int) *CodeArena {
	t.Helper()
	arena, err := NewCodeArena(size)
	if err != nil {
		t.Fatalf("Failed to create arena: %v", err)
	}
	t.Cleanup(func() { arena.Free() })
	return arena
}

// fakeEnv is a flat memory with no translation.
type fakeEnv struct {
	mem      map[types.GuestAddr]uint64
	stores   int
	flushes  int
	selfHit  int // store index that reports self modification, 1-based
	faultAt  types.GuestAddr
	hostPCs  []int
	lastMode types.MMUMode
}

func (e *fakeEnv) Load(vaddr types.GuestAddr, size int, mode types.MMUMode) (uint64, error) {
	if vaddr == e.faultAt && e.faultAt != 0 {
		return 0, &errors.GuestFault{Addr: vaddr, Kind: types.AccessRead, Mode: mode}
	}
	e.lastMode = mode
	return e.mem[vaddr], nil
}

func (e *fakeEnv) Store(vaddr types.GuestAddr, size int, mode types.MMUMode, value uint64, hostPC int) (bool, error) {
	e.stores++
	e.hostPCs = append(e.hostPCs, hostPC)
	e.mem[vaddr] = value
	return e.stores == e.selfHit, nil
}

func (e *fakeEnv) TLBFlush(scope types.TLBScope, vaddr types.GuestAddr, mode types.MMUMode) {
	e.flushes++
}

func emitBlock(t *testing.T, arena *CodeArena, be Backend, b *ir.Block, tag uint32) (int, [2]ExitSite) {
	t.Helper()
	off, buf, err := arena.Allocate(be.MaxSize(b))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	n, exits, err := be.Emit(b, buf, tag)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	arena.Commit(off, n)
	return off, exits
}

func TestArenaAllocateAlignsAndExhausts(t *testing.T) {
	arena := newArena(t, 4096)

	a, _, err := arena.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, _, err := arena.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a != 0 {
		t.Errorf("first allocation at %d, want 0", a)
	}
	if b%arena.Align() != 0 || b <= a {
		t.Errorf("second allocation at %d, want aligned to %d after %d", b, arena.Align(), a)
	}

	if _, _, err := arena.Allocate(8192); !errors.IsCapacityExhausted(err) {
		t.Fatalf("Allocate(8192) error = %v, want capacity exhausted", err)
	}

	arena.Reset()
	if arena.Used() != 0 {
		t.Errorf("Used after Reset = %d, want 0", arena.Used())
	}
}

func TestArenaCommitShrinks(t *testing.T) {
	arena := newArena(t, 4096)
	off, _, _ := arena.Allocate(1000)
	arena.Commit(off, 12)
	if arena.Used() != 12 {
		t.Errorf("Used = %d, want 12", arena.Used())
	}
}

func TestPatchRel32RoundTrip(t *testing.T) {
	arena := newArena(t, 4096)
	arena.PatchRel32(64, 1024)
	if got := arena.LoadRel32(64); got != 1024 {
		t.Errorf("LoadRel32 = %d, want 1024", got)
	}
	arena.PatchRel32(64, 68)
	if got := arena.LoadRel32(64); got != 68 {
		t.Errorf("LoadRel32 = %d, want 68", got)
	}
}

func TestPatchRel32RejectsMisalignedSite(t *testing.T) {
	arena := newArena(t, 4096)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.IsAssertionFailure(err) {
			t.Fatalf("expected assertion failure panic, got %v", r)
		}
	}()
	arena.PatchRel32(3, 100)
}

func TestBytecodeArithmeticAndExit(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x1000}
	b.InsnStart(0x1000, 4)
	b.MovI(1, 40)
	b.InsnStart(0x1004, 4)
	b.AddI(2, 1, 2)
	b.InsnStart(0x1008, 4)
	b.Sub(3, 2, 1)
	b.ExitTB(0x100c)

	entry, exits := emitBlock(t, arena, Bytecode{}, b, 7)
	if exits[0].Used() || exits[1].Used() {
		t.Errorf("unexpected exit slots %+v", exits)
	}

	st := &State{}
	exit := Interpret(arena, entry, st, &fakeEnv{mem: map[types.GuestAddr]uint64{}}, 0)
	want := Exit{Kind: ExitNoChain, Slot: -1, Tag: 7, Insns: 3}
	if diff := cmp.Diff(want, exit); diff != "" {
		t.Errorf("exit mismatch (-want +got):\n%s", diff)
	}
	if st.Regs[2] != 42 || st.Regs[3] != 2 {
		t.Errorf("r2=%d r3=%d, want 42 2", st.Regs[2], st.Regs[3])
	}
	if st.PC != 0x100c {
		t.Errorf("PC = %#x, want 0x100c", st.PC)
	}
}

func TestBytecodeGotoTBUnresolvedThenChained(t *testing.T) {
	arena := newArena(t, 4096)

	a := &ir.Block{PC: 0x1000}
	a.InsnStart(0x1000, 4)
	a.AddI(1, 1, 1)
	a.GotoTB(0, 0x1010)
	aEntry, aExits := emitBlock(t, arena, Bytecode{}, a, 1)

	b := &ir.Block{PC: 0x1010}
	b.InsnStart(0x1010, 4)
	b.AddI(2, 2, 5)
	b.Halt(0x1014)
	bEntry, _ := emitBlock(t, arena, Bytecode{}, b, 2)

	if !aExits[0].Used() || aExits[1].Used() {
		t.Fatalf("exits = %+v, want only slot 0", aExits)
	}
	site := aEntry + aExits[0].Disp
	if site&3 != 0 {
		t.Fatalf("goto_tb displacement at %#x is not aligned", site)
	}
	if got := arena.LoadRel32(site); got != aEntry+aExits[0].Reset {
		t.Fatalf("unresolved jump targets %#x, want %#x", got, aEntry+aExits[0].Reset)
	}

	env := &fakeEnv{mem: map[types.GuestAddr]uint64{}}
	st := &State{}
	exit := Interpret(arena, aEntry, st, env, 0)
	if exit.Kind != ExitChain || exit.Slot != 0 || exit.Tag != 1 {
		t.Fatalf("exit = %+v, want chain slot 0 tag 1", exit)
	}
	if st.PC != 0x1010 {
		t.Errorf("PC = %#x, want 0x1010", st.PC)
	}

	arena.PatchRel32(site, bEntry)
	st = &State{}
	exit = Interpret(arena, aEntry, st, env, 0)
	if exit.Kind != ExitHalt || exit.Tag != 2 {
		t.Fatalf("exit = %+v, want halt from tag 2", exit)
	}
	if st.Regs[1] != 1 || st.Regs[2] != 5 {
		t.Errorf("r1=%d r2=%d, want 1 5", st.Regs[1], st.Regs[2])
	}
	if exit.Insns != 2 {
		t.Errorf("Insns = %d, want 2", exit.Insns)
	}

	// unpatching restores the exit to the dispatcher
	arena.PatchRel32(site, aEntry+aExits[0].Reset)
	exit = Interpret(arena, aEntry, &State{}, env, 0)
	if exit.Kind != ExitChain {
		t.Errorf("exit after reset = %s, want chain", exit.Kind)
	}
}

func TestBytecodeBranchTakesBothPaths(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x2000}
	taken := b.NewLabel()
	b.InsnStart(0x2000, 4)
	b.BrNZ(1, taken)
	b.GotoTB(0, 0x2004)
	b.Label(taken)
	b.GotoTB(1, 0x2100)
	entry, exits := emitBlock(t, arena, Bytecode{}, b, 9)
	if !exits[0].Used() || !exits[1].Used() {
		t.Fatalf("exits = %+v, want both slots", exits)
	}

	env := &fakeEnv{mem: map[types.GuestAddr]uint64{}}
	st := &State{}
	exit := Interpret(arena, entry, st, env, 0)
	if exit.Slot != 0 || st.PC != 0x2004 {
		t.Errorf("not taken: slot %d pc %#x, want 0 0x2004", exit.Slot, st.PC)
	}
	st = &State{}
	st.Regs[1] = 1
	exit = Interpret(arena, entry, st, env, 0)
	if exit.Slot != 1 || st.PC != 0x2100 {
		t.Errorf("taken: slot %d pc %#x, want 1 0x2100", exit.Slot, st.PC)
	}
}

func TestBytecodeMemoryAndFaults(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x3000}
	b.InsnStart(0x3000, 4)
	b.Store(1, 8, 2, 4, 1)
	b.InsnStart(0x3004, 4)
	b.Load(3, 1, 8, 4, 1)
	b.InsnStart(0x3008, 4)
	b.Load(4, 5, 0, 4, 0)
	b.ExitTB(0x300c)
	entry, _ := emitBlock(t, arena, Bytecode{}, b, 3)

	env := &fakeEnv{mem: map[types.GuestAddr]uint64{}, faultAt: 0x9000}
	st := &State{}
	st.Regs[1] = 0x100
	st.Regs[2] = 77
	st.Regs[5] = 0x9000
	exit := Interpret(arena, entry, st, env, 0)
	if exit.Kind != ExitFault {
		t.Fatalf("exit = %s, want fault", exit.Kind)
	}
	if _, ok := errors.AsGuestFault(exit.Err); !ok {
		t.Errorf("fault error %v is not a GuestFault", exit.Err)
	}
	if st.PC != 0x3008 {
		t.Errorf("fault PC = %#x, want 0x3008", st.PC)
	}
	if st.Regs[3] != 77 || env.lastMode != 1 {
		t.Errorf("r3=%d mode=%d, want 77 1", st.Regs[3], env.lastMode)
	}
}

func TestBytecodeSelfModifyingStoreStopsBlock(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x4000}
	b.InsnStart(0x4000, 4)
	b.Store(1, 0, 2, 4, 0)
	b.InsnStart(0x4004, 4)
	b.MovI(3, 1)
	b.ExitTB(0x4008)
	entry, _ := emitBlock(t, arena, Bytecode{}, b, 4)

	env := &fakeEnv{mem: map[types.GuestAddr]uint64{}, selfHit: 1}
	st := &State{}
	exit := Interpret(arena, entry, st, env, 0)
	if exit.Kind != ExitSelfModified {
		t.Fatalf("exit = %s, want self-modified", exit.Kind)
	}
	if st.PC != 0x4004 {
		t.Errorf("PC = %#x, want 0x4004 (after the store)", st.PC)
	}
	if st.Regs[3] != 0 {
		t.Errorf("instruction after self-modifying store ran")
	}
	if len(env.hostPCs) != 1 || env.hostPCs[0] < entry {
		t.Errorf("store host pc = %v, want inside block at %d", env.hostPCs, entry)
	}
}

func TestBytecodeBudgetInterrupts(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x5000}
	b.InsnStart(0x5000, 4)
	b.AddI(1, 1, 1)
	b.GotoTB(0, 0x5000)
	entry, exits := emitBlock(t, arena, Bytecode{}, b, 5)
	// self loop
	arena.PatchRel32(entry+exits[0].Disp, entry)

	st := &State{}
	exit := Interpret(arena, entry, st, &fakeEnv{mem: map[types.GuestAddr]uint64{}}, 100)
	if exit.Kind != ExitInterrupt {
		t.Fatalf("exit = %s, want interrupt", exit.Kind)
	}
	if st.Regs[1] != 100 || st.PC != 0x5000 {
		t.Errorf("r1=%d pc=%#x, want 100 0x5000", st.Regs[1], st.PC)
	}
}

func TestX86GotoTBIsPatchableJump(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x1000}
	b.InsnStart(0x1000, 4)
	b.MovI(1, 3)
	b.Load(2, 1, 0, 8, 0)
	b.GotoTB(0, 0x1010)
	entry, exits := emitBlock(t, arena, X86{}, b, 11)
	site := entry + exits[0].Disp
	if site&3 != 0 {
		t.Fatalf("jmp displacement at %#x not aligned", site)
	}

	findJump := func() Instruction {
		t.Helper()
		insts, err := Disassemble(arena.Bytes()[entry:arena.Used()], entry)
		if err != nil {
			t.Fatalf("Disassemble: %v", err)
		}
		for _, in := range insts {
			if in.Inst.Op == x86asm.JMP && in.Offset+1 == site {
				return in
			}
		}
		t.Fatalf("no jmp rel32 at %#x in\n%s", site-1, FormatX86(arena.Bytes()[entry:arena.Used()], entry))
		return Instruction{}
	}

	jmp := findJump()
	if target, ok := jmp.Target(); !ok || target != entry+exits[0].Reset {
		t.Errorf("unresolved jmp target = %#x, want %#x", target, entry+exits[0].Reset)
	}

	arena.PatchRel32(site, 2048)
	jmp = findJump()
	if target, _ := jmp.Target(); target != 2048 {
		t.Errorf("patched jmp target = %#x, want 0x800", target)
	}
}

func TestEmitRejectsInvalidBlock(t *testing.T) {
	arena := newArena(t, 4096)
	b := &ir.Block{PC: 0x1000}
	b.BrNZ(1, 42)
	b.ExitTB(0x1004)
	_, buf, _ := arena.Allocate(Bytecode{}.MaxSize(b))
	if _, _, err := (Bytecode{}).Emit(b, buf, 0); err == nil {
		t.Errorf("expected error for undefined label")
	}
}
