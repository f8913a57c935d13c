package jit

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/ir"
)

// Layout of the CPU state block addressed by RDI in generated x86-64 code.
// The three helper slots hold host function pointers:
//
//	load:  (state, vaddr, size|mode<<8) -> value
//	store: (state, vaddr, size|mode<<8, value)
//	tlb:   (state, vaddr, scope|mode<<8)
const (
	X86StateRegsOffset   = 0
	X86StatePCOffset     = 8 * ir.NumRegs
	X86HelperLoadOffset  = X86StatePCOffset + 8
	X86HelperStoreOffset = X86HelperLoadOffset + 8
	X86HelperTLBOffset   = X86HelperStoreOffset + 8
)

// Scratch registers. RDI holds the state pointer for the whole block.
const (
	x86Scratch1 = RAX
	x86Scratch2 = RCX
	x86StateReg = RDI
)

const maxX86OpSize = 48

// X86 emits x86-64 machine code. A block returns with RAX = tag and
// RDX = exit code; chainable exits are `jmp rel32` instructions whose
// displacement is aligned for atomic patching.
type X86 struct{}

func (X86) Name() string { return "x86-64" }

func (X86) MaxSize(b *ir.Block) int {
	return len(b.Ops)*maxX86OpSize + 16
}

func regOffset(r uint8) int32 {
	return int32(X86StateRegsOffset + 8*int(r))
}

func (X86) Emit(b *ir.Block, buf []byte, tag uint32) (int, [2]ExitSite, error) {
	exits := noExits
	if err := b.Validate(); err != nil {
		return 0, exits, err
	}
	asm := NewAssembler(buf)
	labels := map[int]int{}
	var fixups []struct{ disp, label int }

	exit := func(code uint32) {
		asm.MovRegImm32(RAX, tag)
		asm.MovRegImm32(RDX, code)
		asm.Ret()
	}
	setPC := func(pc uint64) {
		asm.MovRegImm64(x86Scratch1, pc)
		asm.MovMemReg64(x86StateReg, X86StatePCOffset, x86Scratch1)
	}
	helper := func(offset int32) {
		// RDI is caller-saved; keep it across the call, which also keeps
		// the stack 16-byte aligned at the call
		asm.Push(x86StateReg)
		asm.CallMem(x86StateReg, offset)
		asm.Pop(x86StateReg)
	}

	for _, op := range b.Ops {
		if len(buf)-asm.Offset() < maxX86OpSize {
			return 0, exits, fmt.Errorf("x86 buffer of %d bytes too small", len(buf))
		}
		switch op.Code {
		case ir.OpInsnStart:
		case ir.OpMovI:
			asm.MovRegImm64(x86Scratch1, op.Imm)
			asm.MovMemReg64(x86StateReg, regOffset(op.Dst), x86Scratch1)
		case ir.OpMov:
			asm.MovRegMem64(x86Scratch1, x86StateReg, regOffset(op.Src1))
			asm.MovMemReg64(x86StateReg, regOffset(op.Dst), x86Scratch1)
		case ir.OpAdd, ir.OpSub:
			asm.MovRegMem64(x86Scratch1, x86StateReg, regOffset(op.Src1))
			asm.MovRegMem64(x86Scratch2, x86StateReg, regOffset(op.Src2))
			if op.Code == ir.OpAdd {
				asm.AddRegReg(x86Scratch1, x86Scratch2)
			} else {
				asm.SubRegReg(x86Scratch1, x86Scratch2)
			}
			asm.MovMemReg64(x86StateReg, regOffset(op.Dst), x86Scratch1)
		case ir.OpAddI:
			asm.MovRegMem64(x86Scratch1, x86StateReg, regOffset(op.Src1))
			asm.MovRegImm64(x86Scratch2, op.Imm)
			asm.AddRegReg(x86Scratch1, x86Scratch2)
			asm.MovMemReg64(x86StateReg, regOffset(op.Dst), x86Scratch1)
		case ir.OpLoad:
			asm.MovRegMem64(RSI, x86StateReg, regOffset(op.Src1))
			asm.MovRegImm64(x86Scratch2, op.Imm)
			asm.AddRegReg(RSI, x86Scratch2)
			asm.MovRegImm32(RDX, uint32(op.Size)|uint32(op.Mode)<<8)
			helper(X86HelperLoadOffset)
			asm.MovMemReg64(x86StateReg, regOffset(op.Dst), RAX)
		case ir.OpStore:
			asm.MovRegMem64(RSI, x86StateReg, regOffset(op.Src1))
			asm.MovRegImm64(x86Scratch2, op.Imm)
			asm.AddRegReg(RSI, x86Scratch2)
			asm.MovRegMem64(RCX, x86StateReg, regOffset(op.Src2))
			asm.MovRegImm32(RDX, uint32(op.Size)|uint32(op.Mode)<<8)
			helper(X86HelperStoreOffset)
		case ir.OpBrNZ:
			asm.MovRegMem64(x86Scratch1, x86StateReg, regOffset(op.Src1))
			asm.TestRegReg(x86Scratch1, x86Scratch1)
			asm.JneNear(0)
			fixups = append(fixups, struct{ disp, label int }{asm.Offset() - 4, op.Label})
		case ir.OpLabel:
			labels[op.Label] = asm.Offset()
		case ir.OpGotoTB:
			for (asm.Offset()+1)&3 != 0 {
				asm.Nop()
			}
			asm.JmpRel32(0)
			site := asm.Offset() - 4
			exits[op.Slot] = ExitSite{Disp: site, Reset: site + 4}
			setPC(op.Imm)
			exit(uint32(op.Slot))
		case ir.OpExitTB:
			setPC(op.Imm)
			exit(ExitCodeNoChain)
		case ir.OpJmpReg:
			asm.MovRegMem64(x86Scratch1, x86StateReg, regOffset(op.Src1))
			asm.MovMemReg64(x86StateReg, X86StatePCOffset, x86Scratch1)
			exit(ExitCodeNoChain)
		case ir.OpHalt:
			setPC(op.Imm)
			exit(ExitCodeHalt)
		case ir.OpTLBFlush:
			asm.MovRegMem64(RSI, x86StateReg, regOffset(op.Src1))
			asm.MovRegImm32(RDX, uint32(op.Imm)|uint32(op.Mode)<<8)
			helper(X86HelperTLBOffset)
		default:
			return 0, exits, fmt.Errorf("x86: unsupported op %s", op.Code)
		}
	}

	for _, f := range fixups {
		asm.patchRel32At(f.disp, labels[f.label])
	}
	return asm.Offset(), exits, nil
}
