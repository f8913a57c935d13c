// Package ir defines the intermediate operation stream that guest front ends
// produce and host backends consume.
package ir

import (
	"fmt"
	"strings"

	"github.com/ascrivener/dbt/pkg/types"
)

// NumRegs is the number of guest registers an op may name.
const NumRegs = 16

type Opcode uint8

const (
	OpInsnStart Opcode = iota // Imm = guest pc, Size = instruction length
	OpMovI                    // Dst = Imm
	OpMov                     // Dst = Src1
	OpAdd                     // Dst = Src1 + Src2
	OpAddI                    // Dst = Src1 + Imm
	OpSub                     // Dst = Src1 - Src2
	OpLoad                    // Dst = mem[Src1+Imm] (Size bytes, Mode)
	OpStore                   // mem[Src1+Imm] = Src2 (Size bytes, Mode)
	OpBrNZ                    // if Src1 != 0 goto Label
	OpLabel                   // branch target
	OpGotoTB                  // pc = Imm, leave through chainable exit Slot
	OpExitTB                  // pc = Imm, leave to the dispatcher
	OpJmpReg                  // pc = Src1, leave to the dispatcher
	OpTLBFlush                // TLB maintenance: Imm = types.TLBScope, Src1 = address, Mode
	OpHalt                    // stop the guest; pc = Imm
	numOpcodes
)

var opNames = [numOpcodes]string{
	OpInsnStart: "insn_start",
	OpMovI:      "movi",
	OpMov:       "mov",
	OpAdd:       "add",
	OpAddI:      "addi",
	OpSub:       "sub",
	OpLoad:      "ld",
	OpStore:     "st",
	OpBrNZ:      "brnz",
	OpLabel:     "label",
	OpGotoTB:    "goto_tb",
	OpExitTB:    "exit_tb",
	OpJmpReg:    "jmp_reg",
	OpTLBFlush:  "tlb_flush",
	OpHalt:      "halt",
}

func (o Opcode) String() string {
	if o < numOpcodes {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Op is one intermediate operation.
type Op struct {
	Code  Opcode
	Dst   uint8
	Src1  uint8
	Src2  uint8
	Size  uint8
	Mode  uint8
	Slot  uint8
	Label int
	Imm   uint64
}

func (op Op) String() string {
	switch op.Code {
	case OpInsnStart, OpExitTB, OpHalt:
		return fmt.Sprintf("%s %#x", op.Code, op.Imm)
	case OpMovI:
		return fmt.Sprintf("%s r%d, %#x", op.Code, op.Dst, op.Imm)
	case OpMov:
		return fmt.Sprintf("%s r%d, r%d", op.Code, op.Dst, op.Src1)
	case OpAdd, OpSub:
		return fmt.Sprintf("%s r%d, r%d, r%d", op.Code, op.Dst, op.Src1, op.Src2)
	case OpAddI:
		return fmt.Sprintf("%s r%d, r%d, %#x", op.Code, op.Dst, op.Src1, op.Imm)
	case OpLoad:
		return fmt.Sprintf("%s%d r%d, [r%d+%#x] mode=%d", op.Code, op.Size*8, op.Dst, op.Src1, op.Imm, op.Mode)
	case OpStore:
		return fmt.Sprintf("%s%d [r%d+%#x], r%d mode=%d", op.Code, op.Size*8, op.Src1, op.Imm, op.Src2, op.Mode)
	case OpBrNZ:
		return fmt.Sprintf("%s r%d, L%d", op.Code, op.Src1, op.Label)
	case OpLabel:
		return fmt.Sprintf("L%d:", op.Label)
	case OpGotoTB:
		return fmt.Sprintf("%s %d, %#x", op.Code, op.Slot, op.Imm)
	case OpJmpReg:
		return fmt.Sprintf("%s r%d", op.Code, op.Src1)
	case OpTLBFlush:
		return fmt.Sprintf("%s scope=%d, r%d mode=%d", op.Code, op.Imm, op.Src1, op.Mode)
	}
	return op.Code.String()
}

// FetchFunc reads the guest instruction word at pc. Front ends fetch through
// it so that code is read with the same translation the CPU would use.
type FetchFunc func(pc types.GuestAddr) (uint32, error)

// Block is the output of a front end for one translation block.
type Block struct {
	PC       types.GuestAddr
	Context  types.ContextBits
	Flags    uint32
	Size     uint64 // guest bytes covered
	NumInsns int
	Ops      []Op

	labels int
}

// NewLabel allocates a fresh label id.
func (b *Block) NewLabel() int {
	b.labels++
	return b.labels
}

func (b *Block) emit(op Op) {
	b.Ops = append(b.Ops, op)
}

// InsnStart marks the start of the guest instruction at pc, length bytes
// long.
func (b *Block) InsnStart(pc types.GuestAddr, length int) {
	b.NumInsns++
	b.emit(Op{Code: OpInsnStart, Imm: uint64(pc), Size: uint8(length)})
}

func (b *Block) MovI(dst uint8, imm uint64) { b.emit(Op{Code: OpMovI, Dst: dst, Imm: imm}) }
func (b *Block) Mov(dst, src uint8)         { b.emit(Op{Code: OpMov, Dst: dst, Src1: src}) }
func (b *Block) Add(dst, a, c uint8)        { b.emit(Op{Code: OpAdd, Dst: dst, Src1: a, Src2: c}) }
func (b *Block) Sub(dst, a, c uint8)        { b.emit(Op{Code: OpSub, Dst: dst, Src1: a, Src2: c}) }

func (b *Block) AddI(dst, src uint8, imm uint64) {
	b.emit(Op{Code: OpAddI, Dst: dst, Src1: src, Imm: imm})
}

func (b *Block) Load(dst, base uint8, off uint64, size uint8, mode types.MMUMode) {
	b.emit(Op{Code: OpLoad, Dst: dst, Src1: base, Imm: off, Size: size, Mode: uint8(mode)})
}

func (b *Block) Store(base uint8, off uint64, src uint8, size uint8, mode types.MMUMode) {
	b.emit(Op{Code: OpStore, Src1: base, Src2: src, Imm: off, Size: size, Mode: uint8(mode)})
}

func (b *Block) BrNZ(src uint8, label int) { b.emit(Op{Code: OpBrNZ, Src1: src, Label: label}) }
func (b *Block) Label(label int)           { b.emit(Op{Code: OpLabel, Label: label}) }

func (b *Block) GotoTB(slot int, target types.GuestAddr) {
	b.emit(Op{Code: OpGotoTB, Slot: uint8(slot), Imm: uint64(target)})
}

func (b *Block) ExitTB(next types.GuestAddr) { b.emit(Op{Code: OpExitTB, Imm: uint64(next)}) }
func (b *Block) JmpReg(src uint8)            { b.emit(Op{Code: OpJmpReg, Src1: src}) }
func (b *Block) Halt(pc types.GuestAddr)     { b.emit(Op{Code: OpHalt, Imm: uint64(pc)}) }

func (b *Block) TLBFlush(scope types.TLBScope, addr uint8, mode types.MMUMode) {
	b.emit(Op{Code: OpTLBFlush, Imm: uint64(scope), Src1: addr, Mode: uint8(mode)})
}

// Validate checks register numbers, exit slots and labels.
func (b *Block) Validate() error {
	defined := map[int]bool{}
	for _, op := range b.Ops {
		if op.Code == OpLabel {
			if defined[op.Label] {
				return fmt.Errorf("label L%d defined twice", op.Label)
			}
			defined[op.Label] = true
		}
	}
	for i, op := range b.Ops {
		if op.Code >= numOpcodes {
			return fmt.Errorf("op %d: unknown opcode %d", i, op.Code)
		}
		if op.Dst >= NumRegs || op.Src1 >= NumRegs || op.Src2 >= NumRegs {
			return fmt.Errorf("op %d (%s): register out of range", i, op)
		}
		switch op.Code {
		case OpGotoTB:
			if op.Slot > 1 {
				return fmt.Errorf("op %d: exit slot %d out of range", i, op.Slot)
			}
		case OpBrNZ:
			if !defined[op.Label] {
				return fmt.Errorf("op %d: undefined label L%d", i, op.Label)
			}
		case OpLoad, OpStore:
			switch op.Size {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("op %d: bad access size %d", i, op.Size)
			}
		}
	}
	return nil
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s ctx=%#x size=%d\n", b.PC, uint64(b.Context), b.Size)
	for _, op := range b.Ops {
		sb.WriteString("  ")
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
