// Package guest is a small reference guest: a fixed-width 32-bit ISA, its
// front end producing ir blocks, a two-level page table MMU living in guest
// RAM, and an assembler for building guest images.
package guest

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/types"
)

// InsnSize is the size of every instruction. Instructions are aligned, so
// none straddles a page boundary.
const InsnSize = 4

// Opcode is the low byte of an instruction word.
type Opcode uint8

const (
	OpHalt Opcode = iota
	OpLi          // rd = sext(imm)
	OpLui         // rd = imm << 16
	OpAddi        // rd = rs + sext(imm)
	OpAdd         // rd = rs + rt
	OpSub         // rd = rs - rt
	OpLdw         // rd = mem32[rs + sext(imm)]
	OpStw         // mem32[rs + sext(imm)] = rd
	OpLdb         // rd = mem8[rs + sext(imm)]
	OpStb         // mem8[rs + sext(imm)] = rd
	OpJmp         // pc = pc + sext(imm)*4
	OpBnz         // if rs != 0: pc = pc + sext(imm)*4
	OpJr          // pc = rs
	OpTlbi        // drop the TLB entries of the page at rs, all modes
	OpTlbiAll     // drop every TLB entry
	OpTlbiASID    // drop every non-global TLB entry
	OpMov         // rd = rs
	numOpcodes
)

var opNames = [numOpcodes]string{
	"halt", "li", "lui", "addi", "add", "sub", "ldw", "stw", "ldb", "stb",
	"jmp", "bnz", "jr", "tlbi", "tlbi.all", "tlbi.asid", "mov",
}

func (o Opcode) String() string {
	if o < numOpcodes {
		return opNames[o]
	}
	return fmt.Sprintf("op(%#x)", uint8(o))
}

// Insn is a decoded instruction.
//
// Encoding (little endian word):
//
//	bits 0-7   opcode
//	bits 8-11  rd
//	bits 12-15 rs
//	bits 16-31 imm (rt in bits 16-19 for add/sub)
type Insn struct {
	Op  Opcode
	Rd  uint8
	Rs  uint8
	Imm uint16
}

// Decode splits an instruction word.
func Decode(word uint32) Insn {
	return Insn{
		Op:  Opcode(word),
		Rd:  uint8(word>>8) & 0xf,
		Rs:  uint8(word>>12) & 0xf,
		Imm: uint16(word >> 16),
	}
}

// Encode packs an instruction.
func (in Insn) Encode() uint32 {
	return uint32(in.Op) | uint32(in.Rd&0xf)<<8 | uint32(in.Rs&0xf)<<12 | uint32(in.Imm)<<16
}

// Rt is the second source register of add and sub.
func (in Insn) Rt() uint8 {
	return uint8(in.Imm) & 0xf
}

// SImm is the sign-extended immediate.
func (in Insn) SImm() uint64 {
	return uint64(int64(int16(in.Imm)))
}

// BranchTarget returns the destination of jmp or bnz at pc.
func (in Insn) BranchTarget(pc types.GuestAddr) types.GuestAddr {
	return pc + types.GuestAddr(in.SImm()*InsnSize)
}

func (in Insn) String() string {
	switch in.Op {
	case OpHalt, OpTlbiAll, OpTlbiASID:
		return in.Op.String()
	case OpLi, OpLui:
		return fmt.Sprintf("%s r%d, %#x", in.Op, in.Rd, in.Imm)
	case OpAddi:
		return fmt.Sprintf("addi r%d, r%d, %d", in.Rd, in.Rs, int16(in.Imm))
	case OpAdd, OpSub:
		return fmt.Sprintf("%s r%d, r%d, r%d", in.Op, in.Rd, in.Rs, in.Rt())
	case OpLdw, OpStw, OpLdb, OpStb:
		return fmt.Sprintf("%s r%d, %d(r%d)", in.Op, in.Rd, int16(in.Imm), in.Rs)
	case OpJmp:
		return fmt.Sprintf("jmp %+d", int16(in.Imm))
	case OpBnz:
		return fmt.Sprintf("bnz r%d, %+d", in.Rs, int16(in.Imm))
	case OpJr, OpTlbi:
		return fmt.Sprintf("%s r%d", in.Op, in.Rs)
	case OpMov:
		return fmt.Sprintf("mov r%d, r%d", in.Rd, in.Rs)
	}
	return fmt.Sprintf("%s %#08x", in.Op, in.Encode())
}
