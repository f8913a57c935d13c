package guest

import (
	"encoding/binary"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/types"
)

// Asm assembles a guest program placed at a fixed base address. Branches
// name labels, which may be defined later.
type Asm struct {
	base   types.GuestAddr
	words  []uint32
	labels map[string]int
	fixups []asmFixup
}

type asmFixup struct {
	index int
	label string
}

// NewAsm starts a program at base.
func NewAsm(base types.GuestAddr) *Asm {
	return &Asm{base: base, labels: map[string]int{}}
}

// PC returns the address of the next instruction.
func (a *Asm) PC() types.GuestAddr {
	return a.base + types.GuestAddr(len(a.words)*InsnSize)
}

func (a *Asm) emit(in Insn) *Asm {
	a.words = append(a.words, in.Encode())
	return a
}

// Label defines name at the current position.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.words)
	return a
}

func (a *Asm) Halt() *Asm                    { return a.emit(Insn{Op: OpHalt}) }
func (a *Asm) Li(rd uint8, imm int16) *Asm   { return a.emit(Insn{Op: OpLi, Rd: rd, Imm: uint16(imm)}) }
func (a *Asm) Lui(rd uint8, imm uint16) *Asm { return a.emit(Insn{Op: OpLui, Rd: rd, Imm: imm}) }
func (a *Asm) Mov(rd, rs uint8) *Asm         { return a.emit(Insn{Op: OpMov, Rd: rd, Rs: rs}) }
func (a *Asm) Jr(rs uint8) *Asm              { return a.emit(Insn{Op: OpJr, Rs: rs}) }
func (a *Asm) Tlbi(rs uint8) *Asm            { return a.emit(Insn{Op: OpTlbi, Rs: rs}) }
func (a *Asm) TlbiAll() *Asm                 { return a.emit(Insn{Op: OpTlbiAll}) }
func (a *Asm) TlbiASID() *Asm                { return a.emit(Insn{Op: OpTlbiASID}) }

func (a *Asm) Addi(rd, rs uint8, imm int16) *Asm {
	return a.emit(Insn{Op: OpAddi, Rd: rd, Rs: rs, Imm: uint16(imm)})
}

func (a *Asm) Add(rd, rs, rt uint8) *Asm {
	return a.emit(Insn{Op: OpAdd, Rd: rd, Rs: rs, Imm: uint16(rt)})
}

func (a *Asm) Sub(rd, rs, rt uint8) *Asm {
	return a.emit(Insn{Op: OpSub, Rd: rd, Rs: rs, Imm: uint16(rt)})
}

func (a *Asm) Ldw(rd, rs uint8, off int16) *Asm {
	return a.emit(Insn{Op: OpLdw, Rd: rd, Rs: rs, Imm: uint16(off)})
}

func (a *Asm) Stw(rd, rs uint8, off int16) *Asm {
	return a.emit(Insn{Op: OpStw, Rd: rd, Rs: rs, Imm: uint16(off)})
}

func (a *Asm) Ldb(rd, rs uint8, off int16) *Asm {
	return a.emit(Insn{Op: OpLdb, Rd: rd, Rs: rs, Imm: uint16(off)})
}

func (a *Asm) Stb(rd, rs uint8, off int16) *Asm {
	return a.emit(Insn{Op: OpStb, Rd: rd, Rs: rs, Imm: uint16(off)})
}

// LoadImm32 sets rd to a 32-bit constant, zero-extended.
func (a *Asm) LoadImm32(rd uint8, v uint32) *Asm {
	a.Lui(rd, uint16(v>>16))
	lo := uint16(v)
	if lo&0x8000 != 0 {
		// addi sign-extends; add the top bit in two positive halves
		a.Addi(rd, rd, 0x4000)
		a.Addi(rd, rd, 0x4000)
		lo &^= 0x8000
	}
	if lo != 0 {
		a.Addi(rd, rd, int16(lo))
	}
	return a
}

// Jmp branches to label.
func (a *Asm) Jmp(label string) *Asm {
	a.fixups = append(a.fixups, asmFixup{index: len(a.words), label: label})
	return a.emit(Insn{Op: OpJmp})
}

// Bnz branches to label when rs is not zero.
func (a *Asm) Bnz(rs uint8, label string) *Asm {
	a.fixups = append(a.fixups, asmFixup{index: len(a.words), label: label})
	return a.emit(Insn{Op: OpBnz, Rs: rs})
}

// Addr returns the address of a defined label.
func (a *Asm) Addr(label string) (types.GuestAddr, bool) {
	i, ok := a.labels[label]
	return a.base + types.GuestAddr(i*InsnSize), ok
}

// Bytes resolves branches and returns the program image.
func (a *Asm) Bytes() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, errors.Newf("undefined label %q", f.label)
		}
		rel := target - f.index
		if rel < -1<<15 || rel >= 1<<15 {
			return nil, errors.Newf("branch to %q out of range", f.label)
		}
		in := Decode(a.words[f.index])
		in.Imm = uint16(int16(rel))
		a.words[f.index] = in.Encode()
	}
	out := make([]byte, len(a.words)*InsnSize)
	for i, w := range a.words {
		binary.LittleEndian.PutUint32(out[i*InsnSize:], w)
	}
	return out, nil
}
