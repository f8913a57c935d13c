package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded x86-64 instruction of a block.
type Instruction struct {
	Offset int
	Len    int
	Inst   x86asm.Inst
}

// Target returns the arena offset a relative branch lands on.
func (in Instruction) Target() (int, bool) {
	for _, arg := range in.Inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return in.Offset + in.Len + int(rel), true
		}
	}
	return 0, false
}

// Disassemble decodes x86-64 code that starts at arena offset base.
func Disassemble(code []byte, base int) ([]Instruction, error) {
	var out []Instruction
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return out, fmt.Errorf("decode at %#x: %w", base+off, err)
		}
		out = append(out, Instruction{Offset: base + off, Len: inst.Len, Inst: inst})
		off += inst.Len
	}
	return out, nil
}

// FormatX86 renders code in Intel syntax, one instruction per line.
func FormatX86(code []byte, base int) string {
	insts, err := Disassemble(code, base)
	var sb strings.Builder
	for _, in := range insts {
		fmt.Fprintf(&sb, "%08x  %s\n", in.Offset, x86asm.IntelSyntax(in.Inst, uint64(in.Offset), nil))
	}
	if err != nil {
		fmt.Fprintf(&sb, "; %v\n", err)
	}
	return sb.String()
}
