package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/ascrivener/dbt/pkg/ir"
)

// Bytecode opcodes. The bytecode backend writes a compact register-machine
// encoding into the arena which the interpreter executes in place; chaining
// patches the goto_tb displacement exactly as the native backend does.
const (
	bcNop byte = iota
	bcInsnStart
	bcMovI
	bcMov
	bcAdd
	bcAddI
	bcSub
	bcLoad
	bcStore
	bcBrNZ
	bcGotoTB
	bcSetPC
	bcSetPCReg
	bcExit
	bcTLBFlush
)

// largest encoding of a single ir op (goto_tb with padding, set_pc, exit)
const maxBytecodeOpSize = 24

// Bytecode is the portable backend.
type Bytecode struct{}

func (Bytecode) Name() string { return "bytecode" }

func (Bytecode) MaxSize(b *ir.Block) int {
	return len(b.Ops)*maxBytecodeOpSize + 8
}

type bcWriter struct {
	buf []byte
	off int
}

func (w *bcWriter) u8(v byte) {
	w.buf[w.off] = v
	w.off++
}

func (w *bcWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *bcWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *bcWriter) exit(code byte, tag uint32) {
	w.u8(bcExit)
	w.u8(code)
	w.u32(tag)
}

func (Bytecode) Emit(b *ir.Block, buf []byte, tag uint32) (int, [2]ExitSite, error) {
	exits := noExits
	if err := b.Validate(); err != nil {
		return 0, exits, err
	}
	w := &bcWriter{buf: buf}
	labels := map[int]int{}
	var fixups []struct{ disp, label int }

	for _, op := range b.Ops {
		if len(buf)-w.off < maxBytecodeOpSize {
			return 0, exits, fmt.Errorf("bytecode buffer of %d bytes too small", len(buf))
		}
		switch op.Code {
		case ir.OpInsnStart:
			w.u8(bcInsnStart)
			w.u64(op.Imm)
			w.u8(op.Size)
		case ir.OpMovI:
			w.u8(bcMovI)
			w.u8(op.Dst)
			w.u64(op.Imm)
		case ir.OpMov:
			w.u8(bcMov)
			w.u8(op.Dst)
			w.u8(op.Src1)
		case ir.OpAdd, ir.OpSub:
			if op.Code == ir.OpAdd {
				w.u8(bcAdd)
			} else {
				w.u8(bcSub)
			}
			w.u8(op.Dst)
			w.u8(op.Src1)
			w.u8(op.Src2)
		case ir.OpAddI:
			w.u8(bcAddI)
			w.u8(op.Dst)
			w.u8(op.Src1)
			w.u64(op.Imm)
		case ir.OpLoad:
			w.u8(bcLoad)
			w.u8(op.Dst)
			w.u8(op.Src1)
			w.u8(op.Size)
			w.u8(op.Mode)
			w.u64(op.Imm)
		case ir.OpStore:
			w.u8(bcStore)
			w.u8(op.Src1)
			w.u8(op.Src2)
			w.u8(op.Size)
			w.u8(op.Mode)
			w.u64(op.Imm)
		case ir.OpBrNZ:
			w.u8(bcBrNZ)
			w.u8(op.Src1)
			fixups = append(fixups, struct{ disp, label int }{w.off, op.Label})
			w.u32(0)
		case ir.OpLabel:
			labels[op.Label] = w.off
		case ir.OpGotoTB:
			// pad so the displacement is naturally aligned
			for (w.off+1)&3 != 0 {
				w.u8(bcNop)
			}
			w.u8(bcGotoTB)
			exits[op.Slot] = ExitSite{Disp: w.off, Reset: w.off + 4}
			w.u32(0)
			w.u8(bcSetPC)
			w.u64(op.Imm)
			w.exit(op.Slot, tag)
		case ir.OpExitTB:
			w.u8(bcSetPC)
			w.u64(op.Imm)
			w.exit(ExitCodeNoChain, tag)
		case ir.OpJmpReg:
			w.u8(bcSetPCReg)
			w.u8(op.Src1)
			w.exit(ExitCodeNoChain, tag)
		case ir.OpHalt:
			w.u8(bcSetPC)
			w.u64(op.Imm)
			w.exit(ExitCodeHalt, tag)
		case ir.OpTLBFlush:
			w.u8(bcTLBFlush)
			w.u8(byte(op.Imm))
			w.u8(op.Src1)
			w.u8(op.Mode)
		default:
			return 0, exits, fmt.Errorf("bytecode: unsupported op %s", op.Code)
		}
	}

	for _, f := range fixups {
		// relative to the end of the brnz instruction
		rel := int32(labels[f.label] - (f.disp + 4))
		binary.LittleEndian.PutUint32(buf[f.disp:], uint32(rel))
	}
	return w.off, exits, nil
}
