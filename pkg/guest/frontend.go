package guest

import (
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// MMU modes of the guest.
const (
	ModeKernel types.MMUMode = iota
	ModeUser
	NumModes
)

// MakeContext packs the translation-relevant CPU state: bits 0-7 hold the
// MMU mode, bits 8-23 the address space id.
func MakeContext(mode types.MMUMode, asid uint16) types.ContextBits {
	return types.ContextBits(uint64(mode)&0xff | uint64(asid)<<8)
}

// ContextMode extracts the MMU mode from context bits.
func ContextMode(ctx types.ContextBits) types.MMUMode {
	return types.MMUMode(ctx & 0xff)
}

// ContextASID extracts the address space id from context bits.
func ContextASID(ctx types.ContextBits) uint16 {
	return uint16(ctx >> 8)
}

// ErrIllegalInstruction is returned for an undecodable first instruction.
var ErrIllegalInstruction = errors.Newf("illegal instruction")

// FrontEnd translates guest code into ir blocks.
type FrontEnd struct {
	// MaxInsns bounds the instructions per block; zero means
	// constants.MaxGuestInsnsPerTB.
	MaxInsns int
}

// Translate decodes guest code starting at pc until a control transfer,
// a TLB maintenance instruction, the instruction limit, or a page worth of
// code, so a block touches at most two pages. Direct jumps that stay within a page the
// block was fetched from become chainable goto_tb exits.
//
// A fetch error on the first instruction is returned; later ones just end
// the block so the fault is raised when that pc is reached.
// Modes returns the number of MMU modes guest code runs in.
func (FrontEnd) Modes() int {
	return int(NumModes)
}

func (f FrontEnd) Translate(pc types.GuestAddr, ctx types.ContextBits, fetch ir.FetchFunc) (*ir.Block, error) {
	maxInsns := f.MaxInsns
	if maxInsns <= 0 {
		maxInsns = constants.MaxGuestInsnsPerTB
	}
	if pc%InsnSize != 0 {
		return nil, errors.Wrapf(ErrIllegalInstruction, "misaligned pc %s", pc)
	}

	b := &ir.Block{PC: pc, Context: ctx}
	mode := ContextMode(ctx)
	cur := pc
	insnPage := pc.Page()

	// exit leaves the block for target, through goto_tb when the
	// destination may be chained.
	exit := func(slot int, target types.GuestAddr) {
		if target.Page() == pc.Page() || target.Page() == insnPage {
			b.GotoTB(slot, target)
		} else {
			b.ExitTB(target)
		}
	}

	for n := 0; ; n++ {
		if n == maxInsns || uint64(cur-pc) >= types.PageSize {
			exit(0, cur)
			break
		}
		word, err := fetch(cur)
		if err != nil {
			if n == 0 {
				return nil, err
			}
			b.ExitTB(cur)
			break
		}
		in := Decode(word)
		if in.Op >= numOpcodes {
			if n == 0 {
				return nil, errors.Wrapf(ErrIllegalInstruction, "%#08x at %s", word, cur)
			}
			b.ExitTB(cur)
			break
		}

		b.InsnStart(cur, InsnSize)
		insnPage = cur.Page()
		next := cur + InsnSize
		done := true
		switch in.Op {
		case OpHalt:
			b.Halt(cur)
		case OpLi:
			b.MovI(in.Rd, in.SImm())
			done = false
		case OpLui:
			b.MovI(in.Rd, uint64(in.Imm)<<16)
			done = false
		case OpAddi:
			b.AddI(in.Rd, in.Rs, in.SImm())
			done = false
		case OpAdd:
			b.Add(in.Rd, in.Rs, in.Rt())
			done = false
		case OpSub:
			b.Sub(in.Rd, in.Rs, in.Rt())
			done = false
		case OpMov:
			b.Mov(in.Rd, in.Rs)
			done = false
		case OpLdw, OpLdb:
			b.Load(in.Rd, in.Rs, in.SImm(), accessSize(in.Op), mode)
			done = false
		case OpStw, OpStb:
			b.Store(in.Rs, in.SImm(), in.Rd, accessSize(in.Op), mode)
			done = false
		case OpJmp:
			exit(0, in.BranchTarget(cur))
		case OpBnz:
			taken := b.NewLabel()
			b.BrNZ(in.Rs, taken)
			exit(1, next)
			b.Label(taken)
			exit(0, in.BranchTarget(cur))
		case OpJr:
			b.JmpReg(in.Rs)
		case OpTlbi:
			b.TLBFlush(types.ScopePageAllModes, in.Rs, mode)
			b.ExitTB(next)
		case OpTlbiAll:
			b.TLBFlush(types.ScopeAll, 0, mode)
			b.ExitTB(next)
		case OpTlbiASID:
			b.TLBFlush(types.ScopeAllNonGlobal, 0, mode)
			b.ExitTB(next)
		}
		cur = next
		if done {
			break
		}
	}
	b.Size = uint64(cur - pc)
	return b, nil
}

func accessSize(op Opcode) uint8 {
	if op == OpLdb || op == OpStb {
		return 1
	}
	return 4
}
