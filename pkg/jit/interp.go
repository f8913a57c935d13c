package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// Env is what running code needs from the CPU it runs on.
type Env interface {
	Load(vaddr types.GuestAddr, size int, mode types.MMUMode) (uint64, error)
	// Store performs a guest store. hostPC is the arena offset of the store
	// so that a write into the running block can be detected; the result
	// reports whether that happened.
	Store(vaddr types.GuestAddr, size int, mode types.MMUMode, value uint64, hostPC int) (bool, error)
	TLBFlush(scope types.TLBScope, vaddr types.GuestAddr, mode types.MMUMode)
}

// State is the guest register file as seen by generated code.
type State struct {
	Regs [ir.NumRegs]uint64
	PC   types.GuestAddr
}

type ExitKind int

const (
	// ExitChain: left through exit slot Exit.Slot; may be linked.
	ExitChain ExitKind = iota
	// ExitNoChain: indirect or explicit exit to the dispatcher.
	ExitNoChain
	ExitHalt
	// ExitFault: a guest memory access faulted; State.PC is the faulting
	// instruction.
	ExitFault
	// ExitInterrupt: instruction budget used up; State.PC is the next
	// instruction to run.
	ExitInterrupt
	// ExitSelfModified: the running block stored into its own code.
	ExitSelfModified
)

func (k ExitKind) String() string {
	switch k {
	case ExitChain:
		return "chain"
	case ExitNoChain:
		return "nochain"
	case ExitHalt:
		return "halt"
	case ExitFault:
		return "fault"
	case ExitInterrupt:
		return "interrupt"
	case ExitSelfModified:
		return "self-modified"
	}
	return fmt.Sprintf("exit(%d)", int(k))
}

// Exit describes how Interpret returned.
type Exit struct {
	Kind  ExitKind
	Slot  int    // exit slot for ExitChain, else -1
	Tag   uint32 // tag of the block that executed the exit
	Insns int    // guest instructions started
	Err   error
}

// Interpret runs bytecode starting at arena offset entry until an exit that
// returns to the dispatcher. Patched goto_tb displacements are followed
// directly, so chained blocks run without leaving this loop. budget > 0
// limits the number of guest instructions started.
func Interpret(arena *CodeArena, entry int, st *State, env Env, budget int) Exit {
	code := arena.Bytes()
	ip := entry
	var curPC, nextPC types.GuestAddr
	insns := 0

	u64 := func(at int) uint64 { return binary.LittleEndian.Uint64(code[at:]) }

	for {
		op := code[ip]
		switch op {
		case bcNop:
			ip++
		case bcInsnStart:
			pc := types.GuestAddr(u64(ip + 1))
			if budget > 0 && insns >= budget {
				st.PC = pc
				return Exit{Kind: ExitInterrupt, Slot: -1, Insns: insns}
			}
			curPC = pc
			nextPC = pc + types.GuestAddr(code[ip+9])
			insns++
			ip += 10
		case bcMovI:
			st.Regs[code[ip+1]] = u64(ip + 2)
			ip += 10
		case bcMov:
			st.Regs[code[ip+1]] = st.Regs[code[ip+2]]
			ip += 3
		case bcAdd:
			st.Regs[code[ip+1]] = st.Regs[code[ip+2]] + st.Regs[code[ip+3]]
			ip += 4
		case bcSub:
			st.Regs[code[ip+1]] = st.Regs[code[ip+2]] - st.Regs[code[ip+3]]
			ip += 4
		case bcAddI:
			st.Regs[code[ip+1]] = st.Regs[code[ip+2]] + u64(ip+3)
			ip += 11
		case bcLoad:
			addr := types.GuestAddr(st.Regs[code[ip+2]] + u64(ip+5))
			v, err := env.Load(addr, int(code[ip+3]), types.MMUMode(code[ip+4]))
			if err != nil {
				st.PC = curPC
				return Exit{Kind: ExitFault, Slot: -1, Insns: insns, Err: err}
			}
			st.Regs[code[ip+1]] = v
			ip += 13
		case bcStore:
			addr := types.GuestAddr(st.Regs[code[ip+1]] + u64(ip+5))
			modified, err := env.Store(addr, int(code[ip+3]), types.MMUMode(code[ip+4]), st.Regs[code[ip+2]], ip)
			if err != nil {
				st.PC = curPC
				return Exit{Kind: ExitFault, Slot: -1, Insns: insns, Err: err}
			}
			if modified {
				// the rest of this block may be stale; resume after the store
				st.PC = nextPC
				return Exit{Kind: ExitSelfModified, Slot: -1, Insns: insns}
			}
			ip += 13
		case bcBrNZ:
			rel := int32(binary.LittleEndian.Uint32(code[ip+2:]))
			if st.Regs[code[ip+1]] != 0 {
				ip = ip + 6 + int(rel)
			} else {
				ip += 6
			}
		case bcGotoTB:
			ip = arena.LoadRel32(ip + 1)
		case bcSetPC:
			st.PC = types.GuestAddr(u64(ip + 1))
			ip += 9
		case bcSetPCReg:
			st.PC = types.GuestAddr(st.Regs[code[ip+1]])
			ip += 2
		case bcExit:
			code8 := code[ip+1]
			tag := binary.LittleEndian.Uint32(code[ip+2:])
			switch code8 {
			case ExitCodeSlot0, ExitCodeSlot1:
				return Exit{Kind: ExitChain, Slot: int(code8), Tag: tag, Insns: insns}
			case ExitCodeHalt:
				return Exit{Kind: ExitHalt, Slot: -1, Tag: tag, Insns: insns}
			default:
				return Exit{Kind: ExitNoChain, Slot: -1, Tag: tag, Insns: insns}
			}
		case bcTLBFlush:
			env.TLBFlush(types.TLBScope(code[ip+1]), types.GuestAddr(st.Regs[code[ip+2]]), types.MMUMode(code[ip+3]))
			ip += 4
		default:
			panic(fmt.Sprintf("bytecode: bad opcode %#x at arena offset %#x", op, ip))
		}
	}
}
