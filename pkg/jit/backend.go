package jit

import (
	"github.com/ascrivener/dbt/pkg/ir"
)

// ExitSite locates one chainable exit inside a block's code. Offsets are
// relative to the start of the block.
type ExitSite struct {
	Disp  int // offset of the 32-bit displacement field, -1 if the slot is unused
	Reset int // where the displacement points while the exit is unresolved
}

// Used reports whether the block has this exit.
func (s ExitSite) Used() bool {
	return s.Disp >= 0
}

var noExits = [2]ExitSite{{Disp: -1, Reset: -1}, {Disp: -1, Reset: -1}}

// Backend turns an intermediate block into host code.
type Backend interface {
	Name() string
	// MaxSize bounds the number of bytes Emit may write for b.
	MaxSize(b *ir.Block) int
	// Emit writes code for b into buf. buf starts at a 4-byte aligned arena
	// offset. tag is reported back by the block's exits so the dispatcher
	// can tell which block left.
	Emit(b *ir.Block, buf []byte, tag uint32) (int, [2]ExitSite, error)
}

// Exit codes reported by generated code. Values 0 and 1 name the chainable
// exit slot the block left through.
const (
	ExitCodeSlot0   = 0
	ExitCodeSlot1   = 1
	ExitCodeNoChain = 2
	ExitCodeHalt    = 3
)
