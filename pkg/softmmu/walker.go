package softmmu

import "github.com/ascrivener/dbt/pkg/types"

//go:generate mockgen -source=walker.go -destination=mock_walker_test.go -package=softmmu

// Mapping is the result of a successful guest page table walk.
type Mapping struct {
	Phys   types.PhysAddr
	Prot   types.Prot
	Global bool
}

// Walker is the guest MMU model. Walk resolves vaddr for an access of the
// given kind in the given mode. An error means the guest takes a page fault.
type Walker interface {
	Walk(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (Mapping, error)
}

// WriteNotifier is told about guest writes into pages holding translated
// code, before the write is performed. hostPC is the arena offset of the
// storing code, or -1. It reports whether the running block was invalidated.
type WriteNotifier interface {
	NotifyWrite(paddr types.PhysAddr, length uint64, hostPC int) bool
}

// CodePages answers whether a physical page currently holds translated code.
// It must not block.
type CodePages interface {
	IsCodePage(paddr types.PhysAddr) bool
}
