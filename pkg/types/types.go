package types

import "fmt"

// Guest page geometry. All guests handled by the cache share 4 KiB pages.
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = ^uint64(PageSize - 1)
)

// GuestAddr is a guest virtual address.
type GuestAddr uint64

// Page returns the address of the page containing a.
func (a GuestAddr) Page() GuestAddr {
	return GuestAddr(uint64(a) & PageMask)
}

// Offset returns the offset of a within its page.
func (a GuestAddr) Offset() uint64 {
	return uint64(a) &^ PageMask
}

func (a GuestAddr) String() string {
	return fmt.Sprintf("v:%#x", uint64(a))
}

// PhysAddr is a guest physical address.
type PhysAddr uint64

// InvalidPhys marks an absent physical page, e.g. the second page of a TB
// that does not straddle a page boundary.
const InvalidPhys PhysAddr = ^PhysAddr(0)

func (a PhysAddr) Page() PhysAddr {
	return PhysAddr(uint64(a) & PageMask)
}

// PageNumber returns the physical frame number of a.
func (a PhysAddr) PageNumber() uint64 {
	return uint64(a) >> PageBits
}

func (a PhysAddr) Offset() uint64 {
	return uint64(a) &^ PageMask
}

func (a PhysAddr) String() string {
	if a == InvalidPhys {
		return "p:-"
	}
	return fmt.Sprintf("p:%#x", uint64(a))
}

// ContextBits discriminates translations of the same PC made under different
// guest execution modes (privilege level, address space id, ISA flags).
type ContextBits uint64

// MMUMode selects one of the independent TLB tables of a CPU.
type MMUMode int

// AccessKind is the kind of memory access that is being translated.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessFetch
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	}
	return fmt.Sprintf("access(%d)", int(k))
}

// Prot is a set of page permissions.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Allows reports whether p grants access of the given kind.
func (p Prot) Allows(kind AccessKind) bool {
	switch kind {
	case AccessRead:
		return p&ProtRead != 0
	case AccessWrite:
		return p&ProtWrite != 0
	case AccessFetch:
		return p&ProtExec != 0
	}
	return false
}

// PagesSpanned returns the number of pages touched by [addr, addr+length).
func PagesSpanned(addr uint64, length uint64) int {
	if length == 0 {
		return 0
	}
	first := addr & PageMask
	last := (addr + length - 1) & PageMask
	return int((last-first)>>PageBits) + 1
}

// TLBScope selects how much of a CPU's TLB a maintenance operation drops.
type TLBScope int

const (
	// ScopePage drops one page in one mode.
	ScopePage TLBScope = iota
	// ScopePageAllModes drops one page in every mode.
	ScopePageAllModes
	// ScopeMode drops every entry of one mode (address space switch).
	ScopeMode
	// ScopeAllNonGlobal drops every entry not marked global.
	ScopeAllNonGlobal
	// ScopeAll drops everything.
	ScopeAll
)
