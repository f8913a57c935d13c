package guest

import (
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/types"
)

// Page table entry flags. Both levels use 32-bit entries with the frame
// number in bits 12-31.
const (
	PteV uint32 = 1 << 0 // Valid
	PteR uint32 = 1 << 1 // Readable
	PteW uint32 = 1 << 2 // Writable
	PteX uint32 = 1 << 3 // Executable
	PteU uint32 = 1 << 4 // User accessible
	PteG uint32 = 1 << 5 // Global
)

const (
	pteSize    = 4
	vpnBits    = 10
	vpnMask    = 1<<vpnBits - 1
	vaddrLimit = 1 << 32
)

var (
	ErrNotMapped    = errors.Newf("page not mapped")
	ErrPrivilege    = errors.Newf("user access to supervisor page")
	ErrAddressRange = errors.Newf("virtual address out of range")
)

// MMU walks the guest's two-level page table for one CPU. With paging off
// every address maps to itself with full access.
type MMU struct {
	mem    *ram.Memory
	paging atomic.Bool
	root   atomic.Uint64
}

// NewMMU creates an MMU with paging disabled.
func NewMMU(mem *ram.Memory) *MMU {
	return &MMU{mem: mem}
}

// SetRoot switches to the page table rooted at root and enables paging.
// The caller is responsible for flushing TLBs.
func (m *MMU) SetRoot(root types.PhysAddr) {
	m.root.Store(uint64(root))
	m.paging.Store(true)
}

// DisablePaging turns translation off.
func (m *MMU) DisablePaging() {
	m.paging.Store(false)
}

// Paging reports whether translation is on.
func (m *MMU) Paging() bool {
	return m.paging.Load()
}

// Walk implements softmmu.Walker. Permissions are reported, not checked,
// except for the user/supervisor split which depends on mode.
func (m *MMU) Walk(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (softmmu.Mapping, error) {
	if !m.paging.Load() {
		return softmmu.Mapping{
			Phys: types.PhysAddr(vaddr),
			Prot: types.ProtRead | types.ProtWrite | types.ProtExec,
		}, nil
	}
	if uint64(vaddr) >= vaddrLimit {
		return softmmu.Mapping{}, ErrAddressRange
	}

	vpn := uint64(vaddr) >> types.PageBits
	pdeAddr := types.PhysAddr(m.root.Load() + (vpn>>vpnBits)*pteSize)
	pde, err := m.mem.Read(pdeAddr, pteSize)
	if err != nil {
		return softmmu.Mapping{}, errors.Wrapf(ErrNotMapped, "reading directory entry at %s: %v", pdeAddr, err)
	}
	if uint32(pde)&PteV == 0 {
		return softmmu.Mapping{}, ErrNotMapped
	}

	pteAddr := types.PhysAddr(pde&uint64(types.PageMask) + (vpn&vpnMask)*pteSize)
	v, err := m.mem.Read(pteAddr, pteSize)
	if err != nil {
		return softmmu.Mapping{}, errors.Wrapf(ErrNotMapped, "reading page table entry at %s: %v", pteAddr, err)
	}
	pte := uint32(v)
	if pte&PteV == 0 {
		return softmmu.Mapping{}, ErrNotMapped
	}
	if mode == ModeUser && pte&PteU == 0 {
		return softmmu.Mapping{}, ErrPrivilege
	}

	var prot types.Prot
	if pte&PteR != 0 {
		prot |= types.ProtRead
	}
	if pte&PteW != 0 {
		prot |= types.ProtWrite
	}
	if pte&PteX != 0 {
		prot |= types.ProtExec
	}
	return softmmu.Mapping{
		Phys:   types.PhysAddr(uint64(pte) & types.PageMask),
		Prot:   prot,
		Global: pte&PteG != 0,
	}, nil
}

// PageTableBuilder writes a page table into guest RAM. Second-level tables
// are taken from consecutive frames starting at pool.
type PageTableBuilder struct {
	mem  *ram.Memory
	root types.PhysAddr
	next types.PhysAddr
}

// NewPageTableBuilder clears the directory page at root.
func NewPageTableBuilder(mem *ram.Memory, root, pool types.PhysAddr) (*PageTableBuilder, error) {
	if root.Offset() != 0 || pool.Offset() != 0 {
		return nil, errors.Newf("page table frames %s, %s not page aligned", root, pool)
	}
	if err := mem.WriteBytes(root, make([]byte, types.PageSize)); err != nil {
		return nil, err
	}
	return &PageTableBuilder{mem: mem, root: root, next: pool}, nil
}

// Root returns the directory address to pass to MMU.SetRoot.
func (b *PageTableBuilder) Root() types.PhysAddr {
	return b.root
}

// Map maps the page of vaddr to the frame of paddr with the given flags;
// PteV is implied.
func (b *PageTableBuilder) Map(vaddr types.GuestAddr, paddr types.PhysAddr, flags uint32) error {
	pteAddr, err := b.entry(vaddr, true)
	if err != nil {
		return err
	}
	return b.mem.Write(pteAddr, pteSize, uint64(uint32(paddr.Page())|flags|PteV))
}

// Unmap clears the entry for the page of vaddr, if any.
func (b *PageTableBuilder) Unmap(vaddr types.GuestAddr) error {
	pteAddr, err := b.entry(vaddr, false)
	if err != nil || pteAddr == types.InvalidPhys {
		return err
	}
	return b.mem.Write(pteAddr, pteSize, 0)
}

// EntryAddr returns the physical address of the entry mapping vaddr, so
// guest code can edit its own page table.
func (b *PageTableBuilder) EntryAddr(vaddr types.GuestAddr) (types.PhysAddr, error) {
	return b.entry(vaddr, true)
}

func (b *PageTableBuilder) entry(vaddr types.GuestAddr, create bool) (types.PhysAddr, error) {
	if uint64(vaddr) >= vaddrLimit {
		return types.InvalidPhys, ErrAddressRange
	}
	vpn := uint64(vaddr) >> types.PageBits
	pdeAddr := b.root + types.PhysAddr((vpn>>vpnBits)*pteSize)
	pde, err := b.mem.Read(pdeAddr, pteSize)
	if err != nil {
		return types.InvalidPhys, err
	}
	if uint32(pde)&PteV == 0 {
		if !create {
			return types.InvalidPhys, nil
		}
		table := b.next
		if err := b.mem.WriteBytes(table, make([]byte, types.PageSize)); err != nil {
			return types.InvalidPhys, errors.Wrapf(err, "allocating page table frame")
		}
		b.next += types.PageSize
		pde = uint64(uint32(table) | PteV)
		if err := b.mem.Write(pdeAddr, pteSize, pde); err != nil {
			return types.InvalidPhys, err
		}
	}
	return types.PhysAddr(pde&uint64(types.PageMask) + (vpn&vpnMask)*pteSize), nil
}
