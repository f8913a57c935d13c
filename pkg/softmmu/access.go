package softmmu

import (
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/types"
)

var (
	errProtection = errors.Newf("access not permitted by page protection")
	errFetchMMIO  = errors.Newf("instruction fetch from a non-RAM page")
)

func guestFault(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode, cause error) error {
	return &errors.GuestFault{Addr: vaddr, Kind: kind, Mode: mode, Cause: cause}
}

func crossesPage(vaddr types.GuestAddr, size int) bool {
	return vaddr.Offset()+uint64(size) > types.PageSize
}

// Load reads size bytes (1, 2, 4 or 8) at vaddr, little endian.
func (t *TLB) Load(vaddr types.GuestAddr, size int, mode types.MMUMode) (uint64, error) {
	if crossesPage(vaddr, size) {
		var v uint64
		for i := 0; i < size; i++ {
			b, err := t.Load(vaddr+types.GuestAddr(i), 1, mode)
			if err != nil {
				return 0, err
			}
			v |= b << (8 * i)
		}
		return v, nil
	}

	mem := t.memory.Buffer()
	if off, ok := t.Probe(vaddr, types.AccessRead, mode); ok {
		return ram.LoadLE(mem[off:], size), nil
	}
	tr, err := t.lookup(vaddr, types.AccessRead, mode)
	if err != nil {
		return 0, err
	}
	if tr.MMIO {
		return t.memory.Read(tr.Phys, size)
	}
	return ram.LoadLE(mem[tr.Host:], size), nil
}

// Store writes the low size bytes of value at vaddr. Writes into pages that
// hold translated code are reported to the write notifier before they
// happen; the result is what the notifier returned. hostPC is forwarded to
// it.
func (t *TLB) Store(vaddr types.GuestAddr, size int, mode types.MMUMode, value uint64, hostPC int) (bool, error) {
	if crossesPage(vaddr, size) {
		// translate every byte first so a fault leaves memory untouched
		for i := 0; i < size; i++ {
			if _, err := t.lookup(vaddr+types.GuestAddr(i), types.AccessWrite, mode); err != nil {
				return false, err
			}
		}
		modified := false
		for i := 0; i < size; i++ {
			m, err := t.Store(vaddr+types.GuestAddr(i), 1, mode, value>>(8*i), hostPC)
			if err != nil {
				return modified, err
			}
			modified = modified || m
		}
		return modified, nil
	}

	mem := t.memory.Buffer()
	if off, ok := t.Probe(vaddr, types.AccessWrite, mode); ok {
		ram.StoreLE(mem[off:], size, value)
		return false, nil
	}
	tr, err := t.lookup(vaddr, types.AccessWrite, mode)
	if err != nil {
		return false, err
	}
	modified := false
	if tr.NotDirty && t.notify != nil {
		t.metrics.codeWrites.Inc()
		modified = t.notify.NotifyWrite(tr.Phys, uint64(size), hostPC)
	}
	if tr.MMIO {
		return modified, t.memory.Write(tr.Phys, size, value)
	}
	ram.StoreLE(mem[tr.Host:], size, value)
	return modified, nil
}

// Fetch translates the address of guest code in mode to its physical
// address, through the code tags.
func (t *TLB) Fetch(vaddr types.GuestAddr, mode types.MMUMode) (types.PhysAddr, error) {
	tr, err := t.lookup(vaddr, types.AccessFetch, mode)
	if err != nil {
		return types.InvalidPhys, err
	}
	if tr.MMIO {
		return types.InvalidPhys, guestFault(vaddr, types.AccessFetch, mode, errFetchMMIO)
	}
	return tr.Phys, nil
}
