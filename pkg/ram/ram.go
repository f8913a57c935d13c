package ram

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ascrivener/dbt/pkg/types"
)

// Device is a memory-mapped I/O region. Offsets are relative to the region
// base; sizes are 1, 2, 4 or 8 bytes.
type Device interface {
	Read(offset uint64, size int) uint64
	Write(offset uint64, size int, value uint64)
}

type mmioRegion struct {
	base   types.PhysAddr
	size   uint64
	device Device
}

// Memory is the guest physical address space: one RAM block starting at
// physical address 0 followed by any number of MMIO regions.
type Memory struct {
	buffer  []byte
	regions []mmioRegion // sorted by base
}

//
// Memory Creation & Initialization
//

// NewMemory creates a guest physical memory with ramSize bytes of RAM.
// ramSize is rounded up to a whole number of pages.
func NewMemory(ramSize int) *Memory {
	return &Memory{
		buffer: make([]byte, TotalSizeNeededPages(ramSize)),
	}
}

// TotalSizeNeededPages rounds size up to a page multiple.
func TotalSizeNeededPages(size int) int {
	return types.PageSize * ((types.PageSize + size - 1) / types.PageSize)
}

// MapMMIO registers a device at [base, base+size). The range must be page
// aligned, outside RAM, and must not overlap another region.
func (m *Memory) MapMMIO(base types.PhysAddr, size uint64, dev Device) error {
	if uint64(base)&^types.PageMask != 0 || size&^types.PageMask != 0 || size == 0 {
		return fmt.Errorf("mmio region %s+%#x is not page aligned", base, size)
	}
	if uint64(base) < uint64(len(m.buffer)) {
		return fmt.Errorf("mmio region %s overlaps RAM", base)
	}
	for _, r := range m.regions {
		if uint64(base) < uint64(r.base)+r.size && uint64(r.base) < uint64(base)+size {
			return fmt.Errorf("mmio region %s+%#x overlaps %s+%#x", base, size, r.base, r.size)
		}
	}
	m.regions = append(m.regions, mmioRegion{base: base, size: size, device: dev})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

//
// Lookup helpers
//

// RAMSize returns the size of the RAM block in bytes.
func (m *Memory) RAMSize() uint64 {
	return uint64(len(m.buffer))
}

// IsRAM reports whether paddr is backed by RAM.
func (m *Memory) IsRAM(paddr types.PhysAddr) bool {
	return uint64(paddr) < uint64(len(m.buffer))
}

// Buffer exposes the RAM block. Host offsets handed out by the TLB index
// into this slice.
func (m *Memory) Buffer() []byte {
	return m.buffer
}

// FindMMIO returns the device covering paddr and the offset into it.
func (m *Memory) FindMMIO(paddr types.PhysAddr) (Device, uint64, bool) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return uint64(m.regions[i].base)+m.regions[i].size > uint64(paddr)
	})
	if i < len(m.regions) && m.regions[i].base <= paddr {
		return m.regions[i].device, uint64(paddr - m.regions[i].base), true
	}
	return nil, 0, false
}

//
// Memory access
//

// Read reads size bytes (little endian) at paddr.
func (m *Memory) Read(paddr types.PhysAddr, size int) (uint64, error) {
	if m.IsRAM(paddr) {
		if uint64(paddr)+uint64(size) > uint64(len(m.buffer)) {
			return 0, fmt.Errorf("read of %d bytes at %s runs past RAM", size, paddr)
		}
		return LoadLE(m.buffer[paddr:], size), nil
	}
	if dev, off, ok := m.FindMMIO(paddr); ok {
		return dev.Read(off, size), nil
	}
	return 0, fmt.Errorf("read from unmapped physical address %s", paddr)
}

// Write writes size bytes (little endian) at paddr. It does not notify the
// translation cache; callers that may hit code pages go through the
// dispatcher.
func (m *Memory) Write(paddr types.PhysAddr, size int, value uint64) error {
	if m.IsRAM(paddr) {
		if uint64(paddr)+uint64(size) > uint64(len(m.buffer)) {
			return fmt.Errorf("write of %d bytes at %s runs past RAM", size, paddr)
		}
		StoreLE(m.buffer[paddr:], size, value)
		return nil
	}
	if dev, off, ok := m.FindMMIO(paddr); ok {
		dev.Write(off, size, value)
		return nil
	}
	return fmt.Errorf("write to unmapped physical address %s", paddr)
}

// ReadBytes copies n bytes of RAM starting at paddr.
func (m *Memory) ReadBytes(paddr types.PhysAddr, n int) ([]byte, error) {
	if uint64(paddr)+uint64(n) > uint64(len(m.buffer)) {
		return nil, fmt.Errorf("range %s+%#x is not RAM", paddr, n)
	}
	out := make([]byte, n)
	copy(out, m.buffer[paddr:])
	return out, nil
}

// WriteBytes copies data into RAM at paddr.
func (m *Memory) WriteBytes(paddr types.PhysAddr, data []byte) error {
	if uint64(paddr)+uint64(len(data)) > uint64(len(m.buffer)) {
		return fmt.Errorf("range %s+%#x is not RAM", paddr, len(data))
	}
	copy(m.buffer[paddr:], data)
	return nil
}

// LoadLE decodes a little-endian value of size bytes from b.
func LoadLE(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	panic(fmt.Sprintf("invalid access size %d", size))
}

// StoreLE encodes value as size little-endian bytes into b.
func StoreLE(b []byte, size int, value uint64) {
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	default:
		panic(fmt.Sprintf("invalid access size %d", size))
	}
}
