// Package softmmu implements the per-CPU software TLB used by translated
// code for guest memory accesses: a direct-mapped table per MMU mode, a fast
// path that only compares a tag, and a slow path that walks the guest page
// tables, fills the entry and handles MMIO and writes into code pages.
package softmmu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Tag flag bits. They live in the page offset bits of a tag, so a tag with
// any of them set never equals a page address and the fast path falls
// through to the slow path.
const (
	// FlagInvalid marks an empty entry.
	FlagInvalid uint64 = 1 << (types.PageBits - 1)
	// FlagNotDirty marks a write tag of a page holding translated code.
	FlagNotDirty uint64 = 1 << (types.PageBits - 2)
	// FlagMMIO marks a page that is not RAM.
	FlagMMIO uint64 = 1 << (types.PageBits - 3)

	flagMask = FlagInvalid | FlagNotDirty | FlagMMIO
)

// Config sizes a TLB.
type Config struct {
	Modes int `yaml:"modes"`
	Bits  int `yaml:"bits"`
	// CPU labels this TLB's metrics.
	CPU int `yaml:"-"`
}

// Entry caches the translation of one virtual page in one mode. Each access
// kind has its own tag; addend turns a virtual address into an offset in
// guest RAM.
type Entry struct {
	addrRead  atomic.Uint64
	addrWrite atomic.Uint64
	addrCode  atomic.Uint64
	addend    atomic.Uint64
	phys      types.PhysAddr
	global    bool
}

func (e *Entry) tag(kind types.AccessKind) *atomic.Uint64 {
	switch kind {
	case types.AccessWrite:
		return &e.addrWrite
	case types.AccessFetch:
		return &e.addrCode
	default:
		return &e.addrRead
	}
}

func (e *Entry) invalidate() {
	e.addrRead.Store(FlagInvalid)
	e.addrWrite.Store(FlagInvalid)
	e.addrCode.Store(FlagInvalid)
	e.addend.Store(0)
	e.phys = types.InvalidPhys
	e.global = false
}

// matches reports whether any tag of e is for page.
func (e *Entry) matches(page types.GuestAddr) bool {
	for _, t := range []*atomic.Uint64{&e.addrRead, &e.addrWrite, &e.addrCode} {
		v := t.Load()
		if v&FlagInvalid == 0 && v&^flagMask == uint64(page) {
			return true
		}
	}
	return false
}

// Translation is the outcome of the slow path.
type Translation struct {
	Phys types.PhysAddr
	// Host is the offset in guest RAM, valid unless MMIO is set.
	Host uint64
	MMIO bool
	// NotDirty is set for writes into a page holding translated code.
	NotDirty bool
}

// TLB is one CPU's software TLB. The owning CPU fills and flushes it;
// other CPUs may only toggle code protection, so tags are atomic and every
// fill or flush holds mu.
type TLB struct {
	cfg    Config
	walker Walker
	memory *ram.Memory
	code   CodePages
	notify WriteNotifier

	mu     sync.Mutex
	tables [][]Entry

	metrics *metrics
}

// New creates a TLB with cfg.Modes tables of 1<<cfg.Bits entries each.
// Metrics are registered on reg when it is not nil.
func New(cfg Config, walker Walker, memory *ram.Memory, reg prometheus.Registerer) (*TLB, error) {
	if cfg.Modes < 1 || cfg.Modes > constants.MaxMMUModes {
		return nil, fmt.Errorf("softmmu: %d MMU modes, want 1..%d", cfg.Modes, constants.MaxMMUModes)
	}
	if cfg.Bits <= 0 {
		cfg.Bits = constants.TLBBits
	}
	m, err := newMetrics(reg, cfg.CPU)
	if err != nil {
		return nil, err
	}
	t := &TLB{
		cfg:     cfg,
		walker:  walker,
		memory:  memory,
		tables:  make([][]Entry, cfg.Modes),
		metrics: m,
	}
	for i := range t.tables {
		t.tables[i] = make([]Entry, 1<<cfg.Bits)
	}
	t.FlushAll(true)
	return t, nil
}

// SetCodeTracking connects the TLB to the translation cache: writes into
// pages that code reports as holding code go to notify first.
func (t *TLB) SetCodeTracking(code CodePages, notify WriteNotifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.code = code
	t.notify = notify
}

// Modes returns the number of MMU modes.
func (t *TLB) Modes() int {
	return t.cfg.Modes
}

// CheckMode fails for a mode the TLB has no table for.
func (t *TLB) CheckMode(mode types.MMUMode) error {
	if int(mode) >= len(t.tables) {
		return errors.Newf("softmmu: MMU mode %d out of range, cpu%d has %d", mode, t.cfg.CPU, len(t.tables))
	}
	return nil
}

func (t *TLB) entry(mode types.MMUMode, vaddr types.GuestAddr) *Entry {
	idx := (uint64(vaddr) >> types.PageBits) & (1<<t.cfg.Bits - 1)
	return &t.tables[mode][idx]
}

// Probe is the fast path: it returns the RAM offset for vaddr when the entry
// for (mode, page of vaddr) holds an exact tag for kind. Any flag bit, or a
// tag for another page, is a miss. The addend is only read after the tag
// matched.
func (t *TLB) Probe(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (uint64, bool) {
	e := t.entry(mode, vaddr)
	if e.tag(kind).Load() != uint64(vaddr.Page()) {
		return 0, false
	}
	return uint64(vaddr) + e.addend.Load(), true
}

// resident returns the translation from the entry when its tag is for the
// right page but carries flags the fast path refuses (MMIO, not dirty).
func (t *TLB) resident(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (Translation, bool) {
	e := t.entry(mode, vaddr)
	tag := e.tag(kind).Load()
	if tag&FlagInvalid != 0 || tag&^flagMask != uint64(vaddr.Page()) {
		return Translation{}, false
	}
	tr := Translation{
		Phys:     e.phys + types.PhysAddr(vaddr.Offset()),
		MMIO:     tag&FlagMMIO != 0,
		NotDirty: tag&FlagNotDirty != 0,
	}
	if !tr.MMIO {
		tr.Host = uint64(vaddr) + e.addend.Load()
	}
	return tr, true
}

// HandleMiss is the slow path. It walks the guest page tables and refills
// the entry for (mode, page of vaddr) from the result. A failed walk or a
// permission violation returns a *errors.GuestFault and leaves the entry as
// it was.
func (t *TLB) HandleMiss(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (Translation, error) {
	t.metrics.misses.WithLabelValues(kind.String()).Inc()

	m, err := t.walker.Walk(vaddr, kind, mode)
	if err != nil {
		t.metrics.faults.Inc()
		return Translation{}, guestFault(vaddr, kind, mode, err)
	}
	if !m.Prot.Allows(kind) {
		t.metrics.faults.Inc()
		return Translation{}, guestFault(vaddr, kind, mode, errProtection)
	}

	page := vaddr.Page()
	phys := m.Phys.Page()
	mmio := !t.memory.IsRAM(phys)

	t.mu.Lock()
	e := t.entry(mode, vaddr)
	e.invalidate()

	base := uint64(page)
	if mmio {
		base |= FlagMMIO
	} else {
		e.addend.Store(uint64(phys) - uint64(page))
	}
	e.phys = phys
	e.global = m.Global

	if m.Prot&types.ProtRead != 0 {
		e.addrRead.Store(base)
	}
	if m.Prot&types.ProtExec != 0 {
		e.addrCode.Store(base)
	}
	tr := Translation{Phys: phys + types.PhysAddr(vaddr.Offset()), MMIO: mmio}
	if m.Prot&types.ProtWrite != 0 {
		w := base
		if !mmio && t.code != nil && t.code.IsCodePage(phys) {
			w |= FlagNotDirty
		}
		e.addrWrite.Store(w)
		tr.NotDirty = kind == types.AccessWrite && w&FlagNotDirty != 0
	}
	if !mmio {
		tr.Host = uint64(vaddr) + e.addend.Load()
	}
	t.mu.Unlock()
	return tr, nil
}

// lookup is Probe followed by the slow path, for one access kind.
func (t *TLB) lookup(vaddr types.GuestAddr, kind types.AccessKind, mode types.MMUMode) (Translation, error) {
	if tr, ok := t.resident(vaddr, kind, mode); ok {
		return tr, nil
	}
	return t.HandleMiss(vaddr, kind, mode)
}

// FlushPage drops the entry for vaddr's page in one mode, global or not.
func (t *TLB) FlushPage(mode types.MMUMode, vaddr types.GuestAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushPageLocked(mode, vaddr)
	t.metrics.flushes.WithLabelValues("page").Inc()
}

// FlushPageAllModes drops vaddr's page from every mode.
func (t *TLB) FlushPageAllModes(vaddr types.GuestAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mode := range t.tables {
		t.flushPageLocked(types.MMUMode(mode), vaddr)
	}
	t.metrics.flushes.WithLabelValues("page").Inc()
}

func (t *TLB) flushPageLocked(mode types.MMUMode, vaddr types.GuestAddr) {
	e := t.entry(mode, vaddr)
	if e.matches(vaddr.Page()) {
		e.invalidate()
	}
}

// FlushMode drops every entry of one mode.
func (t *TLB) FlushMode(mode types.MMUMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.tables[mode] {
		t.tables[mode][i].invalidate()
	}
	t.metrics.flushes.WithLabelValues("mode").Inc()
}

// FlushAll drops every entry of every mode. Entries of global pages are kept
// unless includeGlobal is set.
func (t *TLB) FlushAll(includeGlobal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mode := range t.tables {
		for i := range t.tables[mode] {
			e := &t.tables[mode][i]
			if includeGlobal || !e.global {
				e.invalidate()
			}
		}
	}
	if includeGlobal {
		t.metrics.flushes.WithLabelValues("all").Inc()
	} else {
		t.metrics.flushes.WithLabelValues("nonglobal").Inc()
	}
}

// Flush applies a guest TLB maintenance operation.
func (t *TLB) Flush(scope types.TLBScope, vaddr types.GuestAddr, mode types.MMUMode) {
	if scope == types.ScopePage || scope == types.ScopeMode {
		errors.Assertf(int(mode) < len(t.tables), "softmmu: flush of MMU mode %d, cpu%d has %d", mode, t.cfg.CPU, len(t.tables))
	}
	switch scope {
	case types.ScopePage:
		t.FlushPage(mode, vaddr)
	case types.ScopePageAllModes:
		t.FlushPageAllModes(vaddr)
	case types.ScopeMode:
		t.FlushMode(mode)
	case types.ScopeAllNonGlobal:
		t.FlushAll(false)
	default:
		t.FlushAll(true)
	}
}

// ProtectCode marks write entries of the physical page as not dirty so that
// the next write takes the slow path and invalidates translated code. It may
// be called from any CPU.
func (t *TLB) ProtectCode(page types.PhysAddr) {
	t.setNotDirty(page.Page(), true)
}

// UnprotectCode undoes ProtectCode once the page holds no code.
func (t *TLB) UnprotectCode(page types.PhysAddr) {
	t.setNotDirty(page.Page(), false)
}

func (t *TLB) setNotDirty(page types.PhysAddr, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mode := range t.tables {
		for i := range t.tables[mode] {
			e := &t.tables[mode][i]
			if e.phys != page {
				continue
			}
			w := e.addrWrite.Load()
			if w&(FlagInvalid|FlagMMIO) != 0 {
				continue
			}
			if on {
				e.addrWrite.Store(w | FlagNotDirty)
			} else {
				e.addrWrite.Store(w &^ FlagNotDirty)
			}
		}
	}
}

// Stats counts valid entries per mode.
func (t *TLB) Stats() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.tables))
	for mode := range t.tables {
		for i := range t.tables[mode] {
			if t.tables[mode][i].phys != types.InvalidPhys {
				out[mode]++
			}
		}
	}
	return out
}
