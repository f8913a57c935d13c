// Package dispatch runs guest CPUs on top of a shared translation cache:
// find or translate the block at the current pc, chain it to the block
// that just exited, run it and react to how it left.
package dispatch

import (
	"context"
	"log"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/jit"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tbcache"
	"github.com/ascrivener/dbt/pkg/types"
)

// Translator turns the guest code at pc into an ir block.
type Translator interface {
	Translate(pc types.GuestAddr, ctx types.ContextBits, fetch ir.FetchFunc) (*ir.Block, error)
}

// FaultHandler is given guest faults raised while running. It typically
// redirects State.PC to the guest's exception vector and returns nil; an
// error stops the CPU.
type FaultHandler func(cpu *CPU, fault *errors.GuestFault) error

// Stats counts what a CPU did. It is only updated by the CPU's own goroutine.
type Stats struct {
	Insns        int64
	Blocks       int64
	Translations int64
	JmpCacheHits int64
	Chained      int64
	Faults       int64
	SelfModified int64
	FullFlushes  int64
}

// CPU is one guest processor. Its TLB and jump cache are private; the
// translation cache is shared with the other CPUs of its cluster.
type CPU struct {
	ID int

	cfg    CPUConfig
	cache  *tbcache.TranslationCache
	tlb    *softmmu.TLB
	memory *ram.Memory
	front  Translator
	jmp    *jmpCache

	State   jit.State
	ctxBits types.ContextBits
	mode    types.MMUMode

	OnFault FaultHandler
	stats   Stats
}

// NewCPU wires a CPU to cache and tlb and registers it as a cache observer.
func NewCPU(id int, cfg CPUConfig, cache *tbcache.TranslationCache, tlb *softmmu.TLB,
	memory *ram.Memory, front Translator) *CPU {
	cfg = cfg.withDefaults()
	c := &CPU{
		ID:     id,
		cfg:    cfg,
		cache:  cache,
		tlb:    tlb,
		memory: memory,
		front:  front,
		jmp:    newJmpCache(cfg.JmpCacheBits),
	}
	tlb.SetCodeTracking(cache, c)
	cache.AddObserver(c)
	return c
}

// Detach unregisters the CPU from its cache.
func (c *CPU) Detach() {
	c.cache.RemoveObserver(c)
}

func (c *CPU) TLB() *softmmu.TLB {
	return c.tlb
}

func (c *CPU) Stats() Stats {
	return c.stats
}

// Context returns the context bits new translations are made under.
func (c *CPU) Context() types.ContextBits {
	return c.ctxBits
}

func (c *CPU) Mode() types.MMUMode {
	return c.mode
}

// SwitchContext changes the execution context, e.g. on a privilege change
// or an address space switch. Non-global TLB entries and every cached
// virtual pc are dropped. A mode the TLB has no table for is rejected.
func (c *CPU) SwitchContext(ctx types.ContextBits, mode types.MMUMode) error {
	if err := c.tlb.CheckMode(mode); err != nil {
		return err
	}
	if ctx == c.ctxBits && mode == c.mode {
		return nil
	}
	c.ctxBits = ctx
	c.mode = mode
	c.tlb.FlushAll(false)
	c.jmp.flushAll()
	return nil
}

// NotifyTLBMaintenance applies a guest TLB maintenance operation. Besides
// the TLB it drops jump cache slots whose virtual pc may now map
// elsewhere. A TB starting on the previous page can reach into the flushed
// one, so that page goes too.
func (c *CPU) NotifyTLBMaintenance(scope types.TLBScope, vaddr types.GuestAddr, mode types.MMUMode) {
	c.tlb.Flush(scope, vaddr, mode)
	switch scope {
	case types.ScopePage, types.ScopePageAllModes:
		c.jmp.flushPage(vaddr)
		c.jmp.flushPage(vaddr.Page() - types.PageSize)
	default:
		c.jmp.flushAll()
	}
}

// NotifyGuestWrite reports a write to guest memory made outside of
// translated code, e.g. by a device or a loader.
func (c *CPU) NotifyGuestWrite(paddr types.PhysAddr, length uint64) {
	c.cache.OnGuestWrite(paddr, length, -1)
}

// LookupOrTranslate returns the TB for pc in the current context,
// translating it if needed. The caller must hold the cache's exec gate.
func (c *CPU) LookupOrTranslate(pc types.GuestAddr) (*tbcache.TB, error) {
	gen := c.cache.Generation()
	if tb := c.jmp.get(pc); tb != nil && tb.PC == pc && tb.Context == c.ctxBits &&
		tb.Generation() == gen && tb.Valid() {
		c.stats.JmpCacheHits++
		return tb, nil
	}

	physPC, err := c.tlb.Fetch(pc, c.mode)
	if err != nil {
		return nil, err
	}
	tb, ok := c.cache.LookupPhys(pc, c.ctxBits, physPC, c.resolvePage)
	if !ok {
		if tb, err = c.translate(pc, physPC); err != nil {
			return nil, err
		}
	}
	c.jmp.put(pc, tb)
	return tb, nil
}

func (c *CPU) resolvePage(vaddr types.GuestAddr) types.PhysAddr {
	p, err := c.tlb.Fetch(vaddr, c.mode)
	if err != nil {
		return types.InvalidPhys
	}
	return p
}

func (c *CPU) fetch(pc types.GuestAddr) (uint32, error) {
	p, err := c.tlb.Fetch(pc, c.mode)
	if err != nil {
		return 0, err
	}
	v, err := c.memory.Read(p, 4)
	return uint32(v), err
}

func (c *CPU) translate(pc types.GuestAddr, physPC types.PhysAddr) (*tbcache.TB, error) {
	block, err := c.front.Translate(pc, c.ctxBits, c.fetch)
	if err != nil {
		return nil, err
	}
	phys2 := types.InvalidPhys
	if types.PagesSpanned(uint64(block.PC), block.Size) == 2 {
		if phys2, err = c.tlb.Fetch(block.PC.Page()+types.PageSize, c.mode); err != nil {
			return nil, err
		}
		phys2 = phys2.Page()
	}
	tb, err := c.cache.Translate(block, physPC, phys2)
	if err != nil {
		return nil, err
	}
	c.stats.Translations++
	if c.cfg.Verbose {
		log.Printf("cpu%d: translated %s (%d insns)", c.ID, tb, tb.NumInsns)
	}
	return tb, nil
}

// chainFrom is the exit the previous block left through.
type chainFrom struct {
	tb   *tbcache.TB
	slot int
	gen  uint64
}

// step runs one dispatcher iteration: from the current pc until control
// returns here.
func (c *CPU) step(from chainFrom) (jit.Exit, chainFrom, error) {
	c.cache.BeginExec()
	gen := c.cache.Generation()
	pc := c.State.PC

	tb, err := c.LookupOrTranslate(pc)
	if errors.IsCapacityExhausted(err) {
		// the gate is shared, so release it before asking for the flush
		c.cache.EndExec()
		c.cache.OnFullFlushRequest()
		c.stats.FullFlushes++
		c.cache.BeginExec()
		gen = c.cache.Generation()
		tb, err = c.LookupOrTranslate(pc)
	}
	if err != nil {
		c.cache.EndExec()
		return jit.Exit{}, chainFrom{}, err
	}

	if from.tb != nil && from.gen == gen && !c.cfg.NoChain && !tb.SpansTwoPages() {
		if c.cache.AddJump(from.tb, from.slot, tb, gen) {
			c.stats.Chained++
		}
	}

	exit := jit.Interpret(c.cache.Arena(), tb.TCOffset, &c.State, c, c.budget())
	next := chainFrom{}
	if exit.Kind == jit.ExitChain {
		if last := c.cache.TB(tbcache.TBID(exit.Tag)); last != nil {
			next = chainFrom{tb: last, slot: exit.Slot, gen: gen}
		}
	}
	c.cache.EndExec()

	c.stats.Blocks++
	c.stats.Insns += int64(exit.Insns)
	return exit, next, nil
}

func (c *CPU) budget() int {
	b := c.cfg.Budget
	if c.cfg.MaxInsns > 0 {
		left := int(c.cfg.MaxInsns - c.stats.Insns)
		if b <= 0 || left < b {
			b = left
		}
	}
	return b
}

// Run executes guest code from State.PC until the guest halts, ctx is done,
// the instruction limit is reached or an unhandled fault occurs.
func (c *CPU) Run(ctx context.Context) error {
	var from chainFrom
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.cfg.MaxInsns > 0 && c.stats.Insns >= c.cfg.MaxInsns {
			return nil
		}

		exit, next, err := c.step(from)
		if err != nil {
			if gf, ok := errors.AsGuestFault(err); ok {
				if err := c.fault(gf); err != nil {
					return err
				}
				from = chainFrom{}
				continue
			}
			return errors.Wrapf(err, "cpu%d at %s", c.ID, c.State.PC)
		}
		from = next

		switch exit.Kind {
		case jit.ExitHalt:
			if c.cfg.Verbose {
				log.Printf("cpu%d: halted at %s after %d insns", c.ID, c.State.PC, c.stats.Insns)
			}
			return nil
		case jit.ExitFault:
			gf, ok := errors.AsGuestFault(exit.Err)
			if !ok {
				return errors.Wrapf(exit.Err, "cpu%d at %s", c.ID, c.State.PC)
			}
			if err := c.fault(gf); err != nil {
				return err
			}
		case jit.ExitSelfModified:
			c.stats.SelfModified++
		}
	}
}

func (c *CPU) fault(gf *errors.GuestFault) error {
	c.stats.Faults++
	if c.OnFault == nil {
		return errors.Wrapf(gf, "cpu%d: unhandled fault at %s", c.ID, c.State.PC)
	}
	return c.OnFault(c, gf)
}

// Load implements jit.Env.
func (c *CPU) Load(vaddr types.GuestAddr, size int, mode types.MMUMode) (uint64, error) {
	return c.tlb.Load(vaddr, size, mode)
}

// Store implements jit.Env.
func (c *CPU) Store(vaddr types.GuestAddr, size int, mode types.MMUMode, value uint64, hostPC int) (bool, error) {
	return c.tlb.Store(vaddr, size, mode, value, hostPC)
}

// TLBFlush implements jit.Env.
func (c *CPU) TLBFlush(scope types.TLBScope, vaddr types.GuestAddr, mode types.MMUMode) {
	c.NotifyTLBMaintenance(scope, vaddr, mode)
}

// NotifyWrite implements softmmu.WriteNotifier.
func (c *CPU) NotifyWrite(paddr types.PhysAddr, length uint64, hostPC int) bool {
	return c.cache.OnGuestWrite(paddr, length, hostPC)
}

// TBInvalidated implements tbcache.Observer.
func (c *CPU) TBInvalidated(tb *tbcache.TB) {
	c.jmp.remove(tb)
}

// CodePageAdded implements tbcache.Observer.
func (c *CPU) CodePageAdded(page types.PhysAddr) {
	c.tlb.ProtectCode(page)
}

// CodePageRemoved implements tbcache.Observer.
func (c *CPU) CodePageRemoved(page types.PhysAddr) {
	c.tlb.UnprotectCode(page)
}

// CacheFlushed implements tbcache.Observer.
func (c *CPU) CacheFlushed() {
	c.tlb.FlushAll(true)
	c.jmp.flushAll()
}
