package tbcache

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/jit"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Config sizes a TranslationCache.
type Config struct {
	ArenaSize int `yaml:"arena_size"`
	MaxTBs    int `yaml:"max_tbs"`
	HashBits  int `yaml:"hash_bits"`
	// PreciseSMC limits write invalidation to TBs whose guest bytes overlap
	// the written range. By default a write drops every TB on the page.
	PreciseSMC         bool `yaml:"precise_smc"`
	SMCBitmapThreshold int  `yaml:"smc_bitmap_threshold"`
	Verbose            bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in sizing.
func DefaultConfig() Config {
	return Config{
		ArenaSize:          constants.CodeArenaSize,
		MaxTBs:             constants.MaxTBs,
		HashBits:           constants.TBHashBits,
		SMCBitmapThreshold: constants.SMCBitmapThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ArenaSize <= 0 {
		c.ArenaSize = d.ArenaSize
	}
	if c.MaxTBs <= 0 {
		c.MaxTBs = max(c.ArenaSize/constants.AverageTBSize, 1)
	}
	if c.HashBits <= 0 {
		c.HashBits = d.HashBits
	}
	if c.SMCBitmapThreshold <= 0 {
		c.SMCBitmapThreshold = d.SMCBitmapThreshold
	}
	return c
}

// Observer is told about cache events that affect per-CPU state. Callbacks
// run with the cache lock held and must not call back into the cache.
type Observer interface {
	// TBInvalidated is called after tb has been unlinked and removed.
	TBInvalidated(tb *TB)
	// CodePageAdded is called when the first TB is registered on page.
	CodePageAdded(page types.PhysAddr)
	// CodePageRemoved is called when the last TB on page goes away.
	CodePageRemoved(page types.PhysAddr)
	// CacheFlushed is called after a full flush.
	CacheFlushed()
}

// pageDesc is the physical page index entry of one guest page holding code.
type pageDesc struct {
	first      link
	writeCount int
	bitmap     *codeBitmap
}

// TranslationCache owns the code arena, the TB pool and both hash indices.
// One instance is shared by every CPU of a cluster. Structural changes are
// made under mu; a full flush additionally excludes every CPU from running
// generated code via exec.
type TranslationCache struct {
	cfg     Config
	arena   *jit.CodeArena
	backend jit.Backend
	memory  *ram.Memory

	mu       sync.RWMutex
	exec     sync.RWMutex
	pool     []TB
	nb       int
	hash     []TBID
	physHash []link
	pages    map[uint64]*pageDesc

	// codeFrames mirrors the key set of pages for lock-free queries from
	// the softmmu slow path.
	codeFrames []atomic.Bool

	gen       atomic.Uint64
	flushes   int
	observers []Observer
	metrics   *metrics
}

// New creates a cache whose code is produced by backend. memory is the guest
// physical memory the translated code was read from. Metrics are registered
// on reg when it is not nil.
func New(cfg Config, backend jit.Backend, memory *ram.Memory, reg prometheus.Registerer) (*TranslationCache, error) {
	cfg = cfg.withDefaults()
	arena, err := jit.NewCodeArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(reg)
	if err != nil {
		arena.Free()
		return nil, err
	}
	c := &TranslationCache{
		cfg:      cfg,
		arena:    arena,
		backend:  backend,
		memory:   memory,
		pool:     make([]TB, cfg.MaxTBs),
		hash:     make([]TBID, 1<<cfg.HashBits),
		physHash: make([]link, 1<<cfg.HashBits),
		pages:    make(map[uint64]*pageDesc),
		metrics:  m,

		codeFrames: make([]atomic.Bool, memory.RAMSize()>>types.PageBits),
	}
	c.clearTables()
	return c, nil
}

// Close releases the code arena.
func (c *TranslationCache) Close() error {
	c.exec.Lock()
	defer c.exec.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena.Free()
}

// Arena returns the code arena.
func (c *TranslationCache) Arena() *jit.CodeArena {
	return c.arena
}

// Backend returns the code generator.
func (c *TranslationCache) Backend() jit.Backend {
	return c.backend
}

// Config returns the effective configuration.
func (c *TranslationCache) Config() Config {
	return c.cfg
}

// Generation returns the number of full flushes so far. Any TB pointer or id
// obtained under an older generation is stale.
func (c *TranslationCache) Generation() uint64 {
	return c.gen.Load()
}

// AddObserver registers o for cache events.
func (c *TranslationCache) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// RemoveObserver unregisters o.
func (c *TranslationCache) RemoveObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, obs := range c.observers {
		if obs == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// BeginExec must bracket every stretch of running generated code. It keeps
// a full flush from reclaiming the arena underneath a running CPU.
func (c *TranslationCache) BeginExec() {
	c.exec.RLock()
}

// EndExec ends a stretch started by BeginExec.
func (c *TranslationCache) EndExec() {
	c.exec.RUnlock()
}

// Translate generates code for block and registers the resulting TB.
// physPC is the physical address of the block's first byte and phys2 the
// second page when the block straddles a page boundary (else
// types.InvalidPhys). If an equivalent TB was registered concurrently that
// one is returned. ErrCapacityExhausted means the caller should request a
// full flush and retry once.
func (c *TranslationCache) Translate(block *ir.Block, physPC, phys2 types.PhysAddr) (*TB, error) {
	errors.Assertf(block.Size >= 1 && block.Size <= types.PageSize, "block size %d out of range", block.Size)
	spans := types.PagesSpanned(uint64(block.PC), block.Size)
	errors.Assertf((spans == 2) == (phys2 != types.InvalidPhys),
		"block at %s spans %d pages but second page is %s", block.PC, spans, phys2)

	c.mu.Lock()
	defer c.mu.Unlock()

	if tb := c.lookupLocked(block.PC, block.Context, physPC, phys2, true); tb != nil {
		return tb, nil
	}

	if c.nb >= len(c.pool) {
		return nil, errors.Wrapf(errors.ErrCapacityExhausted, "all %d TBs in use", len(c.pool))
	}
	id := TBID(c.nb)

	off, buf, err := c.arena.Allocate(c.backend.MaxSize(block))
	if err != nil {
		return nil, err
	}
	n, exits, err := c.backend.Emit(block, buf, uint32(id))
	if err != nil {
		c.arena.Commit(off, 0)
		return nil, errors.Wrapf(err, "code generation for %s failed", block.PC)
	}
	c.arena.Commit(off, n)

	tb := &c.pool[id]
	tb.reset(id, c.gen.Load())
	c.nb++
	tb.PC = block.PC
	tb.Context = block.Context
	tb.Flags = block.Flags
	tb.Size = block.Size
	tb.NumInsns = block.NumInsns
	tb.PhysPC = physPC
	tb.PhysPage = [2]types.PhysAddr{physPC.Page(), phys2}
	tb.TCOffset = off
	tb.TCSize = n
	for i, e := range exits {
		if e.Used() {
			tb.jmpSite[i] = off + e.Disp
			tb.jmpReset[i] = off + e.Reset
		}
	}
	tb.Digest = c.digestLocked(tb)

	c.insertLocked(tb)
	c.metrics.translations.Inc()
	c.metrics.codeBytes.Set(float64(c.arena.Used()))
	c.metrics.liveTBs.Inc()
	return tb, nil
}

// FlushAll drops every TB and rewinds the arena. It waits until no CPU is
// running generated code, so it must be called from a dispatcher boundary,
// never from inside an Env callback.
func (c *TranslationCache) FlushAll() {
	c.exec.Lock()
	defer c.exec.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// OnFullFlushRequest is the escalation path for capacity exhaustion. Besides
// dropping every TB it makes observers flush their TLBs including global
// entries, since TLB-derived facts about code pages die with the arena.
func (c *TranslationCache) OnFullFlushRequest() {
	c.exec.Lock()
	defer c.exec.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Verbose {
		log.Printf("tbcache: full flush #%d: %d TBs, %d/%d code bytes",
			c.flushes+1, c.nb, c.arena.Used(), c.arena.Capacity())
	}
	c.flushLocked()
}

func (c *TranslationCache) flushLocked() {
	for i := 0; i < c.nb; i++ {
		c.pool[i].valid.Store(false)
	}
	c.nb = 0
	c.clearTables()
	for pn := range c.pages {
		c.setCodeFrame(pn, false)
	}
	c.pages = make(map[uint64]*pageDesc)
	c.arena.Reset()
	c.gen.Add(1)
	c.flushes++

	for _, o := range c.observers {
		o.CacheFlushed()
	}
	c.metrics.flushes.Inc()
	c.metrics.liveTBs.Set(0)
	c.metrics.codeBytes.Set(0)
}

func (c *TranslationCache) clearTables() {
	for i := range c.hash {
		c.hash[i] = NoTB
	}
	for i := range c.physHash {
		c.physHash[i] = noLink
	}
}
