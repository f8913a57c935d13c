package dispatch

import (
	"context"
	"log"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/jit"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tbcache"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Cluster is a set of CPUs sharing guest memory and one translation cache.
type Cluster struct {
	cfg    Config
	memory *ram.Memory
	cache  *tbcache.TranslationCache
	CPUs   []*CPU
}

// modeCounter is implemented by front ends that know how many MMU modes
// their guest uses.
type modeCounter interface {
	Modes() int
}

// NewCluster builds cfg.CPUs CPUs over memory. Every CPU walks guest page
// tables through walker and translates with front; backend generates the
// host code. Metrics go to reg when it is not nil.
func NewCluster(cfg Config, memory *ram.Memory, walker softmmu.Walker, front Translator,
	backend jit.Backend, reg prometheus.Registerer) (*Cluster, error) {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if mc, ok := front.(modeCounter); ok && cfg.TLB.Modes < mc.Modes() {
		return nil, errors.Newf("guest uses %d MMU modes but the TLB is configured with %d", mc.Modes(), cfg.TLB.Modes)
	}
	cache, err := tbcache.New(cfg.Cache, backend, memory, reg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create translation cache")
	}
	cl := &Cluster{cfg: cfg, memory: memory, cache: cache}
	for i := 0; i < cfg.CPUs; i++ {
		tlbCfg := cfg.TLB
		tlbCfg.CPU = i
		tlb, err := softmmu.New(tlbCfg, walker, memory, reg)
		if err != nil {
			cache.Close()
			return nil, errors.Wrapf(err, "failed to create TLB for cpu%d", i)
		}
		cl.CPUs = append(cl.CPUs, NewCPU(i, cfg.CPU, cache, tlb, memory, front))
	}
	return cl, nil
}

func (cl *Cluster) Cache() *tbcache.TranslationCache {
	return cl.cache
}

// Start sets every CPU's pc and execution context.
func (cl *Cluster) Start(pc types.GuestAddr, ctx types.ContextBits, mode types.MMUMode) error {
	for _, cpu := range cl.CPUs {
		if err := cpu.SwitchContext(ctx, mode); err != nil {
			return err
		}
		cpu.State.PC = pc
	}
	return nil
}

// NotifyGuestWrite reports an external write to guest memory, e.g. DMA or a
// loader patching code.
func (cl *Cluster) NotifyGuestWrite(paddr types.PhysAddr, length uint64) {
	cl.cache.OnGuestWrite(paddr, length, -1)
}

// Run runs every CPU on its own goroutine until all of them stop. The first
// error cancels the others.
func (cl *Cluster) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range cl.CPUs {
		cpu := cpu
		g.Go(func() error {
			err := cpu.Run(gctx)
			if cl.cfg.CPU.Verbose {
				st := cpu.Stats()
				log.Printf("cpu%d: stopped at %s: %d insns, %d blocks, %d translations, %d chained",
					cpu.ID, cpu.State.PC, st.Insns, st.Blocks, st.Translations, st.Chained)
			}
			return err
		})
	}
	return g.Wait()
}

// Stats sums the CPU counters.
func (cl *Cluster) Stats() Stats {
	var s Stats
	for _, cpu := range cl.CPUs {
		st := cpu.Stats()
		s.Insns += st.Insns
		s.Blocks += st.Blocks
		s.Translations += st.Translations
		s.JmpCacheHits += st.JmpCacheHits
		s.Chained += st.Chained
		s.Faults += st.Faults
		s.SelfModified += st.SelfModified
		s.FullFlushes += st.FullFlushes
	}
	return s
}

// Close detaches the CPUs and releases the cache.
func (cl *Cluster) Close() error {
	for _, cpu := range cl.CPUs {
		cpu.Detach()
	}
	return cl.cache.Close()
}
