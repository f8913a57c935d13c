package tbcache

import (
	"fmt"
	"io"

	"github.com/ascrivener/dbt/pkg/types"

	"golang.org/x/exp/slices"
)

// Stats contains translation cache statistics
type Stats struct {
	Generation   uint64
	Flushes      int
	LiveTBs      int
	DeadTBs      int
	TwoPageTBs   int
	ChainedExits int
	CodePages    int
	CodeBytes    int
	CodeCapacity int
}

// Stats returns translation cache statistics
func (c *TranslationCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Generation:   c.gen.Load(),
		Flushes:      c.flushes,
		CodePages:    len(c.pages),
		CodeBytes:    c.arena.Used(),
		CodeCapacity: c.arena.Capacity(),
	}
	for i := 0; i < c.nb; i++ {
		tb := &c.pool[i]
		if !tb.Valid() {
			s.DeadTBs++
			continue
		}
		s.LiveTBs++
		if tb.SpansTwoPages() {
			s.TwoPageTBs++
		}
		for _, t := range tb.jmpTarget {
			if t != NoTB {
				s.ChainedExits++
			}
		}
	}
	return s
}

// Dump writes the arena placement, the page index and every live TB with
// its chain edges to w, pages in physical address order.
func (c *TranslationCache) Dump(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := fmt.Fprintf(w, "arena %#x: %d/%d bytes executable=%t generation=%d\n",
		c.arena.BaseAddress(), c.arena.Used(), c.arena.Capacity(), c.arena.Executable(), c.gen.Load()); err != nil {
		return err
	}

	frames := make([]uint64, 0, len(c.pages))
	for pn := range c.pages {
		frames = append(frames, pn)
	}
	slices.Sort(frames)

	for _, pn := range frames {
		pd := c.pages[pn]
		var ids []TBID
		for l := pd.first; !l.end(); l = c.pool[l.tb].pageNext[l.n] {
			ids = append(ids, l.tb)
		}
		slices.Sort(ids)
		if _, err := fmt.Fprintf(w, "page %s: writes=%d bitmap=%t tbs=%v\n",
			types.PhysAddr(pn<<types.PageBits), pd.writeCount, pd.bitmap != nil, ids); err != nil {
			return err
		}
	}
	for i := 0; i < c.nb; i++ {
		tb := &c.pool[i]
		if !tb.Valid() {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s exits=[%s %s]\n", tb, exitString(tb, 0), exitString(tb, 1)); err != nil {
			return err
		}
	}
	return nil
}

func exitString(tb *TB, n int) string {
	switch {
	case !tb.HasExit(n):
		return "-"
	case tb.jmpTarget[n] == NoTB:
		return "unresolved"
	default:
		return fmt.Sprintf("tb#%d", tb.jmpTarget[n])
	}
}
