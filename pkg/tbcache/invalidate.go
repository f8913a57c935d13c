package tbcache

import (
	"github.com/ascrivener/dbt/pkg/bitsequence"
	"github.com/ascrivener/dbt/pkg/types"
)

// codeBitmap marks which bytes of a page are covered by some TB. With
// precise invalidation it is built for pages that keep being written, so
// most data writes next to code are filtered without walking the TB list.
type codeBitmap struct {
	bits *bitsequence.BitSequence
}

func (b *codeBitmap) hits(start, end uint64) bool {
	return b.bits.AnyInRange(int(start), int(end-start))
}

func (pd *pageDesc) dropBitmap() {
	pd.bitmap = nil
	pd.writeCount = 0
}

func (c *TranslationCache) buildBitmapLocked(pd *pageDesc) {
	bits := bitsequence.New(types.PageSize)
	for l := pd.first; !l.end(); l = c.pool[l.tb].pageNext[l.n] {
		start, end := c.pool[l.tb].pageRange(int(l.n))
		bits.SetRange(int(start), int(end-start))
	}
	pd.bitmap = &codeBitmap{bits: bits}
}

// OnGuestWrite must be called before a guest write to [paddr, paddr+length)
// becomes visible. Every TB registered on a page the range touches is
// unlinked and removed so it can never be entered again, and the page
// leaves the index. With Config.PreciseSMC only TBs whose guest bytes
// intersect the range go. current is the arena offset of the code doing the
// write, or -1; the result reports whether the TB containing it was among
// those removed, in which case the caller must stop running it after the
// write.
func (c *TranslationCache) OnGuestWrite(paddr types.PhysAddr, length uint64, current int) bool {
	if length == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur *TB
	if current >= 0 {
		if tb := c.findByCodeOffsetLocked(current); tb != nil && tb.Valid() {
			cur = tb
		}
	}

	hitCurrent := false
	end := uint64(paddr) + length
	for page := uint64(paddr) & types.PageMask; page < end; page += types.PageSize {
		pd := c.pages[page>>types.PageBits]
		if pd == nil {
			continue
		}
		var victims []*TB
		if c.cfg.PreciseSMC {
			start := max(uint64(paddr), page) - page
			stop := min(end, page+types.PageSize) - page
			victims = c.overlappingLocked(pd, start, stop)
		} else {
			victims = c.pageTBsLocked(pd)
		}
		for _, tb := range victims {
			if tb == cur {
				hitCurrent = true
			}
			c.invalidateLocked(tb)
		}
	}
	return hitCurrent
}

func (c *TranslationCache) pageTBsLocked(pd *pageDesc) []*TB {
	var out []*TB
	for l := pd.first; !l.end(); l = c.pool[l.tb].pageNext[l.n] {
		out = append(out, &c.pool[l.tb])
	}
	return out
}

// overlappingLocked returns the TBs of pd covering page bytes [start, stop).
func (c *TranslationCache) overlappingLocked(pd *pageDesc, start, stop uint64) []*TB {
	if pd.bitmap == nil {
		pd.writeCount++
		if pd.writeCount >= c.cfg.SMCBitmapThreshold {
			c.buildBitmapLocked(pd)
		}
	}
	if pd.bitmap != nil && !pd.bitmap.hits(start, stop) {
		return nil
	}
	var out []*TB
	for l := pd.first; !l.end(); l = c.pool[l.tb].pageNext[l.n] {
		tb := &c.pool[l.tb]
		s, e := tb.pageRange(int(l.n))
		if s < stop && start < e {
			out = append(out, tb)
		}
	}
	return out
}

// InvalidateTB removes a single TB. Stale TBs are ignored.
func (c *TranslationCache) InvalidateTB(tb *TB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !tb.Valid() || tb.gen != c.gen.Load() {
		return
	}
	c.invalidateLocked(tb)
}

func (c *TranslationCache) invalidateLocked(tb *TB) {
	for n := range tb.jmpTarget {
		if tb.jmpTarget[n] != NoTB {
			c.removeOutgoingLocked(tb, n)
		}
	}
	c.unlinkInboundLocked(tb)
	c.removeLocked(tb)
	tb.valid.Store(false)

	for _, o := range c.observers {
		o.TBInvalidated(tb)
	}
	c.metrics.invalidations.Inc()
	c.metrics.liveTBs.Dec()
}
