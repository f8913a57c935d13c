package tbcache

import (
	"encoding/binary"
	"sort"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/cespare/xxhash/v2"
)

func hash64(v uint64, bits int) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return uint32(xxhash.Sum64(b[:]) & (1<<bits - 1))
}

// pcHash picks the bucket for a guest pc. Context bits are deliberately not
// hashed; they only take part in the equality check.
func (c *TranslationCache) pcHash(pc types.GuestAddr) uint32 {
	return hash64(uint64(pc), c.cfg.HashBits)
}

func (c *TranslationCache) physHashOf(p types.PhysAddr) uint32 {
	return hash64(uint64(p), c.cfg.HashBits)
}

// Lookup returns the live TB translated for (pc, ctx), if any.
func (c *TranslationCache) Lookup(pc types.GuestAddr, ctx types.ContextBits) (*TB, bool) {
	c.mu.RLock()
	tb := c.lookupLocked(pc, ctx, 0, 0, false)
	c.mu.RUnlock()
	c.countLookup(tb != nil)
	return tb, tb != nil
}

// LookupPhys finds the TB for (pc, ctx) through the physical hash: it must
// have been translated from physPC, so a virtual page remapped to other
// memory never reuses a stale translation. For a TB that straddles into the
// next page, secondPage resolves that virtual page and must return the
// physical page the TB recorded; a nil secondPage never matches such TBs.
// secondPage runs with the cache lock held and must not call into the cache.
func (c *TranslationCache) LookupPhys(pc types.GuestAddr, ctx types.ContextBits, physPC types.PhysAddr,
	secondPage func(types.GuestAddr) types.PhysAddr) (*TB, bool) {
	c.mu.RLock()
	var found *TB
	for l := c.physHash[c.physHashOf(physPC)]; !l.end(); l = c.pool[l.tb].physHashNext[l.n] {
		tb := &c.pool[l.tb]
		// second-page entries are keyed by a page, not a first byte
		if l.n != 0 || tb.PhysPC != physPC || tb.PC != pc || tb.Context != ctx {
			continue
		}
		if tb.SpansTwoPages() {
			if secondPage == nil || secondPage(pc.Page()+types.PageSize).Page() != tb.PhysPage[1] {
				continue
			}
		}
		found = tb
		break
	}
	c.mu.RUnlock()
	c.countLookup(found != nil)
	return found, found != nil
}

func (c *TranslationCache) countLookup(hit bool) {
	if hit {
		c.metrics.lookups.WithLabelValues("hit").Inc()
	} else {
		c.metrics.lookups.WithLabelValues("miss").Inc()
	}
}

func (c *TranslationCache) lookupLocked(pc types.GuestAddr, ctx types.ContextBits, physPC, phys2 types.PhysAddr, matchPhys bool) *TB {
	for id := c.hash[c.pcHash(pc)]; id != NoTB; id = c.pool[id].hashNext {
		tb := &c.pool[id]
		if tb.PC != pc || tb.Context != ctx {
			continue
		}
		if matchPhys && (tb.PhysPC != physPC || tb.PhysPage[1] != phys2) {
			continue
		}
		return tb
	}
	return nil
}

// TB returns the live TB with the given id, or nil if the id is stale.
func (c *TranslationCache) TB(id TBID) *TB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= c.nb || !c.pool[id].Valid() {
		return nil
	}
	return &c.pool[id]
}

// FindByCodeOffset returns the TB (live or invalidated) whose native code
// contains arena offset off. TBs are allocated in increasing arena order,
// so the pool is sorted by TCOffset.
func (c *TranslationCache) FindByCodeOffset(off int) *TB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findByCodeOffsetLocked(off)
}

func (c *TranslationCache) findByCodeOffsetLocked(off int) *TB {
	i := sort.Search(c.nb, func(i int) bool {
		return c.pool[i].TCOffset+c.pool[i].TCSize > off
	})
	if i < c.nb && c.pool[i].ContainsCode(off) {
		return &c.pool[i]
	}
	return nil
}

// insertLocked links tb at the head of its pc bucket, its physical buckets
// (a second one for the next page when it straddles) and the page list of
// every page it touches, then marks it live.
func (c *TranslationCache) insertLocked(tb *TB) {
	h := c.pcHash(tb.PC)
	tb.hashNext = c.hash[h]
	c.hash[h] = tb.ID

	for n := range tb.physHashNext {
		key := tb.physKey(n)
		if key == types.InvalidPhys {
			continue
		}
		ph := c.physHashOf(key)
		tb.physHashNext[n] = c.physHash[ph]
		c.physHash[ph] = link{tb: tb.ID, n: uint8(n)}
	}

	for n, page := range tb.PhysPage {
		if page == types.InvalidPhys {
			continue
		}
		pd, ok := c.pages[page.PageNumber()]
		if !ok {
			pd = &pageDesc{first: noLink}
			c.pages[page.PageNumber()] = pd
			c.setCodeFrame(page.PageNumber(), true)
			for _, o := range c.observers {
				o.CodePageAdded(page)
			}
		}
		tb.pageNext[n] = pd.first
		pd.first = link{tb: tb.ID, n: uint8(n)}
		pd.dropBitmap()
	}
	tb.valid.Store(true)
}

// removeLocked takes tb out of both hash indices and its page lists.
func (c *TranslationCache) removeLocked(tb *TB) {
	removeFromChain(&c.hash[c.pcHash(tb.PC)], tb.ID, func(id TBID) *TBID { return &c.pool[id].hashNext })
	for n := range tb.physHashNext {
		if key := tb.physKey(n); key != types.InvalidPhys {
			c.removePhysLocked(tb, n, key)
		}
	}

	for n, page := range tb.PhysPage {
		if page == types.InvalidPhys {
			continue
		}
		pd := c.pages[page.PageNumber()]
		errors.Assertf(pd != nil, "%s registered on %s but page has no descriptor", tb, page)
		found := false
		for p := &pd.first; !p.end(); p = &c.pool[p.tb].pageNext[p.n] {
			if p.tb == tb.ID && int(p.n) == n {
				*p = tb.pageNext[n]
				found = true
				break
			}
		}
		errors.Assertf(found, "%s missing from page list of %s", tb, page)
		tb.pageNext[n] = noLink
		if pd.first.end() {
			delete(c.pages, page.PageNumber())
			c.setCodeFrame(page.PageNumber(), false)
			for _, o := range c.observers {
				o.CodePageRemoved(page)
			}
		} else {
			pd.dropBitmap()
		}
	}
}

func (c *TranslationCache) removePhysLocked(tb *TB, n int, key types.PhysAddr) {
	for p := &c.physHash[c.physHashOf(key)]; !p.end(); p = &c.pool[p.tb].physHashNext[p.n] {
		if p.tb == tb.ID && int(p.n) == n {
			*p = tb.physHashNext[n]
			tb.physHashNext[n] = noLink
			return
		}
	}
	panic(errors.AssertionFailedf("%s missing from the physical hash bucket of %s", tb, key))
}

func removeFromChain(head *TBID, id TBID, next func(TBID) *TBID) {
	for p := head; *p != NoTB; p = next(*p) {
		if *p == id {
			*p = *next(id)
			*next(id) = NoTB
			return
		}
	}
	panic(errors.AssertionFailedf("tb#%d missing from its hash chain", id))
}

// IsCodePage reports whether any TB was translated from the page holding p.
// It takes no lock, so it is safe to call with a TLB lock held.
func (c *TranslationCache) IsCodePage(p types.PhysAddr) bool {
	pn := p.PageNumber()
	return pn < uint64(len(c.codeFrames)) && c.codeFrames[pn].Load()
}

func (c *TranslationCache) setCodeFrame(pn uint64, on bool) {
	if pn < uint64(len(c.codeFrames)) {
		c.codeFrames[pn].Store(on)
	}
}
