package tbcache

import (
	"github.com/ascrivener/dbt/pkg/errors"
)

// patchExit points exit n of tb at arena offset target.
func (c *TranslationCache) patchExit(tb *TB, n int, target int) {
	c.arena.PatchRel32(tb.jmpSite[n], target)
}

// resetExit sends exit n of tb back to its unresolved path.
func (c *TranslationCache) resetExit(tb *TB, n int) {
	c.arena.PatchRel32(tb.jmpSite[n], tb.jmpReset[n])
}

// AddJump chains exit n of from directly into to. gen is the cache
// generation the caller observed before obtaining both TBs; if a flush
// happened since, or either TB has been invalidated, or the slot is already
// resolved, nothing is done. It reports whether a patch was installed.
func (c *TranslationCache) AddJump(from *TB, n int, to *TB, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen.Load() != gen || from.gen != gen || to.gen != gen {
		return false
	}
	if !from.Valid() || !to.Valid() || !from.HasExit(n) {
		return false
	}
	if from.jmpTarget[n] != NoTB {
		return false
	}
	c.patchExit(from, n, to.TCOffset)
	from.jmpTarget[n] = to.ID
	from.jmpNext[n] = to.jmpFirst
	to.jmpFirst = link{tb: from.ID, n: uint8(n)}
	c.metrics.chains.Inc()
	return true
}

// UnlinkAllInbound resets every exit that jumps into tb and empties tb's
// inbound list.
func (c *TranslationCache) UnlinkAllInbound(tb *TB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlinkInboundLocked(tb)
}

func (c *TranslationCache) unlinkInboundLocked(tb *TB) {
	for l := tb.jmpFirst; !l.end(); {
		from := &c.pool[l.tb]
		n := int(l.n)
		errors.Assertf(from.Valid(), "%s has inbound edge from dead %s", tb, from)
		errors.Assertf(from.jmpTarget[n] == tb.ID,
			"%s slot %d is listed as jumping into %s but targets tb#%d", from, n, tb, from.jmpTarget[n])
		c.resetExit(from, n)
		next := from.jmpNext[n]
		from.jmpTarget[n] = NoTB
		from.jmpNext[n] = noLink
		l = next
	}
	tb.jmpFirst = noLink
}

// removeOutgoingLocked undoes exit n of tb and drops the edge from its
// target's inbound list.
func (c *TranslationCache) removeOutgoingLocked(tb *TB, n int) {
	to := &c.pool[tb.jmpTarget[n]]
	want := link{tb: tb.ID, n: uint8(n)}
	found := false
	for p := &to.jmpFirst; !p.end(); p = &c.pool[p.tb].jmpNext[p.n] {
		if *p == want {
			*p = tb.jmpNext[n]
			found = true
			break
		}
	}
	errors.Assertf(found, "%s slot %d missing from inbound list of %s", tb, n, to)
	c.resetExit(tb, n)
	tb.jmpTarget[n] = NoTB
	tb.jmpNext[n] = noLink
}

// Inbound lists the exits currently chained into tb, most recent first.
func (c *TranslationCache) Inbound(tb *TB) []Edge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var edges []Edge
	for l := tb.jmpFirst; !l.end(); l = c.pool[l.tb].jmpNext[l.n] {
		edges = append(edges, Edge{From: l.tb, Slot: int(l.n)})
	}
	return edges
}

// JumpTarget returns the TB exit n of tb is chained to, or NoTB.
func (c *TranslationCache) JumpTarget(tb *TB, n int) TBID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return tb.jmpTarget[n]
}
