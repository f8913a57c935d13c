package tbcache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/jit"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	invalidated []TBID
	added       []types.PhysAddr
	removed     []types.PhysAddr
	flushes     int
}

func (r *recorder) TBInvalidated(tb *TB)                { r.invalidated = append(r.invalidated, tb.ID) }
func (r *recorder) CodePageAdded(page types.PhysAddr)   { r.added = append(r.added, page) }
func (r *recorder) CodePageRemoved(page types.PhysAddr) { r.removed = append(r.removed, page) }
func (r *recorder) CacheFlushed()                       { r.flushes++ }

func newTestCache(t *testing.T, cfg Config) (*TranslationCache, *ram.Memory, *recorder) {
	t.Helper()
	mem := ram.NewMemory(64 * 1024)
	c, err := New(cfg, jit.Bytecode{}, mem, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	rec := &recorder{}
	c.AddObserver(rec)
	return c, mem, rec
}

// block builds a one-instruction block of size bytes at pc. With targets
// it ends in goto_tb exits, otherwise in a plain exit.
func block(pc types.GuestAddr, size uint64, targets ...types.GuestAddr) *ir.Block {
	b := &ir.Block{PC: pc, Size: size}
	b.InsnStart(pc, int(size))
	if len(targets) == 0 {
		b.ExitTB(pc + types.GuestAddr(size))
		return b
	}
	for i, target := range targets {
		b.GotoTB(i, target)
	}
	return b
}

func mustTranslate(t *testing.T, c *TranslationCache, b *ir.Block) *TB {
	t.Helper()
	phys2 := types.InvalidPhys
	if types.PagesSpanned(uint64(b.PC), b.Size) == 2 {
		phys2 = types.PhysAddr(b.PC.Page() + types.PageSize)
	}
	tb, err := c.Translate(b, types.PhysAddr(b.PC), phys2)
	if err != nil {
		t.Fatalf("Translate(%s): %v", b.PC, err)
	}
	return tb
}

func checkClean(t *testing.T, c *TranslationCache) {
	t.Helper()
	for _, err := range c.Check() {
		t.Errorf("Check: %v", err)
	}
}

func TestLookupAfterInsert(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})

	a := mustTranslate(t, c, block(0x1000, 16))
	b := mustTranslate(t, c, block(0x1010, 16))

	if got, ok := c.Lookup(0x1000, 0); !ok || got != a {
		t.Fatalf("Lookup(0x1000) = %v, %t, want %s", got, ok, a)
	}
	if got, ok := c.Lookup(0x1010, 0); !ok || got != b {
		t.Fatalf("Lookup(0x1010) = %v, %t, want %s", got, ok, b)
	}
	if _, ok := c.Lookup(0x1000, 1); ok {
		t.Errorf("Lookup with other context bits hit")
	}
	if _, ok := c.Lookup(0x1008, 0); ok {
		t.Errorf("Lookup of a pc inside a TB hit")
	}
	if _, ok := c.LookupPhys(0x1000, 0, 0x7000, nil); ok {
		t.Errorf("LookupPhys with a different physical page hit")
	}
	if got, ok := c.LookupPhys(0x1000, 0, 0x1000, nil); !ok || got != a {
		t.Errorf("LookupPhys(0x1000) = %v, %t, want %s", got, ok, a)
	}

	again := mustTranslate(t, c, block(0x1000, 16))
	if again != a {
		t.Errorf("second Translate returned %s, want existing %s", again, a)
	}
	if diff := cmp.Diff([]types.PhysAddr{0x1000}, rec.added); diff != "" {
		t.Errorf("CodePageAdded mismatch (-want +got):\n%s", diff)
	}
	if n := testutil.ToFloat64(c.metrics.translations); n != 2 {
		t.Errorf("translations = %v, want 2", n)
	}
	if n := testutil.ToFloat64(c.metrics.liveTBs); n != 2 {
		t.Errorf("live_tbs = %v, want 2", n)
	}
	checkClean(t, c)
}

func TestLookupWithCollisions(t *testing.T) {
	c, _, _ := newTestCache(t, Config{HashBits: 1})

	var tbs []*TB
	for pc := types.GuestAddr(0x1000); pc < 0x1100; pc += 0x10 {
		tbs = append(tbs, mustTranslate(t, c, block(pc, 16)))
	}
	for _, tb := range tbs {
		if got, ok := c.Lookup(tb.PC, 0); !ok || got != tb {
			t.Fatalf("Lookup(%s) = %v, %t, want %s", tb.PC, got, ok, tb)
		}
		if got, ok := c.LookupPhys(tb.PC, 0, tb.PhysPC, nil); !ok || got != tb {
			t.Fatalf("LookupPhys(%s) = %v, %t, want %s", tb.PC, got, ok, tb)
		}
	}
	checkClean(t, c)
}

func TestPhysHashSecondPageEntry(t *testing.T) {
	c, _, _ := newTestCache(t, Config{HashBits: 1})

	// the straddling TB's second entry shares its key with next's first byte
	straddle := mustTranslate(t, c, block(0x1ff8, 16))
	next := mustTranslate(t, c, block(0x2000, 16))
	checkClean(t, c)

	if got, ok := c.LookupPhys(0x2000, 0, 0x2000, nil); !ok || got != next {
		t.Fatalf("LookupPhys(0x2000) = %v, %t, want %s", got, ok, next)
	}
	c.InvalidateTB(straddle)
	if got, ok := c.LookupPhys(0x2000, 0, 0x2000, nil); !ok || got != next {
		t.Errorf("LookupPhys(0x2000) after removing the straddling TB = %v, %t", got, ok)
	}
	if _, ok := c.LookupPhys(0x1ff8, 0, 0x1ff8, func(types.GuestAddr) types.PhysAddr { return 0x2000 }); ok {
		t.Errorf("LookupPhys hit an invalidated TB")
	}
	checkClean(t, c)
}

func TestAddJumpAndUnlinkInbound(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	gen := c.Generation()

	a := mustTranslate(t, c, block(0x1000, 16, 0x1010))
	b := mustTranslate(t, c, block(0x1010, 16))

	if !a.HasExit(0) || a.HasExit(1) {
		t.Fatalf("A exits = %t/%t, want true/false", a.HasExit(0), a.HasExit(1))
	}
	if got := c.Arena().LoadRel32(a.ExitSite(0)); got != a.ExitReset(0) {
		t.Fatalf("unresolved exit jumps to %#x, want %#x", got, a.ExitReset(0))
	}

	if !c.AddJump(a, 0, b, gen) {
		t.Fatalf("AddJump(A, 0, B) = false, want true")
	}
	if c.AddJump(a, 0, b, gen) {
		t.Errorf("second AddJump(A, 0, B) = true, want no-op")
	}
	if c.AddJump(a, 1, b, gen) {
		t.Errorf("AddJump on a missing slot = true")
	}
	if got := c.Arena().LoadRel32(a.ExitSite(0)); got != b.TCOffset {
		t.Fatalf("chained exit jumps to %#x, want %#x", got, b.TCOffset)
	}
	if diff := cmp.Diff([]Edge{{From: a.ID, Slot: 0}}, c.Inbound(b)); diff != "" {
		t.Errorf("Inbound(B) mismatch (-want +got):\n%s", diff)
	}
	checkClean(t, c)

	c.UnlinkAllInbound(b)
	if got := c.Arena().LoadRel32(a.ExitSite(0)); got != a.ExitReset(0) {
		t.Errorf("after unlink exit jumps to %#x, want %#x", got, a.ExitReset(0))
	}
	if edges := c.Inbound(b); len(edges) != 0 {
		t.Errorf("Inbound(B) = %v, want empty", edges)
	}
	if got := c.JumpTarget(a, 0); got != NoTB {
		t.Errorf("JumpTarget(A, 0) = %d, want NoTB", got)
	}
	checkClean(t, c)

	// the slot can be resolved again
	if !c.AddJump(a, 0, b, gen) {
		t.Errorf("AddJump after unlink = false, want true")
	}
	if n := testutil.ToFloat64(c.metrics.chains); n != 2 {
		t.Errorf("chains = %v, want 2", n)
	}
}

func TestAddJumpRejectsStaleGeneration(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	gen := c.Generation()
	a := mustTranslate(t, c, block(0x1000, 16, 0x1010))
	b := mustTranslate(t, c, block(0x1010, 16))

	if c.AddJump(a, 0, b, gen+1) {
		t.Fatalf("AddJump with a future generation succeeded")
	}
	c.InvalidateTB(b)
	if c.AddJump(a, 0, b, gen) {
		t.Fatalf("AddJump into an invalidated TB succeeded")
	}
}

func TestGuestWriteDropsWholePage(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})
	gen := c.Generation()

	a := mustTranslate(t, c, block(0x1000, 16))
	b := mustTranslate(t, c, block(0x1010, 16, 0x1000))
	x := mustTranslate(t, c, block(0x2000, 16, 0x1000))
	for _, from := range []*TB{b, x} {
		if !c.AddJump(from, 0, a, gen) {
			t.Fatalf("AddJump(%s, 0, %s) failed", from, a)
		}
	}
	aStart, aEnd := a.TCOffset, a.TCOffset+a.TCSize

	// no TB covers 0x1800
	c.OnGuestWrite(0x1800, 4, -1)

	if a.Valid() || b.Valid() {
		t.Fatalf("A valid=%t B valid=%t after a write to their page", a.Valid(), b.Valid())
	}
	if !x.Valid() {
		t.Fatalf("TB on another page was invalidated")
	}
	if _, ok := c.Lookup(0x1000, 0); ok {
		t.Errorf("Lookup(0x1000) hit after the page was written")
	}
	dest := c.Arena().LoadRel32(x.ExitSite(0))
	if dest >= aStart && dest < aEnd {
		t.Errorf("X still jumps into A's code at %#x", dest)
	}
	if dest != x.ExitReset(0) {
		t.Errorf("X exit jumps to %#x, want unresolved %#x", dest, x.ExitReset(0))
	}
	if got := c.JumpTarget(x, 0); got != NoTB {
		t.Errorf("JumpTarget(X, 0) = %d, want NoTB", got)
	}
	if len(rec.invalidated) != 2 {
		t.Errorf("TBInvalidated called for %v, want A and B", rec.invalidated)
	}
	if c.IsCodePage(0x1000) {
		t.Errorf("written page still indexed")
	}
	if diff := cmp.Diff([]types.PhysAddr{0x1000}, rec.removed); diff != "" {
		t.Errorf("CodePageRemoved mismatch (-want +got):\n%s", diff)
	}
	if s := c.Stats(); s.LiveTBs != 1 || s.CodePages != 1 {
		t.Errorf("Stats = %+v, want 1 live TB on 1 page", s)
	}
	checkClean(t, c)
}

func TestGuestWriteDropsTwoPageTB(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})
	tb := mustTranslate(t, c, block(0x1ff8, 16))

	c.OnGuestWrite(0x2800, 4, -1)

	if tb.Valid() {
		t.Fatalf("two-page TB survived a write to its second page")
	}
	if c.IsCodePage(0x1000) || c.IsCodePage(0x2000) {
		t.Errorf("pages of the removed TB still indexed")
	}
	if diff := cmp.Diff([]types.PhysAddr{0x1000, 0x2000}, rec.removed); diff != "" {
		t.Errorf("CodePageRemoved mismatch (-want +got):\n%s", diff)
	}
	checkClean(t, c)
}

func TestPreciseWriteLeavesNoDanglingChain(t *testing.T) {
	c, _, rec := newTestCache(t, Config{PreciseSMC: true})
	gen := c.Generation()

	a := mustTranslate(t, c, block(0x1000, 16, 0x1010))
	b := mustTranslate(t, c, block(0x1010, 16, 0x1000))
	other := mustTranslate(t, c, block(0x2000, 16, 0x1010))

	for _, j := range []struct{ from, to *TB }{{a, b}, {b, a}, {other, b}} {
		if !c.AddJump(j.from, 0, j.to, gen) {
			t.Fatalf("AddJump(%s, 0, %s) failed", j.from, j.to)
		}
	}
	bStart, bEnd := b.TCOffset, b.TCOffset+b.TCSize

	if c.OnGuestWrite(0x1010, 4, -1) {
		t.Errorf("OnGuestWrite reported the current TB modified without a current TB")
	}

	if b.Valid() {
		t.Fatalf("B still valid after a write into its code")
	}
	if !a.Valid() || !other.Valid() {
		t.Fatalf("TBs not covering the written bytes were invalidated")
	}
	if _, ok := c.Lookup(0x1010, 0); ok {
		t.Errorf("Lookup(0x1010) hit after invalidation")
	}
	for _, tb := range []*TB{a, other} {
		dest := c.Arena().LoadRel32(tb.ExitSite(0))
		if dest >= bStart && dest < bEnd {
			t.Errorf("%s still jumps into B's code at %#x", tb, dest)
		}
		if dest != tb.ExitReset(0) {
			t.Errorf("%s exit jumps to %#x, want unresolved %#x", tb, dest, tb.ExitReset(0))
		}
	}
	if edges := c.Inbound(a); len(edges) != 0 {
		t.Errorf("Inbound(A) = %v, want empty once B is gone", edges)
	}
	if diff := cmp.Diff([]TBID{b.ID}, rec.invalidated); diff != "" {
		t.Errorf("TBInvalidated mismatch (-want +got):\n%s", diff)
	}
	if len(rec.removed) != 0 {
		t.Errorf("page removed while A still lives on it: %v", rec.removed)
	}
	checkClean(t, c)
}

func TestGuestWriteRemovesEmptyPage(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})
	tb := mustTranslate(t, c, block(0x3000, 8))

	c.OnGuestWrite(0x2ffc, 8, -1)

	if tb.Valid() {
		t.Fatalf("TB survived a write overlapping its first bytes")
	}
	if c.IsCodePage(0x3000) {
		t.Errorf("page 0x3000 still indexed with no TBs")
	}
	if diff := cmp.Diff([]types.PhysAddr{0x3000}, rec.removed); diff != "" {
		t.Errorf("CodePageRemoved mismatch (-want +got):\n%s", diff)
	}
}

func TestGuestWriteHitsCurrentTB(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	a := mustTranslate(t, c, block(0x1000, 16))
	b := mustTranslate(t, c, block(0x2000, 16))

	if c.OnGuestWrite(0x2000, 4, a.TCOffset+1) {
		t.Errorf("write into B reported as modifying running A")
	}
	if !c.OnGuestWrite(0x1004, 1, a.TCOffset+1) {
		t.Errorf("write into running A not reported")
	}
	if a.Valid() || b.Valid() {
		t.Errorf("A valid=%t B valid=%t, want both invalidated", a.Valid(), b.Valid())
	}
	if got := c.FindByCodeOffset(a.TCOffset + 1); got != a {
		t.Errorf("FindByCodeOffset = %v, want %s", got, a)
	}
}

func TestCodeBitmapFiltersDataWrites(t *testing.T) {
	c, _, _ := newTestCache(t, Config{PreciseSMC: true, SMCBitmapThreshold: 2})
	tb := mustTranslate(t, c, block(0x3000, 16))

	for i := 0; i < 5; i++ {
		c.OnGuestWrite(0x3800, 8, -1)
	}
	if !tb.Valid() {
		t.Fatalf("data writes beside code invalidated the TB")
	}
	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "arena 0x") {
		t.Errorf("dump does not start with the arena placement:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "bitmap=true") {
		t.Errorf("no code bitmap after repeated writes:\n%s", buf.String())
	}

	c.OnGuestWrite(0x300f, 1, -1)
	if tb.Valid() {
		t.Errorf("write into the last code byte did not invalidate the TB")
	}
}

func TestTwoPageTB(t *testing.T) {
	c, _, rec := newTestCache(t, Config{PreciseSMC: true})
	gen := c.Generation()

	tb := mustTranslate(t, c, block(0x1ff8, 16))
	if !tb.SpansTwoPages() {
		t.Fatalf("%s does not span two pages", tb)
	}
	if diff := cmp.Diff([]types.PhysAddr{0x1000, 0x2000}, rec.added); diff != "" {
		t.Errorf("CodePageAdded mismatch (-want +got):\n%s", diff)
	}
	second := func(phys types.PhysAddr) func(types.GuestAddr) types.PhysAddr {
		return func(types.GuestAddr) types.PhysAddr { return phys }
	}
	if got, ok := c.LookupPhys(0x1ff8, 0, 0x1ff8, second(0x2000)); !ok || got != tb {
		t.Errorf("LookupPhys with matching second page = %v, %t", got, ok)
	}
	if _, ok := c.LookupPhys(0x1ff8, 0, 0x1ff8, second(0x9000)); ok {
		t.Errorf("LookupPhys hit with a remapped second page")
	}
	if _, ok := c.LookupPhys(0x1ff8, 0, 0x1ff8, nil); ok {
		t.Errorf("LookupPhys without a second page resolver hit a two-page TB")
	}

	a := mustTranslate(t, c, block(0x1000, 16, 0x1ff8))
	if !c.AddJump(a, 0, tb, gen) {
		t.Fatalf("AddJump into two-page TB failed")
	}
	checkClean(t, c)

	// bytes 0x2008.. are not code
	c.OnGuestWrite(0x2008, 8, -1)
	if !tb.Valid() {
		t.Fatalf("write past the end of the TB invalidated it")
	}
	c.OnGuestWrite(0x2004, 1, -1)
	if tb.Valid() {
		t.Fatalf("write into the second page of the TB left it valid")
	}
	if got := c.Arena().LoadRel32(a.ExitSite(0)); got != a.ExitReset(0) {
		t.Errorf("exit into removed two-page TB not reset")
	}
	if c.IsCodePage(0x2000) {
		t.Errorf("second page still indexed")
	}
	checkClean(t, c)
}

func TestFlushAllDropsEverything(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})
	gen := c.Generation()

	a := mustTranslate(t, c, block(0x1000, 16, 0x1010))
	b := mustTranslate(t, c, block(0x1010, 16))
	c.AddJump(a, 0, b, gen)

	c.FlushAll()

	for _, pc := range []types.GuestAddr{0x1000, 0x1010} {
		if _, ok := c.Lookup(pc, 0); ok {
			t.Errorf("Lookup(%s) hit after FlushAll", pc)
		}
	}
	if used := c.Arena().Used(); used != 0 {
		t.Errorf("arena used = %d after flush, want 0", used)
	}
	if c.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", c.Generation(), gen+1)
	}
	if a.Valid() || b.Valid() {
		t.Errorf("TBs still valid after flush")
	}
	if rec.flushes != 1 {
		t.Errorf("CacheFlushed called %d times, want 1", rec.flushes)
	}
	if c.IsCodePage(0x1000) {
		t.Errorf("page index survived flush")
	}

	// a translation after the flush reuses id 0 under the new generation
	again := mustTranslate(t, c, block(0x2000, 16))
	if again.ID != 0 || again.Generation() != gen+1 {
		t.Errorf("first TB after flush = %s gen %d", again, again.Generation())
	}
	if c.AddJump(again, 0, again, gen) {
		t.Errorf("AddJump with the pre-flush generation succeeded")
	}
	checkClean(t, c)
}

func TestCapacityExhaustedThenFlush(t *testing.T) {
	c, _, _ := newTestCache(t, Config{MaxTBs: 2})

	mustTranslate(t, c, block(0x1000, 16))
	mustTranslate(t, c, block(0x1010, 16))
	_, err := c.Translate(block(0x1020, 16), 0x1020, types.InvalidPhys)
	if !errors.IsCapacityExhausted(err) {
		t.Fatalf("Translate with a full pool: err = %v, want capacity exhausted", err)
	}

	c.OnFullFlushRequest()
	tb := mustTranslate(t, c, block(0x1020, 16))
	if got, ok := c.Lookup(0x1020, 0); !ok || got != tb {
		t.Errorf("Lookup after retry = %v, %t", got, ok)
	}
	if s := c.Stats(); s.LiveTBs != 1 || s.Flushes != 1 {
		t.Errorf("Stats = %+v, want 1 live TB and 1 flush", s)
	}
}

func TestArenaExhaustion(t *testing.T) {
	c, _, _ := newTestCache(t, Config{ArenaSize: 4096, MaxTBs: 1000})

	var err error
	for pc := types.GuestAddr(0x1000); err == nil && pc < 0x2000; pc += 0x10 {
		_, err = c.Translate(block(pc, 16), types.PhysAddr(pc), types.InvalidPhys)
	}
	if !errors.IsCapacityExhausted(err) {
		t.Fatalf("filling a 4 KiB arena: err = %v, want capacity exhausted", err)
	}
	checkClean(t, c)
}

func TestCheckDetectsUnnotifiedWrite(t *testing.T) {
	c, mem, _ := newTestCache(t, Config{})
	mustTranslate(t, c, block(0x1000, 16))

	if err := mem.WriteBytes(0x1004, []byte{0xff}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	errs := c.Check()
	if len(errs) != 1 {
		t.Fatalf("Check returned %d errors, want 1: %v", len(errs), errs)
	}
	if !errors.IsAssertionFailure(errs[0]) {
		t.Errorf("Check error %v is not an assertion failure", errs[0])
	}
}

func TestStats(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	gen := c.Generation()
	a := mustTranslate(t, c, block(0x1000, 16, 0x1010))
	b := mustTranslate(t, c, block(0x1010, 16))
	mustTranslate(t, c, block(0x1ff8, 16))
	c.AddJump(a, 0, b, gen)
	c.InvalidateTB(b)

	got := c.Stats()
	want := Stats{
		Generation:   gen,
		LiveTBs:      2,
		DeadTBs:      1,
		TwoPageTBs:   1,
		ChainedExits: 0,
		CodePages:    2,
		CodeBytes:    c.Arena().Used(),
		CodeCapacity: c.Arena().Capacity(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}
