package bitsequence

import "testing"

func TestSetRangeAndAnyInRange(t *testing.T) {
	bs := New(4096)
	bs.SetRange(100, 16)

	if !bs.BitAt(100) || !bs.BitAt(115) {
		t.Fatalf("expected bits 100 and 115 set")
	}
	if bs.BitAt(99) || bs.BitAt(116) {
		t.Fatalf("bits outside range set")
	}
	if !bs.AnyInRange(0, 101) {
		t.Errorf("AnyInRange(0, 101) = false, want true")
	}
	if bs.AnyInRange(0, 100) {
		t.Errorf("AnyInRange(0, 100) = true, want false")
	}
	if bs.AnyInRange(116, 4000) {
		t.Errorf("AnyInRange(116, 4000) = true, want false")
	}
	if !bs.AnyInRange(112, 64) {
		t.Errorf("AnyInRange(112, 64) = false, want true")
	}
}

func TestSetRangeClamps(t *testing.T) {
	bs := New(10)
	bs.SetRange(8, 100)
	if !bs.BitAt(9) {
		t.Fatalf("bit 9 not set")
	}
	if bs.AnyInRange(10, 5) {
		t.Errorf("bits beyond length must read as zero")
	}
}
