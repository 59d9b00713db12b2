package heap

import "testing"

func TestRingAdvanceAndFullCount(t *testing.T) {
	r := NewRing()
	if r.FullCount() != 0 {
		t.Errorf("fresh ring FullCount = %d, want 0", r.FullCount())
	}

	if _, err := r.Current().AddItem([]byte("row")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if r.FullCount() != 1 {
		t.Errorf("FullCount after filling buffer 0 = %d, want 1", r.FullCount())
	}

	r.Advance()
	if r.Curblk != 1 {
		t.Errorf("Curblk after Advance = %d, want 1", r.Curblk)
	}
	if !r.Current().IsEmpty() {
		t.Error("Advance must page_init the new current buffer")
	}
	if r.FullCount() != 1 {
		t.Errorf("FullCount with an empty current buffer = %d, want 1", r.FullCount())
	}
}

func TestRingWrapsAtRingSize(t *testing.T) {
	r := NewRing()
	r.Curblk = RingSize - 1
	r.Advance()
	if r.Curblk != 0 {
		t.Errorf("Curblk after wrapping = %d, want 0", r.Curblk)
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing()
	r.Advance()
	r.Advance()
	r.Reset()
	if r.Curblk != 0 {
		t.Errorf("Curblk after Reset = %d, want 0", r.Curblk)
	}
	if r.PageAt(0) == nil || !r.PageAt(0).IsEmpty() {
		t.Error("Reset must leave a single fresh buffer at index 0")
	}
}
