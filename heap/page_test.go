package heap

import (
	"testing"
)

func TestPageInitInvariants(t *testing.T) {
	tests := []struct {
		name        string
		specialSize int
	}{
		{"no special area", 0},
		{"small special area", 16},
		{"maxaligned special area", 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Page{}
			p.Init(tt.specialSize)

			if p.lower() != HeaderSize {
				t.Errorf("lower = %d, want %d", p.lower(), HeaderSize)
			}
			if p.upper() != p.special() {
				t.Errorf("upper = %d, special = %d, want equal on an empty page", p.upper(), p.special())
			}
			if !p.IsHeaderSane() {
				t.Error("freshly initialized page must be header-sane")
			}
			if !p.IsEmpty() {
				t.Error("freshly initialized page must report empty")
			}
		})
	}
}

func TestAddItemAndReadBack(t *testing.T) {
	p := NewPage()
	item := []byte("hello, world")

	offnum, err := p.AddItem(item)
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if offnum != 1 {
		t.Errorf("first item offset = %d, want 1", offnum)
	}

	_, got, err := p.ItemAt(offnum)
	if err != nil {
		t.Fatalf("ItemAt: %v", err)
	}
	if string(got) != string(item) {
		t.Errorf("ItemAt = %q, want %q", got, item)
	}
	if p.IsEmpty() {
		t.Error("page with one item must not report empty")
	}
}

func TestAddItemFillsPageThenFails(t *testing.T) {
	p := NewPage()
	item := make([]byte, 100)

	var placed int
	for {
		if _, err := p.AddItem(item); err != nil {
			if err != ErrPageFull {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		placed++
	}
	if placed == 0 {
		t.Fatal("expected at least one item to fit before the page filled")
	}
}

func TestOverwriteItemRequiresSameLength(t *testing.T) {
	p := NewPage()
	offnum, err := p.AddItem([]byte("abcdefgh"))
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if err := p.OverwriteItem(offnum, []byte("ABCDEFGH")); err != nil {
		t.Fatalf("same-length overwrite: %v", err)
	}
	_, got, _ := p.ItemAt(offnum)
	if string(got) != "ABCDEFGH" {
		t.Errorf("ItemAt after overwrite = %q, want %q", got, "ABCDEFGH")
	}

	if err := p.OverwriteItem(offnum, []byte("short")); err == nil {
		t.Error("expected an error overwriting with a different length")
	}
}

func TestIsHeaderSaneRejectsGarbage(t *testing.T) {
	p := NewPage()
	bytes := p.Bytes()
	for i := range bytes {
		bytes[i] = 0xFF
	}
	if p.IsHeaderSane() {
		t.Error("an all-0xFF buffer must not be accepted as header-sane")
	}
}

func TestLSNDefaultsToZero(t *testing.T) {
	p := NewPage()
	if p.LSN() != 0 {
		t.Errorf("fresh page LSN = %d, want 0", p.LSN())
	}
	p.SetLSN(12345)
	if p.LSN() != 12345 {
		t.Errorf("LSN after SetLSN = %d, want 12345", p.LSN())
	}
}

func TestLoadPageRoundTrip(t *testing.T) {
	p := NewPage()
	if _, err := p.AddItem([]byte("roundtrip")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	reloaded, err := LoadPage(p.Bytes())
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	if reloaded.NumLineItems() != p.NumLineItems() {
		t.Errorf("reloaded NumLineItems = %d, want %d", reloaded.NumLineItems(), p.NumLineItems())
	}

	if _, err := LoadPage(make([]byte, PageSize-1)); err == nil {
		t.Error("expected an error loading a short buffer")
	}
}
