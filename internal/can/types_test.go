package can

import (
	"sort"
	"testing"
)

func mk(id uint32, data ...byte) Frame {
	var f Frame
	f.CANID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

func TestLess_ByIdentifier(t *testing.T) {
	a, b := mk(0x100), mk(0x200)
	if !Less(a, b) || Less(b, a) {
		t.Fatalf("expected 0x100 < 0x200")
	}
}

func TestLess_TieBrokenByLength(t *testing.T) {
	a, b := mk(0x10, 1, 2), mk(0x10, 1, 2, 3)
	if !Less(a, b) {
		t.Fatalf("expected shorter payload to sort first on id tie")
	}
}

func TestLess_TieBrokenByPayload(t *testing.T) {
	a, b := mk(0x10, 0x01, 0x02), mk(0x10, 0x01, 0x03)
	if !Less(a, b) || Less(b, a) {
		t.Fatalf("expected lexicographic payload ordering on id/len tie")
	}
}

func TestByOrder_SortDeterministic(t *testing.T) {
	frames := []Frame{mk(0x30), mk(0x10), mk(0x20), mk(0x10, 1)}
	sort.Sort(ByOrder(frames))
	for i := 1; i < len(frames); i++ {
		if Less(frames[i], frames[i-1]) {
			t.Fatalf("not sorted at %d: %+v before %+v", i, frames[i-1], frames[i])
		}
	}
	if frames[0].CANID != 0x10 || frames[1].CANID != 0x10 {
		t.Fatalf("expected the two 0x10 frames first, got %+v", frames[:2])
	}
}

func TestCopyShallow_Independent(t *testing.T) {
	orig := mk(0x42, 0xAA, 0xBB)
	clone := orig.CopyShallow()
	clone.Data[0] = 0xFF
	if orig.Data[0] == 0xFF {
		t.Fatalf("mutating clone affected original")
	}
}
