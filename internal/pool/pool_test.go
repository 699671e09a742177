package pool

import (
	"testing"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

func TestPool_Conservation(t *testing.T) {
	p := New(4)
	idle, total := p.Stats()
	if idle != 4 || total != 4 {
		t.Fatalf("expected 4/4, got idle=%d total=%d", idle, total)
	}

	var reserved []*can.Frame
	for i := 0; i < 3; i++ {
		slot, _, _ := p.Reserve()
		reserved = append(reserved, slot)
	}
	idle, total = p.Stats()
	if idle != 1 || total != 4 {
		t.Fatalf("after 3 reservations expected idle=1 total=4, got idle=%d total=%d", idle, total)
	}

	p.Return(reserved)
	idle, total = p.Stats()
	if idle != 4 || total != 4 {
		t.Fatalf("after returning all, expected idle=4 total=4, got idle=%d total=%d", idle, total)
	}
}

func TestPool_GrowsByDoublingOnUnderflow(t *testing.T) {
	p := New(2)
	var reserved []*can.Frame
	for i := 0; i < 2; i++ {
		slot, grew, _ := p.Reserve()
		if grew {
			t.Fatalf("should not grow while slots remain")
		}
		reserved = append(reserved, slot)
	}
	slot, grew, total := p.Reserve()
	if !grew {
		t.Fatalf("expected pool to grow on underflow")
	}
	if total != 4 {
		t.Fatalf("expected doubling from 2 to 4, got %d", total)
	}
	reserved = append(reserved, slot)
	idle, total := p.Stats()
	if idle != 1 || total != 4 {
		t.Fatalf("expected idle=1 total=4 after third reservation, got idle=%d total=%d", idle, total)
	}
	p.Return(reserved)
}

func TestPool_ReserveZeroesSlot(t *testing.T) {
	p := New(1)
	slot, _, _ := p.Reserve()
	slot.CANID = 0x42
	slot.Len = 3
	p.Return([]*can.Frame{slot})

	slot2, _, _ := p.Reserve()
	if slot2.CANID != 0 || slot2.Len != 0 {
		t.Fatalf("expected reserved slot to be zeroed, got %+v", slot2)
	}
}

func TestPool_Clear(t *testing.T) {
	p := New(4)
	p.Clear()
	idle, total := p.Stats()
	if idle != 0 || total != 0 {
		t.Fatalf("expected empty pool after Clear, got idle=%d total=%d", idle, total)
	}
}
