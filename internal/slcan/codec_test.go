package slcan

import (
	"testing"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

func std(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = id
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func ext(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = id | can.CAN_EFF_FLAG
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func TestEncodeDecode_StandardRoundTrip(t *testing.T) {
	fr := std(0x1A2, 0xDE, 0xAD, 0xBE, 0xEF)
	line := Encode(fr)
	if line[0] != 't' {
		t.Fatalf("expected standard-frame letter t, got %c", line[0])
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CANID != fr.CANID || got.Len != fr.Len || got.Data != fr.Data {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, fr)
	}
}

func TestEncodeDecode_ExtendedRoundTrip(t *testing.T) {
	fr := ext(0x1FFFFFFE, 1, 2, 3)
	line := Encode(fr)
	if line[0] != 'T' {
		t.Fatalf("expected extended-frame letter T, got %c", line[0])
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CANID != fr.CANID || got.Len != fr.Len || got.Data != fr.Data {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, fr)
	}
}

func TestEncode_ZeroLengthFrame(t *testing.T) {
	line := Encode(std(0x001))
	if string(line) != "t0010" {
		t.Fatalf("got %q, want t0010", line)
	}
}

func TestDecode_RejectsNonDataFrameLetter(t *testing.T) {
	if _, err := Decode([]byte("F0000")); err != ErrNotDataFrame {
		t.Fatalf("expected ErrNotDataFrame, got %v", err)
	}
}

func TestDecode_RejectsShortLine(t *testing.T) {
	if _, err := Decode([]byte("t12")); err != ErrShortLine {
		t.Fatalf("expected ErrShortLine, got %v", err)
	}
}

func TestDecode_RejectsBadLengthDigit(t *testing.T) {
	if _, err := Decode([]byte("t1239")); err != ErrBadLength {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestDecode_RejectsTruncatedPayload(t *testing.T) {
	if _, err := Decode([]byte("t1238AABB")); err != ErrShortLine {
		t.Fatalf("expected ErrShortLine, got %v", err)
	}
}

func TestDecode_RejectsBadHexInID(t *testing.T) {
	if _, err := Decode([]byte("tZZZ0")); err == nil {
		t.Fatalf("expected error for non-hex id")
	}
}
