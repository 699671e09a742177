package wire

import (
	"crypto/rand"
	"testing"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = id
	if n > 8 {
		n = 8
	}
	f.Len = uint8(n)
	_, _ = rand.Read(f.Data[:n])
	return f
}

func framesEqual(a, b []can.Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].CANID != b[i].CANID || a[i].Len != b[i].Len {
			return false
		}
		for j := 0; j < int(a[i].Len); j++ {
			if a[i].Data[j] != b[i].Data[j] {
				return false
			}
		}
	}
	return true
}

func TestCodec_RoundTrip_SingleDatagram(t *testing.T) {
	in := []can.Frame{mkFrame(0x123, 2), mkFrame(0x7FF, 8), mkFrame(0x1FFFFFFF, 0)}
	datagrams, next := Encode(in, PayloadSize, 0)
	if len(datagrams) != 1 {
		t.Fatalf("expected one datagram, got %d", len(datagrams))
	}
	if next != 1 {
		t.Fatalf("expected sequence to advance by 1, got %d", next)
	}
	out, err := Decode(datagrams[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !framesEqual(in, out) {
		t.Fatalf("round trip mismatch: in=%+v out=%+v", in, out)
	}
}

func TestCodec_Fragmenting_RoundTrip(t *testing.T) {
	var in []can.Frame
	for i := 0; i < 500; i++ {
		in = append(in, mkFrame(uint32(i), 8))
	}
	datagrams, _ := Encode(in, PayloadSize, 0)
	if len(datagrams) < 2 {
		t.Fatalf("expected fragmentation into multiple datagrams, got %d", len(datagrams))
	}
	var out []can.Frame
	for _, dg := range datagrams {
		fs, err := Decode(dg)
		if err != nil {
			t.Fatalf("decode fragment: %v", err)
		}
		out = append(out, fs...)
	}
	if !framesEqual(in, out) {
		t.Fatalf("fragmented round trip mismatch: got %d frames, want %d", len(out), len(in))
	}
}

func TestCodec_SequenceMonotonic(t *testing.T) {
	var in []can.Frame
	for i := 0; i < 500; i++ {
		in = append(in, mkFrame(uint32(i), 8))
	}
	datagrams, _ := Encode(in, PayloadSize, 250)
	var prev uint8
	for i, dg := range datagrams {
		seq, ok := Seq(dg)
		if !ok {
			t.Fatalf("datagram %d too short for header", i)
		}
		if i > 0 && seq != prev+1 {
			t.Fatalf("sequence not monotonic mod 256: prev=%d got=%d", prev, seq)
		}
		prev = seq
	}
}

func TestCodec_EmptyInput_NoDatagrams(t *testing.T) {
	datagrams, next := Encode(nil, PayloadSize, 5)
	if len(datagrams) != 0 {
		t.Fatalf("expected no datagrams for empty input, got %d", len(datagrams))
	}
	if next != 5 {
		t.Fatalf("sequence must not advance when nothing is sent, got %d", next)
	}
}

func TestCodec_ZeroLengthFrame_IsFiveBytes(t *testing.T) {
	datagrams, _ := Encode([]can.Frame{mkFrame(0x1, 0)}, PayloadSize, 0)
	body := datagrams[0][DatagramHeaderSize:]
	if len(body) != FrameHeaderSize {
		t.Fatalf("zero-length frame should encode to %d bytes, got %d", FrameHeaderSize, len(body))
	}
}

func TestCodec_ExtendedFrame_RoundTrips(t *testing.T) {
	f := mkFrame(0x1FFFFFFF|can.CAN_EFF_FLAG, 8)
	datagrams, _ := Encode([]can.Frame{f}, PayloadSize, 0)
	out, err := Decode(datagrams[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !framesEqual([]can.Frame{f}, out) {
		t.Fatalf("extended frame round trip mismatch")
	}
}

func TestCodec_ExactCeiling_FitsOneDatagram(t *testing.T) {
	// One frame with an 8 byte payload occupies FrameHeaderSize+8 bytes.
	// Choose a ceiling that exactly fits two such frames.
	ceiling := DatagramHeaderSize + 2*(FrameHeaderSize+8)
	in := []can.Frame{mkFrame(1, 8), mkFrame(2, 8)}
	datagrams, _ := Encode(in, ceiling, 0)
	if len(datagrams) != 1 {
		t.Fatalf("exact-fit batch should need one datagram, got %d", len(datagrams))
	}

	in = append(in, mkFrame(3, 8))
	datagrams, _ = Encode(in, ceiling, 0)
	if len(datagrams) != 2 {
		t.Fatalf("a third frame past the ceiling should force a second datagram, got %d", len(datagrams))
	}
}

func TestDecode_ProtocolVersionMismatch(t *testing.T) {
	datagrams, _ := Encode([]can.Frame{mkFrame(1, 1)}, PayloadSize, 0)
	bad := append([]byte{}, datagrams[0]...)
	bad[0] = 0
	if _, err := Decode(bad); err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestDecode_UnsupportedOpCode(t *testing.T) {
	datagrams, _ := Encode([]can.Frame{mkFrame(1, 1)}, PayloadSize, 0)
	bad := append([]byte{}, datagrams[0]...)
	bad[1] = 99
	if _, err := Decode(bad); err == nil {
		t.Fatalf("expected unsupported op code error")
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	hdr := []byte{FrameVersion, OpData, 0, 0, 0}
	if _, err := Decode(hdr); err != ErrEmptyPayload {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestDecode_TruncatedDatagram_DiscardsPriorFrames(t *testing.T) {
	datagrams, _ := Encode([]can.Frame{mkFrame(1, 8), mkFrame(2, 8)}, PayloadSize, 0)
	truncated := datagrams[0][:len(datagrams[0])-1]
	out, err := Decode(truncated)
	if err == nil {
		t.Fatalf("expected truncation error")
	}
	if out != nil {
		t.Fatalf("truncated decode must discard frames already extracted, got %d", len(out))
	}
}
