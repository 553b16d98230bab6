package wire

import (
	"bytes"
	"testing"
)

func TestDataPacketRoundTrip(t *testing.T) {
	p := &DataPacket{
		ConnID:       42,
		Sequence:     100,
		SubmitTime:   123456789,
		IsRetransmit: true,
		Payload:      []byte("hello world"),
	}
	buf := EncodeData(p, nil)
	got, err := DecodeData(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConnID != p.ConnID || got.Sequence != p.Sequence || got.SubmitTime != p.SubmitTime || got.IsRetransmit != p.IsRetransmit {
		t.Fatalf("decoded = %+v, want %+v", got, p)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("Payload = %q, want %q", got.Payload, p.Payload)
	}
}

func TestDecodeDataRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeData([]byte{1, 2, 3}); err != ErrShortPacket {
		t.Fatalf("err = %v, want ErrShortPacket", err)
	}
}

func TestDecodeDataRejectsWrongType(t *testing.T) {
	buf := EncodeAck(&AckPacket{ConnID: 1, CumulativeAck: 2})
	if _, err := DecodeData(buf); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestAckPacketRoundTrip(t *testing.T) {
	p := &AckPacket{
		ConnID:        7,
		CumulativeAck: 55,
		NakRanges:     [][2]uint32{{1, 2}, {10, 20}},
	}
	buf := EncodeAck(p)
	got, err := DecodeAck(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConnID != p.ConnID || got.CumulativeAck != p.CumulativeAck {
		t.Fatalf("decoded = %+v, want %+v", got, p)
	}
	if len(got.NakRanges) != len(p.NakRanges) {
		t.Fatalf("NakRanges = %v, want %v", got.NakRanges, p.NakRanges)
	}
	for i := range p.NakRanges {
		if got.NakRanges[i] != p.NakRanges[i] {
			t.Fatalf("NakRanges[%d] = %v, want %v", i, got.NakRanges[i], p.NakRanges[i])
		}
	}
}

func TestAckPacketEmptyRanges(t *testing.T) {
	p := &AckPacket{ConnID: 1, CumulativeAck: 2}
	buf := EncodeAck(p)
	got, err := DecodeAck(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.NakRanges) != 0 {
		t.Fatalf("NakRanges = %v, want empty", got.NakRanges)
	}
}

func TestKeepAliveAndConnIDOf(t *testing.T) {
	buf := EncodeKeepAlive(99)
	typ, err := PacketType(buf)
	if err != nil || typ != TypeKeepAlive {
		t.Fatalf("PacketType = %v,%v, want TypeKeepAlive,nil", typ, err)
	}
	id, err := ConnIDOf(buf)
	if err != nil || id != 99 {
		t.Fatalf("ConnIDOf = %v,%v, want 99,nil", id, err)
	}
}
