package wire

import (
	"bytes"
	"testing"
)

func TestFECDisabledIsPassthrough(t *testing.T) {
	enc, err := NewFECEncoder(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	framed, parity, err := enc.Wrap([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if parity != nil {
		t.Fatalf("parity = %v, want nil when FEC disabled", parity)
	}
	if !bytes.Equal(framed, []byte("payload")) {
		t.Fatalf("framed = %q, want unchanged payload", framed)
	}
}

func TestFECReconstructsOneMissingDataShard(t *testing.T) {
	enc, err := NewFECEncoder(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewFECDecoder(3, 1)
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{
		bytes.Repeat([]byte("a"), 20),
		bytes.Repeat([]byte("b"), 12),
		bytes.Repeat([]byte("c"), 18),
	}
	var shards [][]byte
	for _, p := range payloads {
		framed, parity, err := enc.Wrap(p)
		if err != nil {
			t.Fatal(err)
		}
		shards = append(shards, framed)
		shards = append(shards, parity...)
	}
	if len(shards) != 4 {
		t.Fatalf("got %d shards, want 4 (3 data + 1 parity)", len(shards))
	}

	// Drop the second data shard; feed the rest to the decoder.
	lost := shards[1]
	_ = lost
	var recovered [][]byte
	for i, s := range shards {
		if i == 1 {
			continue
		}
		out, err := dec.Absorb(s)
		if err != nil {
			t.Fatal(err)
		}
		recovered = append(recovered, out...)
	}

	var gotB []byte
	for _, r := range recovered {
		if len(r) == len(payloads[1]) && bytes.Equal(r, payloads[1]) {
			gotB = r
		}
	}
	if gotB == nil {
		t.Fatalf("missing shard was not reconstructed; recovered = %v", recovered)
	}
}
