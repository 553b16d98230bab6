package wire

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// shardHeaderSize prefixes every FEC shard with its group sequence id,
// its index within the group, and the number of payload bytes actually
// used (shards are padded to a common size before encoding), mirroring
// fec.go's fecHeaderSizePlus2 framing (seqid + flag + 2B length).
const shardHeaderSize = 4 + 1 + 2

// FECEncoder groups outgoing packets into fixed-size (data, parity) sets
// and emits parity shards once a group fills, the way kcp-go's fecEncoder
// batches snd_queue segments before a flush. A zero dataShards disables
// FEC: Wrap becomes a passthrough.
type FECEncoder struct {
	dataShards   int
	parityShards int
	codec        reedsolomon.Encoder
	groupSeq     uint32
	group        [][]byte
	shardSize    int
}

// NewFECEncoder builds an encoder for the given (data, parity) shard
// counts. dataShards == 0 disables FEC entirely.
func NewFECEncoder(dataShards, parityShards int) (*FECEncoder, error) {
	if dataShards == 0 {
		return &FECEncoder{}, nil
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "wire: construct reed-solomon codec")
	}
	return &FECEncoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		codec:        codec,
		group:        make([][]byte, 0, dataShards),
	}, nil
}

// Enabled reports whether this encoder produces parity shards.
func (e *FECEncoder) Enabled() bool { return e.dataShards > 0 }

// Wrap prefixes pkt with its FEC shard header and accumulates it into the
// current group. When the group fills, Wrap returns the parity shards to
// send alongside it; otherwise it returns nil.
func (e *FECEncoder) Wrap(pkt []byte) (framed []byte, parity [][]byte, err error) {
	if !e.Enabled() {
		return pkt, nil, nil
	}
	if len(pkt) > e.shardSize {
		e.shardSize = len(pkt)
	}
	idx := uint8(len(e.group))
	framed = make([]byte, shardHeaderSize+len(pkt))
	binary.LittleEndian.PutUint32(framed, e.groupSeq)
	framed[4] = idx
	binary.LittleEndian.PutUint16(framed[5:], uint16(len(pkt)))
	copy(framed[shardHeaderSize:], pkt)
	e.group = append(e.group, framed)

	if len(e.group) < e.dataShards {
		return framed, nil, nil
	}

	parity, err = e.buildParity()
	e.group = e.group[:0]
	e.groupSeq++
	e.shardSize = 0
	return framed, parity, err
}

// buildParity pads every accumulated data shard to the widest one seen
// this group, runs the reed-solomon encode, and frames the resulting
// parity shards with the same group header so a decoder can recognize
// them.
func (e *FECEncoder) buildParity() ([][]byte, error) {
	padded := make([][]byte, e.dataShards+e.parityShards)
	full := shardHeaderSize + e.shardSize
	for i, shard := range e.group {
		buf := make([]byte, full)
		copy(buf, shard)
		padded[i] = buf
	}
	for i := len(e.group); i < e.dataShards+e.parityShards; i++ {
		padded[i] = make([]byte, full)
	}
	if err := e.codec.Encode(padded); err != nil {
		return nil, errors.Wrap(err, "wire: reed-solomon encode")
	}
	parity := make([][]byte, e.parityShards)
	for i := 0; i < e.parityShards; i++ {
		p := padded[e.dataShards+i]
		binary.LittleEndian.PutUint32(p, e.groupSeq)
		p[4] = uint8(e.dataShards + i)
		parity[i] = p
	}
	return parity, nil
}

// fecGroup is the decoder's per-groupSeq accumulation of shards seen so far.
type fecGroup struct {
	shards  [][]byte
	present [8 * 32]bool // bitset-ish presence tracker sized for generous shard counts
	count   int
}

// FECDecoder reassembles groups and reconstructs missing data shards once
// enough of the group (data + parity) has arrived, grounded on fec.go's
// shardSet bookkeeping but simplified: partial groups are kept in a map
// keyed by group id, and once a group resolves, shards for it and for
// every earlier group id are ignored on arrival.
type FECDecoder struct {
	dataShards   int
	parityShards int
	codec        reedsolomon.Encoder
	groups       map[uint32]*fecGroup
	minGroupSeq  uint32
}

// NewFECDecoder builds a decoder matching an encoder's shard counts.
// dataShards == 0 disables FEC: Absorb becomes a passthrough that always
// reports the shard as ready data.
func NewFECDecoder(dataShards, parityShards int) (*FECDecoder, error) {
	if dataShards == 0 {
		return &FECDecoder{}, nil
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "wire: construct reed-solomon codec")
	}
	return &FECDecoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		codec:        codec,
		groups:       make(map[uint32]*fecGroup),
	}, nil
}

// Enabled reports whether this decoder performs reconstruction.
func (d *FECDecoder) Enabled() bool { return d.dataShards > 0 }

// Absorb feeds one received shard (data or parity) into its group. It
// returns every data-packet payload this shard's arrival makes available:
// the shard itself if it was already a data shard with no loss, or every
// reconstructed data shard once a group first crosses the
// dataShards-worth-of-shards-present threshold.
func (d *FECDecoder) Absorb(shard []byte) ([][]byte, error) {
	if !d.Enabled() {
		return [][]byte{shard}, nil
	}
	if len(shard) < shardHeaderSize {
		return nil, ErrShortPacket
	}
	groupSeq := binary.LittleEndian.Uint32(shard)
	idx := int(shard[4])
	total := d.dataShards + d.parityShards
	if idx >= total {
		return nil, errors.Errorf("wire: shard index %d out of range for %d total shards", idx, total)
	}

	if groupSeq < d.minGroupSeq {
		return nil, nil // stale group, already resolved or abandoned
	}

	g, ok := d.groups[groupSeq]
	if !ok {
		g = &fecGroup{shards: make([][]byte, total)}
		d.groups[groupSeq] = g
	}
	if g.present[idx] {
		return nil, nil // duplicate shard
	}
	g.shards[idx] = shard
	g.present[idx] = true
	g.count++

	var out [][]byte
	if idx < d.dataShards {
		out = append(out, unframe(shard))
	}

	if g.count >= d.dataShards {
		missing := g.count < total
		if missing {
			// reedsolomon requires every present shard to share one length;
			// shards arrive at their original unpadded size, so pad each up
			// to the widest one seen in the group before reconstructing,
			// the same zero-extension fec.go's decode() does before
			// ReconstructData.
			maxLen := 0
			for _, s := range g.shards {
				if len(s) > maxLen {
					maxLen = len(s)
				}
			}
			for i, s := range g.shards {
				if s == nil {
					continue
				}
				if len(s) < maxLen {
					padded := make([]byte, maxLen)
					copy(padded, s)
					g.shards[i] = padded
				}
			}
			if err := d.codec.Reconstruct(g.shards); err != nil {
				return out, errors.Wrap(err, "wire: reed-solomon reconstruct")
			}
			for i := 0; i < d.dataShards; i++ {
				if !g.present[i] {
					out = append(out, unframe(g.shards[i]))
				}
			}
		}
		delete(d.groups, groupSeq)
		if groupSeq >= d.minGroupSeq {
			d.minGroupSeq = groupSeq + 1
		}
	}
	return out, nil
}

// unframe strips the FEC shard header and the zero-padding introduced by
// buildParity, returning exactly the payload Wrap was given.
func unframe(shard []byte) []byte {
	n := binary.LittleEndian.Uint16(shard[5:])
	return shard[shardHeaderSize : shardHeaderSize+int(n)]
}
