package predict

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/kdsync/kdsync/pkg/state"
)

// ErrDecodeFailure means the bytes at the program counter could not be
// decoded (unrecognized opcode or short excerpt). Non-fatal: the step
// simply proceeds without a prediction.
var ErrDecodeFailure = errors.New("predict: cannot decode instruction")

// Decoded is one decoded instruction at a live address.
type Decoded struct {
	Addr uint64
	Inst x86asm.Inst
	Text string
}

// Decoder decodes 64-bit x86 at the snapshot's program counter, caching
// results keyed by address and byte content so repeated stops at the same
// instruction do not re-decode.
type Decoder struct {
	cache *lru.Cache
}

type decodeKey struct {
	addr uint64
	hash uint64
}

func NewDecoder(cacheSize int) *Decoder {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New(cacheSize)
	return &Decoder{cache: cache}
}

// DecodeAt decodes the instruction at the snapshot's program counter from
// its memory excerpt.
func (d *Decoder) DecodeAt(snap *state.Snapshot) (*Decoded, error) {
	code := excerptAt(snap, snap.PCRaw)
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: no memory excerpt covers %#x", ErrDecodeFailure, snap.PCRaw)
	}

	key := decodeKey{addr: snap.PCRaw, hash: xxhash.Sum64(code)}
	if v, ok := d.cache.Get(key); ok {
		return v.(*Decoded), nil
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	dec := &Decoded{
		Addr: snap.PCRaw,
		Inst: inst,
		Text: x86asm.IntelSyntax(inst, snap.PCRaw, nil),
	}
	d.cache.Add(key, dec)
	return dec, nil
}

// excerptAt returns the excerpt bytes from addr onward, or nil when no
// region covers it.
func excerptAt(snap *state.Snapshot, addr uint64) []byte {
	for base, data := range snap.Memory {
		if addr >= base && addr-base < uint64(len(data)) {
			return data[addr-base:]
		}
	}
	return nil
}
