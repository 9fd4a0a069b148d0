package predict

import (
	"testing"

	"github.com/kdsync/kdsync/pkg/state"
)

const pc = uint64(0xfffff8056091bef0)

// snapWith builds a snapshot whose excerpt at the program counter holds
// the given encoding.
func snapWith(code []byte, regs map[string]uint64) *state.Snapshot {
	r := map[string]uint64{"rsp": 0xfffff80562740000}
	for k, v := range regs {
		r[k] = v
	}
	r["rip"] = pc
	return &state.Snapshot{
		Seq:       1,
		Registers: r,
		PCRaw:     pc,
		Memory:    map[uint64][]byte{pc: code},
	}
}

func mustKnown(t *testing.T, e *Effect, reg string, want uint64) {
	t.Helper()
	d, ok := e.Deltas[reg]
	if !ok {
		t.Fatalf("no delta for %s (deltas: %v)", reg, e.Deltas)
	}
	if !d.Known {
		t.Fatalf("%s marked unknown, want %#x", reg, want)
	}
	if d.Value != want {
		t.Errorf("%s = %#x, want %#x", reg, d.Value, want)
	}
}

func mustUnknown(t *testing.T, e *Effect, reg string) {
	t.Helper()
	d, ok := e.Deltas[reg]
	if !ok {
		t.Fatalf("no delta for %s (deltas: %v)", reg, e.Deltas)
	}
	if d.Known {
		t.Errorf("%s = %#x, want unknown", reg, d.Value)
	}
}

func TestPredictMovRegReg(t *testing.T) {
	p := New(0, nil)
	// mov rax, rbx
	e := p.Predict(snapWith([]byte{0x48, 0x89, 0xd8}, map[string]uint64{"rbx": 0x42}))
	if e.DecodeFailed {
		t.Fatal("decode failed")
	}
	mustKnown(t, e, "rax", 0x42)
	mustKnown(t, e, "rip", pc+3)
}

func TestPredictMovImmediate(t *testing.T) {
	p := New(0, nil)
	// mov rax, 0x42
	e := p.Predict(snapWith([]byte{0x48, 0xc7, 0xc0, 0x42, 0x00, 0x00, 0x00}, nil))
	mustKnown(t, e, "rax", 0x42)
}

func TestPredictConditionalBranch(t *testing.T) {
	p := New(0, nil)
	// je +5
	e := p.Predict(snapWith([]byte{0x74, 0x05}, nil))
	mustUnknown(t, e, "rip")
	mustUnknown(t, e, "efl")
}

func TestPredictArithmetic(t *testing.T) {
	p := New(0, nil)
	// add rax, 8
	e := p.Predict(snapWith([]byte{0x48, 0x83, 0xc0, 0x08}, map[string]uint64{"rax": 0x100}))
	mustKnown(t, e, "rax", 0x108)
	mustUnknown(t, e, "efl")
}

func TestPredictXorZeroingIdiom(t *testing.T) {
	p := New(0, nil)
	// xor eax, eax zeroes the whole register even with rax unknown
	e := p.Predict(snapWith([]byte{0x31, 0xc0}, nil))
	mustKnown(t, e, "rax", 0)
}

func TestPredict32BitZeroExtend(t *testing.T) {
	p := New(0, nil)
	// mov eax, ebx: writing a 32-bit register clears the upper half
	e := p.Predict(snapWith([]byte{0x89, 0xd8}, map[string]uint64{
		"rax": 0xdeadbeef00000000,
		"rbx": 0xcafe0000f00dd00d,
	}))
	mustKnown(t, e, "rax", 0xf00dd00d)
}

func TestPredictPushPop(t *testing.T) {
	p := New(0, nil)
	rsp := uint64(0xfffff80562740000)

	// push rax
	e := p.Predict(snapWith([]byte{0x50}, nil))
	mustKnown(t, e, "rsp", rsp-8)

	// pop rbx: rsp moves, destination depends on memory we do not have
	e = p.Predict(snapWith([]byte{0x5b}, nil))
	mustKnown(t, e, "rsp", rsp+8)
	mustUnknown(t, e, "rbx")
}

func TestPredictCallRet(t *testing.T) {
	p := New(0, nil)
	rsp := uint64(0xfffff80562740000)

	// call +0x10: direct target is statically known
	e := p.Predict(snapWith([]byte{0xe8, 0x10, 0x00, 0x00, 0x00}, nil))
	mustKnown(t, e, "rsp", rsp-8)
	mustKnown(t, e, "rip", pc+5+0x10)

	// ret: return address lives on the stack
	e = p.Predict(snapWith([]byte{0xc3}, nil))
	mustKnown(t, e, "rsp", rsp+8)
	mustUnknown(t, e, "rip")
}

func TestPredictIncDecXchg(t *testing.T) {
	p := New(0, nil)

	// inc rax
	e := p.Predict(snapWith([]byte{0x48, 0xff, 0xc0}, map[string]uint64{"rax": 0xff}))
	mustKnown(t, e, "rax", 0x100)

	// xchg rax, rbx
	e = p.Predict(snapWith([]byte{0x48, 0x87, 0xd8}, map[string]uint64{"rax": 1, "rbx": 2}))
	mustKnown(t, e, "rax", 2)
	mustKnown(t, e, "rbx", 1)
}

func TestPredictDivFamilyUnknown(t *testing.T) {
	p := New(0, nil)
	// mul rbx
	e := p.Predict(snapWith([]byte{0x48, 0xf7, 0xe3}, map[string]uint64{"rax": 6, "rbx": 7}))
	mustUnknown(t, e, "rax")
	mustUnknown(t, e, "rdx")
}

func TestPredictDecodeFailure(t *testing.T) {
	p := New(0, nil)

	// No excerpt at all.
	snap := snapWith(nil, map[string]uint64{"rax": 1})
	snap.Memory = nil
	e := p.Predict(snap)
	if !e.DecodeFailed {
		t.Fatal("expected DecodeFailed")
	}
	for reg, d := range e.Deltas {
		if d.Known {
			t.Errorf("%s known after decode failure", reg)
		}
	}

	// Excerpt too short to decode.
	e = p.Predict(snapWith([]byte{0x48}, nil))
	if !e.DecodeFailed {
		t.Error("expected DecodeFailed on truncated encoding")
	}
}

func TestReconcile(t *testing.T) {
	p := New(0, nil)
	// mov rax, rbx with rbx = 0x42
	e := p.Predict(snapWith([]byte{0x48, 0x89, 0xd8}, map[string]uint64{"rbx": 0x42}))

	confirmed := &state.Snapshot{
		Seq:       2,
		PCRaw:     pc + 3,
		Registers: map[string]uint64{"rax": 0x42, "rip": pc + 3},
	}
	rep := Reconcile(e, confirmed)
	if rep.Mismatches != 0 {
		t.Errorf("Mismatches = %d, want 0 (%+v)", rep.Mismatches, rep.Outcomes)
	}
	if rep.Matches != 2 { // rax and rip
		t.Errorf("Matches = %d, want 2", rep.Matches)
	}

	// Observed value diverges: recorded as a mismatch, nothing else.
	wrong := &state.Snapshot{
		Seq:       2,
		PCRaw:     pc + 3,
		Registers: map[string]uint64{"rax": 0x99, "rip": pc + 3},
	}
	rep = Reconcile(e, wrong)
	if rep.Mismatches != 1 {
		t.Errorf("Mismatches = %d, want 1", rep.Mismatches)
	}

	var acc Accuracy
	acc.Record(rep)
	m, mm := acc.Totals()
	if m != 1 || mm != 1 {
		t.Errorf("accuracy totals = %d/%d, want 1/1", m, mm)
	}
}

func TestDecodeCache(t *testing.T) {
	d := NewDecoder(4)
	snap := snapWith([]byte{0x48, 0x89, 0xd8}, nil)

	first, err := d.DecodeAt(snap)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.DecodeAt(snap)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the cached *Decoded on the second decode")
	}

	// Same address, different bytes: must not hit the stale entry.
	other := snapWith([]byte{0x90}, nil)
	third, err := d.DecodeAt(other)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("cache returned stale instruction for rewritten bytes")
	}
}
